// Package circuitbreaker stops a tick from hammering a channel provider that
// is down. While a breaker is open every send fails fast as circuit_open and
// is audited like any other failure, so the recipient is retried on the next
// tick.
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
)

// State of a breaker.
//
//	Closed -> Open:      MaxFailures consecutive provider faults
//	Open -> HalfOpen:    RecoveryTimeout after opening
//	HalfOpen -> Closed:  a probe send succeeds
//	HalfOpen -> Open:    a probe send hits a provider fault
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is wrapped by the circuit_open SendError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Verdict is what one send outcome says about the provider's health.
type Verdict int

const (
	VerdictHealthy Verdict = iota
	VerdictProviderFault
	// VerdictNeutral outcomes are the recipient's or the caller's doing
	VerdictNeutral
)

// Judge maps a Send result onto a Verdict. A bad address, a 4xx from a
// webhook and a canceled tick do not count against the provider; 408, 429,
// 5xx, timeouts and provider errors do.
func Judge(err error) Verdict {
	if err == nil {
		return VerdictHealthy
	}

	var se *channel.SendError
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) {
			return VerdictNeutral
		}
		return VerdictProviderFault
	}

	switch se.Code {
	case channel.CodeInvalidAddress, channel.CodeCanceled, channel.CodeCircuitOpen:
		return VerdictNeutral
	case channel.CodeHTTPStatus:
		if se.Status == http.StatusRequestTimeout || se.Status == http.StatusTooManyRequests {
			return VerdictProviderFault
		}
		if se.Status >= 400 && se.Status < 500 {
			return VerdictNeutral
		}
		return VerdictProviderFault
	default:
		return VerdictProviderFault
	}
}

// Config of one breaker
type Config struct {
	Name            string
	MaxFailures     int           // consecutive provider faults before opening
	RecoveryTimeout time.Duration // open time before the first probe
	HalfOpenProbes  int           // concurrent probes while half-open

	// OnStateChange runs with the lock held after every transition.
	OnStateChange func(name string, from, to State)

	Now func() time.Time
}

// DefaultConfig returns the settings used for every channel provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
		HalfOpenProbes:  1,
	}
}

// Breaker guards one provider, or one webhook host.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state    State
	failures int
	openedAt time.Time
	probes   int
}

// New creates a closed breaker. Zero config fields take DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Breaker{config: cfg, logger: logger}
}

// Allow reports whether a send may go out. Once RecoveryTimeout has passed an
// open breaker lets HalfOpenProbes sends through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.config.Now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probes = 1
		return true
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenProbes {
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

// Record applies the verdict of a send that Allow let through. A neutral
// verdict leaves the state alone and frees its probe slot.
func (b *Breaker) Record(v Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch v {
	case VerdictHealthy:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transitionTo(StateClosed)
			b.logger.Info("circuit breaker closed, provider recovered",
				zap.String("name", b.config.Name),
			)
		}

	case VerdictProviderFault:
		b.failures++
		switch {
		case b.state == StateHalfOpen:
			b.open()
			b.logger.Warn("circuit breaker re-opened, probe failed",
				zap.String("name", b.config.Name),
			)
		case b.state == StateClosed && b.failures >= b.config.MaxFailures:
			b.open()
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failures),
			)
		}

	case VerdictNeutral:
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.config.Now()
	b.transitionTo(StateOpen)
}

// must be called with the lock held
func (b *Breaker) transitionTo(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.probes = 0

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
