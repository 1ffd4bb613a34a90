package circuitbreaker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
)

// KeyFunc picks the breaker a message goes through. Messages with the same
// key share a breaker.
type KeyFunc func(msg *channel.Message) string

// WebhookHost keys webhook messages by endpoint host, so one parish's broken
// integration does not block the others.
func WebhookHost(msg *channel.Message) string {
	u, err := url.Parse(msg.Address)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// ProtectedSender wraps a channel.Sender with one breaker per key.
type ProtectedSender struct {
	sender channel.Sender
	config Config
	key    KeyFunc
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewProtectedSender guards sender. A nil key puts every message behind a
// single breaker named cfg.Name.
func NewProtectedSender(sender channel.Sender, cfg Config, key KeyFunc, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:   sender,
		config:   cfg,
		key:      key,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Send fails fast with a circuit_open SendError while the message's breaker
// is open.
func (p *ProtectedSender) Send(ctx context.Context, msg *channel.Message) error {
	b := p.breakerFor(msg)

	if !b.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", b.config.Name),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", msg.Channel),
		)
		return channel.NewSendError(channel.CodeCircuitOpen,
			fmt.Sprintf("%s sender unavailable", p.config.Name), ErrCircuitOpen)
	}

	err := p.sender.Send(ctx, msg)
	v := Judge(err)
	b.Record(v)
	if v == VerdictProviderFault {
		p.logger.Debug("circuit breaker recorded provider fault",
			zap.String("breaker", b.config.Name),
			zap.String("message_id", msg.ID.String()),
		)
	}
	return err
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(ch string) bool {
	return p.sender.SupportsChannel(ch)
}

func (p *ProtectedSender) breakerFor(msg *channel.Message) *Breaker {
	name := p.config.Name
	if p.key != nil {
		if k := p.key(msg); k != "" {
			name += "/" + k
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[name]
	if !ok {
		cfg := p.config
		cfg.Name = name
		b = New(cfg, p.logger)
		p.breakers[name] = b
	}
	return b
}
