// Package worker runs the daily tick: for every parish whose local time
// matches its send time it evaluates the roster and dispatches what is due.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/candidates"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/timewindow"
)

// ErrRosterUnavailable is returned when the parish list cannot be read.
// It is the only error RunDailyTick returns.
var ErrRosterUnavailable = errors.New("roster unavailable")

// Roster reads the schedule scopes and their members
type Roster interface {
	ListParishes(ctx context.Context) ([]db.Parish, error)
	ListMemberships(ctx context.Context, parishID uuid.UUID) ([]db.Membership, error)
	ListSentForDate(ctx context.Context, parishID uuid.UUID, dateKey string) ([]db.SendLog, error)
}

type Dispatcher interface {
	SendIfEligible(ctx context.Context, c delivery.Candidate) (delivery.Result, error)
}

// Flusher publishes buffered audit events at the end of a tick
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

type Worker struct {
	roster     Roster
	dispatcher Dispatcher
	audit      Flusher
	config     Config
	sendTime   timewindow.SendTime
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type Config struct {
	Workers         int
	SendRatePerSec  int           // 0 disables pacing
	Tick            time.Duration // trigger granularity
	DefaultSendTime string        // HH:MM, used when a parish has none
}

// Summary of one tick
type Summary struct {
	ScopesEvaluated     int `json:"scopes_evaluated"`
	ScopesMatched       int `json:"scopes_matched"`
	ScopesFailed        int `json:"scopes_failed"`
	CandidatesEvaluated int `json:"candidates_evaluated"`
	AlreadySent         int `json:"already_sent"`
	Sent                int `json:"sent"`
	Failed              int `json:"failed"`
	Skipped             int `json:"skipped"`
}

func New(roster Roster, dispatcher Dispatcher, audit Flusher, cfg Config, logger *zap.Logger) *Worker {

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Hour
	}

	limit := rate.Inf
	burst := 1
	if cfg.SendRatePerSec > 0 {
		limit = rate.Limit(cfg.SendRatePerSec)
		burst = cfg.SendRatePerSec
	}

	return &Worker{
		roster:     roster,
		dispatcher: dispatcher,
		audit:      audit,
		config:     cfg,
		sendTime:   timewindow.ParseSendTime(cfg.DefaultSendTime),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// RunDailyTick evaluates every parish at nowUTC. Failures of one parish or
// one recipient are logged and counted; they never abort the tick.
func (w *Worker) RunDailyTick(ctx context.Context, nowUTC time.Time) (Summary, error) {
	start := time.Now()
	var sum Summary

	parishes, err := w.roster.ListParishes(ctx)
	if err != nil {
		w.logger.Error("failed to list parishes", zap.Error(err))
		metrics.RecordTick("roster_unavailable", time.Since(start))
		return sum, fmt.Errorf("%w: %w", ErrRosterUnavailable, err)
	}

	for _, p := range parishes {
		if ctx.Err() != nil {
			w.logger.Warn("tick interrupted", zap.Error(ctx.Err()))
			break
		}
		sum.ScopesEvaluated++
		w.runParish(ctx, p, nowUTC, &sum)
	}

	if _, err := w.audit.Flush(ctx); err != nil {
		w.logger.Warn("failed to publish audit events", zap.Error(err))
	}

	metrics.RecordTick("ok", time.Since(start))
	w.logger.Info("tick finished",
		zap.Time("now", nowUTC),
		zap.Int("scopes_evaluated", sum.ScopesEvaluated),
		zap.Int("scopes_matched", sum.ScopesMatched),
		zap.Int("scopes_failed", sum.ScopesFailed),
		zap.Int("candidates_evaluated", sum.CandidatesEvaluated),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("duration", time.Since(start)),
	)

	return sum, nil
}

func (w *Worker) runParish(ctx context.Context, p db.Parish, nowUTC time.Time, sum *Summary) {
	logger := w.logger.With(zap.String("parish_id", p.ID.String()))

	tz := p.Timezone
	parts, err := timewindow.Local(nowUTC, tz)
	if err != nil {
		logger.Warn("invalid parish timezone, using UTC",
			zap.String("timezone", p.Timezone),
			zap.Error(err),
		)
		tz = "UTC"
		parts, _ = timewindow.Local(nowUTC, tz)
	}

	at := w.sendTime
	if p.SendTime != "" {
		at = timewindow.ParseSendTime(p.SendTime)
	}
	if !timewindow.MatchesSendTime(parts.Hour, parts.Minute, at.On(parts, tz), w.config.Tick) {
		return
	}
	sum.ScopesMatched++

	members, err := w.roster.ListMemberships(ctx, p.ID)
	if err != nil {
		logger.Error("failed to list memberships", zap.Error(err))
		sum.ScopesFailed++
		return
	}

	// The dispatcher re-checks the send log, so a missing set only costs lookups.
	logs, err := w.roster.ListSentForDate(ctx, p.ID, parts.DateKey)
	if err != nil {
		logger.Warn("failed to list sent notifications", zap.Error(err))
	}

	date := candidates.DateOf(parts)
	res := candidates.NewEngine(p).Evaluate(members, date, candidates.NewSentSet(logs))
	sum.CandidatesEvaluated += len(res.Records)
	sum.AlreadySent += res.Totals.AlreadySent

	logger.Debug("roster evaluated",
		zap.String("date_key", date.Key),
		zap.Int("members", len(res.Records)),
		zap.Int("sendable", res.Totals.Sendable),
		zap.Int("missing_address", res.Totals.MissingAddress),
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(w.config.Workers)

	for _, rec := range res.Records {
		for _, kind := range rec.Sendable() {
			c := w.candidate(p, rec.Membership, kind, date)

			g.Go(func() error {
				if err := w.limiter.Wait(ctx); err != nil {
					logger.Warn("dispatch not attempted",
						zap.String("recipient_id", c.RecipientID.String()),
						zap.String("kind", c.Kind),
						zap.Error(err),
					)
					metrics.RecordDispatch(string(delivery.OutcomeFailed), c.Kind, c.Channel)
					mu.Lock()
					sum.Failed++
					mu.Unlock()
					return nil
				}

				r, err := w.dispatcher.SendIfEligible(ctx, c)
				if err != nil && !errors.Is(err, delivery.ErrChannelSend) {
					logger.Error("dispatch failed",
						zap.String("recipient_id", c.RecipientID.String()),
						zap.String("kind", c.Kind),
						zap.Error(err),
					)
				}

				mu.Lock()
				defer mu.Unlock()
				switch r.Outcome {
				case delivery.OutcomeSent:
					sum.Sent++
				case delivery.OutcomeSkipped:
					sum.Skipped++
				default:
					sum.Failed++
				}
				return nil
			})
		}
	}

	_ = g.Wait()
}

func (w *Worker) candidate(p db.Parish, m db.Membership, kind candidates.Kind, date candidates.Date) delivery.Candidate {
	ch := m.Channel
	if ch == "" {
		ch = db.ChannelEmail
	}
	subject, body := composeMessage(p, m, kind, date)

	return delivery.Candidate{
		ParishID:    p.ID,
		RecipientID: m.ID,
		Kind:        string(kind),
		DateKey:     date.Key,
		Channel:     ch,
		Address:     m.Address,
		Subject:     subject,
		Body:        body,
	}
}
