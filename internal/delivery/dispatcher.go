package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// DefaultSendTimeout bounds one channel send
const DefaultSendTimeout = 15 * time.Second

// Outcome of one SendIfEligible call
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Candidate is one (recipient, kind, date) ready to be sent
type Candidate struct {
	ParishID    uuid.UUID
	RecipientID uuid.UUID
	Kind        string
	DateKey     string
	Channel     string
	Address     string
	Subject     string
	Body        string
}

// Result describes what SendIfEligible did
type Result struct {
	Outcome   Outcome
	MessageID uuid.UUID
	ErrorCode string
	// Duplicate is set when the send succeeded but a concurrent dispatcher
	// had already logged it.
	Duplicate bool
}

// Recorder audits send attempts. *Audit implements it.
type Recorder interface {
	Record(ctx context.Context, at Attempt) error
}

// Config holds dispatcher settings
type Config struct {
	SendTimeout time.Duration
}

// Dispatcher sends a candidate at most once per (recipient, kind, date).
// The send log row is written only after the channel accepted the message,
// so two overlapping ticks can both send before either logs. The unique
// index keeps the log single; the extra message is accepted.
type Dispatcher struct {
	store  SendLogStore
	sender channel.Sender
	audit  Recorder
	logger *zap.Logger
	cfg    Config
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store SendLogStore, sender channel.Sender, audit Recorder, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
	}
}

// SendIfEligible sends c unless a send log already exists for it.
//
// A send that was already logged is skipped without touching the channel.
// A channel failure is audited and returned wrapped in ErrChannelSend; no
// send log is written so the next tick retries. Store failures are wrapped
// in ErrTransientStore.
func (d *Dispatcher) SendIfEligible(ctx context.Context, c Candidate) (Result, error) {
	logger := d.logger.With(
		zap.String("recipient_id", c.RecipientID.String()),
		zap.String("kind", c.Kind),
		zap.String("date_key", c.DateKey),
		zap.String("channel", c.Channel),
	)

	sent, err := d.store.FindSendLog(ctx, c.RecipientID, c.Kind, c.DateKey)
	if err != nil {
		d.record(OutcomeFailed, c)
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: find send log: %w", ErrTransientStore, err)
	}
	if sent {
		d.record(OutcomeSkipped, c)
		return Result{Outcome: OutcomeSkipped}, nil
	}

	msg := &channel.Message{
		ID:          uuid.New(),
		ParishID:    c.ParishID,
		RecipientID: c.RecipientID,
		Channel:     c.Channel,
		Address:     c.Address,
		Kind:        c.Kind,
		DateKey:     c.DateKey,
		Subject:     c.Subject,
		Body:        c.Body,
	}

	start := time.Now()
	sendErr := d.send(ctx, msg)
	elapsed := time.Since(start)
	metrics.RecordSendLatency(c.Channel, elapsed)

	attempt := Attempt{
		ParishID:    c.ParishID,
		RecipientID: c.RecipientID,
		Channel:     c.Channel,
		Kind:        c.Kind,
		DateKey:     c.DateKey,
		Target:      c.Address,
		Success:     sendErr == nil,
		Context: map[string]any{
			"message_id":  msg.ID.String(),
			"duration_ms": elapsed.Milliseconds(),
		},
	}
	if sendErr != nil {
		attempt.ErrorCode, attempt.ErrorMessage = channel.Classify(sendErr)
	}
	if err := d.audit.Record(ctx, attempt); err != nil {
		logger.Warn("failed to audit delivery attempt", zap.Error(err))
	}

	if sendErr != nil {
		logger.Warn("delivery failed",
			zap.String("code", attempt.ErrorCode),
			zap.String("error", redactTarget(c.Channel, c.Address, sendErr.Error())),
		)
		d.record(OutcomeFailed, c)
		return Result{Outcome: OutcomeFailed, MessageID: msg.ID, ErrorCode: attempt.ErrorCode},
			fmt.Errorf("%w: %w", ErrChannelSend, sendErr)
	}

	err = d.store.CreateSendLog(ctx, &db.SendLog{
		ID:          uuid.New(),
		RecipientID: c.RecipientID,
		Kind:        c.Kind,
		DateKey:     c.DateKey,
	})
	switch {
	case errors.Is(err, ErrDuplicateKey):
		metrics.RecordDuplicateSendLog()
		logger.Info("send already logged by a concurrent dispatcher",
			zap.String("message_id", msg.ID.String()),
		)
		d.record(OutcomeSent, c)
		return Result{Outcome: OutcomeSent, MessageID: msg.ID, Duplicate: true}, nil
	case err != nil:
		logger.Error("delivered but failed to write send log", zap.Error(err))
		d.record(OutcomeFailed, c)
		return Result{Outcome: OutcomeFailed, MessageID: msg.ID},
			fmt.Errorf("%w: create send log: %w", ErrTransientStore, err)
	}

	logger.Debug("delivered", zap.String("message_id", msg.ID.String()))
	d.record(OutcomeSent, c)
	return Result{Outcome: OutcomeSent, MessageID: msg.ID}, nil
}

// send calls the channel with a deadline. A sender that ignores its context
// is abandoned at the deadline; a panic is reported as a failure.
func (d *Dispatcher) send(ctx context.Context, msg *channel.Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- channel.NewSendError(channel.CodePanic, fmt.Sprint(r), nil)
			}
		}()
		done <- d.sender.Send(ctx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return channel.NewSendError(channel.CodeTimeout, "send timed out", ctx.Err())
		}
		return channel.NewSendError(channel.CodeCanceled, "send canceled", ctx.Err())
	}
}

func (d *Dispatcher) record(o Outcome, c Candidate) {
	metrics.RecordDispatch(string(o), c.Kind, c.Channel)
}
