package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

const (
	// FailurePageSize caps ListFailures
	FailurePageSize = 100

	// DefaultFailureWindow applies when a filter has no Since
	DefaultFailureWindow = 24 * time.Hour

	maskKeep   = 6
	maskPrefix = "…"
)

// Attempt describes one send attempt to be audited.
type Attempt struct {
	ParishID     uuid.UUID
	RecipientID  uuid.UUID
	Channel      string
	Kind         string
	DateKey      string
	Target       string
	Success      bool
	ErrorCode    string
	ErrorMessage string
	Context      map[string]any
}

// FailureFilter selects recent failures of one parish
type FailureFilter struct {
	ParishID uuid.UUID
	Since    time.Duration // trailing window, DefaultFailureWindow when zero
	Channel  string        // empty for every channel
}

// EventSink receives audited attempts in batches
type EventSink interface {
	PublishBatch(ctx context.Context, attempts []*db.DeliveryAttempt) (int, error)
}

// Audit appends attempt rows and answers the reliability dashboard.
type Audit struct {
	store  AttemptStore
	sink   EventSink
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []*db.DeliveryAttempt
}

// NewAudit creates an audit trail over store. sink may be nil.
func NewAudit(store AttemptStore, sink EventSink, logger *zap.Logger) *Audit {
	return &Audit{
		store:  store,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends one attempt. Every attempt is stored, including repeats of
// the same logical send. Push and webhook targets are masked first.
func (a *Audit) Record(ctx context.Context, at Attempt) error {
	row := &db.DeliveryAttempt{
		ID:          uuid.New(),
		ParishID:    at.ParishID,
		RecipientID: at.RecipientID,
		Channel:     at.Channel,
		Status:      db.StatusSuccess,
		Target:      MaskTarget(at.Channel, at.Target),
		Kind:        at.Kind,
		DateKey:     at.DateKey,
	}
	if !at.Success {
		row.Status = db.StatusFailure
		code, msg := at.ErrorCode, redactTarget(at.Channel, at.Target, at.ErrorMessage)
		row.ErrorCode = &code
		row.ErrorMessage = &msg
	}
	if len(at.Context) > 0 {
		raw, err := json.Marshal(at.Context)
		if err != nil {
			return fmt.Errorf("encode attempt context: %w", err)
		}
		row.Context = raw
	}

	if err := a.store.AppendDeliveryAttempt(ctx, row); err != nil {
		return fmt.Errorf("%w: append attempt: %w", ErrTransientStore, err)
	}
	metrics.RecordAttempt(row.Status, row.Channel)

	if a.sink != nil {
		a.mu.Lock()
		a.pending = append(a.pending, row)
		a.mu.Unlock()
	}

	return nil
}

// Flush publishes the attempts recorded since the last flush to the event
// sink. Events of a failed publish are dropped; Postgres stays the record.
func (a *Audit) Flush(ctx context.Context) (int, error) {
	if a.sink == nil {
		return 0, nil
	}

	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	sent, err := a.sink.PublishBatch(ctx, batch)
	if err != nil || sent < len(batch) {
		metrics.RecordAuditSinkFailure()
		a.logger.Warn("audit events not fully published",
			zap.Int("events", len(batch)),
			zap.Int("published", sent),
			zap.Error(err),
		)
	}
	if err != nil {
		return sent, fmt.Errorf("publish audit events: %w", err)
	}
	return sent, nil
}

// ListFailures returns the most recent failures, newest first, capped at
// FailurePageSize.
func (a *Audit) ListFailures(ctx context.Context, f FailureFilter) ([]db.DeliveryAttempt, error) {
	window := f.Since
	if window <= 0 {
		window = DefaultFailureWindow
	}

	rows, err := a.store.QueryRecentFailures(ctx, db.FailureQuery{
		ParishID: f.ParishID,
		Since:    a.now().Add(-window),
		Channel:  f.Channel,
		Limit:    FailurePageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query failures: %w", ErrTransientStore, err)
	}

	if len(rows) > FailurePageSize {
		rows = rows[:FailurePageSize]
	}
	for i := range rows {
		rows[i].Target = MaskTarget(rows[i].Channel, rows[i].Target)
	}
	return rows, nil
}

// MaskTarget keeps only a short suffix of push endpoints and webhook URLs.
// Email addresses are returned unchanged. Masking a masked value is a no-op.
func MaskTarget(channel, target string) string {
	if channel != db.ChannelPush && channel != db.ChannelWebhook {
		return target
	}
	if target == "" || strings.HasPrefix(target, maskPrefix) {
		return target
	}

	r := []rune(target)
	if len(r) <= maskKeep {
		return maskPrefix
	}
	return maskPrefix + string(r[len(r)-maskKeep:])
}

// redactTarget replaces every occurrence of a push or webhook target in text
// with its masked form. Provider errors often quote the full URL.
func redactTarget(channel, target, text string) string {
	masked := MaskTarget(channel, target)
	if target == "" || masked == target {
		return text
	}
	return strings.ReplaceAll(text, target, masked)
}
