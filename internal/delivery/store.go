// Package delivery sends one scheduled notification exactly once per
// (recipient, kind, date) and keeps the append-only audit trail of every
// attempt.
package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

var (
	// ErrDuplicateKey means another process already logged the same send.
	ErrDuplicateKey = db.ErrDuplicateKey

	// ErrTransientStore wraps store failures. The candidate counts as failed
	// for this tick and is retried on the next one.
	ErrTransientStore = errors.New("transient store error")

	// ErrChannelSend wraps a failed channel send.
	ErrChannelSend = errors.New("channel send failed")
)

// SendLogStore is the dedup side of the store. CreateSendLog must return an
// error matching ErrDuplicateKey when the unique index rejects the row.
type SendLogStore interface {
	FindSendLog(ctx context.Context, recipientID uuid.UUID, kind, dateKey string) (bool, error)
	CreateSendLog(ctx context.Context, l *db.SendLog) error
}

// AttemptStore is the audit side of the store
type AttemptStore interface {
	AppendDeliveryAttempt(ctx context.Context, a *db.DeliveryAttempt) error
	QueryRecentFailures(ctx context.Context, q db.FailureQuery) ([]db.DeliveryAttempt, error)
}

// Store is implemented by db.Repository
type Store interface {
	SendLogStore
	AttemptStore
}
