package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrDuplicateKey is returned when an insert hits a unique index.
var ErrDuplicateKey = errors.New("duplicate key")

const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Repository handles database operations for parishes, rosters and delivery records
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListParishes returns every parish with its schedule settings
func (r *Repository) ListParishes(ctx context.Context) ([]Parish, error) {
	query := `
		SELECT id, name, timezone, send_time, digest_weekday, created_at
		FROM parishes
		ORDER BY name
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query parishes: %w", err)
	}
	defer rows.Close()

	var parishes []Parish
	for rows.Next() {
		var p Parish
		if err := rows.Scan(&p.ID, &p.Name, &p.Timezone, &p.SendTime, &p.DigestWeekday, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan parish: %w", err)
		}
		parishes = append(parishes, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return parishes, nil
}

// ListMemberships returns the roster of a parish
func (r *Repository) ListMemberships(ctx context.Context, parishID uuid.UUID) ([]Membership, error) {
	query := `
		SELECT
			id, parish_id, name, channel, address,
			birth_month, birth_day, anniversary_month, anniversary_day,
			birthday_opt_in, anniversary_opt_in, digest_opt_in, created_at
		FROM memberships
		WHERE parish_id = $1
		ORDER BY name
	`

	rows, err := r.db.Pool().Query(ctx, query, parishID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var roster []Membership
	for rows.Next() {
		var m Membership
		err := rows.Scan(
			&m.ID,
			&m.ParishID,
			&m.Name,
			&m.Channel,
			&m.Address,
			&m.BirthMonth,
			&m.BirthDay,
			&m.AnniversaryMonth,
			&m.AnniversaryDay,
			&m.BirthdayOptIn,
			&m.AnniversaryOptIn,
			&m.DigestOptIn,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		roster = append(roster, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return roster, nil
}

// ListSentForDate returns the send logs of a parish's members for one date key
func (r *Repository) ListSentForDate(ctx context.Context, parishID uuid.UUID, dateKey string) ([]SendLog, error) {
	query := `
		SELECT s.id, s.recipient_id, s.kind, s.date_key, s.created_at
		FROM send_logs s
		JOIN memberships m ON m.id = s.recipient_id
		WHERE m.parish_id = $1 AND s.date_key = $2
	`

	rows, err := r.db.Pool().Query(ctx, query, parishID, dateKey)
	if err != nil {
		return nil, fmt.Errorf("query send logs: %w", err)
	}
	defer rows.Close()

	var logs []SendLog
	for rows.Next() {
		var l SendLog
		if err := rows.Scan(&l.ID, &l.RecipientID, &l.Kind, &l.DateKey, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan send log: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return logs, nil
}

// FindSendLog reports whether a send already completed for the tuple
func (r *Repository) FindSendLog(ctx context.Context, recipientID uuid.UUID, kind, dateKey string) (bool, error) {
	query := `
		SELECT id FROM send_logs
		WHERE recipient_id = $1 AND kind = $2 AND date_key = $3
	`

	var id uuid.UUID
	err := r.db.Pool().QueryRow(ctx, query, recipientID, kind, dateKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query send log: %w", err)
	}

	return true, nil
}

// CreateSendLog inserts a send log. A concurrent insert of the same tuple
// returns ErrDuplicateKey.
func (r *Repository) CreateSendLog(ctx context.Context, l *SendLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}

	query := `
		INSERT INTO send_logs (id, recipient_id, kind, date_key)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, l.ID, l.RecipientID, l.Kind, l.DateKey).Scan(&l.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("send log %s/%s/%s: %w", l.RecipientID, l.Kind, l.DateKey, ErrDuplicateKey)
		}
		r.logger.Error("failed to create send log",
			zap.Error(err),
			zap.String("recipient_id", l.RecipientID.String()),
			zap.String("kind", l.Kind),
		)
		return fmt.Errorf("insert send log: %w", err)
	}

	return nil
}

// AppendDeliveryAttempt inserts one audit row
func (r *Repository) AppendDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	attemptCtx := a.Context
	if len(attemptCtx) == 0 {
		attemptCtx = []byte("{}")
	}

	query := `
		INSERT INTO delivery_attempts (
			id, parish_id, recipient_id, channel, status, target,
			kind, date_key, error_code, error_message, context
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		a.ID,
		a.ParishID,
		a.RecipientID,
		a.Channel,
		a.Status,
		a.Target,
		a.Kind,
		a.DateKey,
		a.ErrorCode,
		a.ErrorMessage,
		attemptCtx,
	).Scan(&a.CreatedAt)

	if err != nil {
		r.logger.Error("failed to append delivery attempt",
			zap.Error(err),
			zap.String("attempt_id", a.ID.String()),
		)
		return fmt.Errorf("insert delivery attempt: %w", err)
	}

	return nil
}

// QueryRecentFailures lists failed attempts of a parish, newest first
func (r *Repository) QueryRecentFailures(ctx context.Context, q FailureQuery) ([]DeliveryAttempt, error) {
	query := `
		SELECT
			id, parish_id, recipient_id, channel, status, target,
			kind, date_key, error_code, error_message, context, created_at
		FROM delivery_attempts
		WHERE parish_id = $1
			AND status = $2
			AND created_at >= $3
			AND ($4 = '' OR channel = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query, q.ParishID, StatusFailure, q.Since, q.Channel, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.ParishID,
			&a.RecipientID,
			&a.Channel,
			&a.Status,
			&a.Target,
			&a.Kind,
			&a.DateKey,
			&a.ErrorCode,
			&a.ErrorMessage,
			&a.Context,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return attempts, nil
}
