package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Parish is the schedule scope: every membership of a parish shares its
// timezone and daily send time.
type Parish struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Timezone      string    `json:"timezone"`       // IANA name or legacy UTC±N
	SendTime      string    `json:"send_time"`      // HH:MM local
	DigestWeekday *int      `json:"digest_weekday"` // 0=Sunday, nil disables the digest
	CreatedAt     time.Time `json:"created_at"`
}

// Membership is a recipient on a parish roster
type Membership struct {
	ID               uuid.UUID `json:"id"`
	ParishID         uuid.UUID `json:"parish_id"`
	Name             string    `json:"name"`
	Channel          string    `json:"channel"`
	Address          string    `json:"address"` // email, SNS endpoint ARN or webhook URL
	BirthMonth       *int      `json:"birth_month,omitempty"`
	BirthDay         *int      `json:"birth_day,omitempty"`
	AnniversaryMonth *int      `json:"anniversary_month,omitempty"`
	AnniversaryDay   *int      `json:"anniversary_day,omitempty"`
	BirthdayOptIn    bool      `json:"birthday_opt_in"`
	AnniversaryOptIn bool      `json:"anniversary_opt_in"`
	DigestOptIn      bool      `json:"digest_opt_in"`
	CreatedAt        time.Time `json:"created_at"`
}

// SendLog marks a completed send for (recipient, kind, date_key)
type SendLog struct {
	ID          uuid.UUID `json:"id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Kind        string    `json:"kind"`
	DateKey     string    `json:"date_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveryAttempt is one append-only audit row per send attempt
type DeliveryAttempt struct {
	ID           uuid.UUID       `json:"id"`
	ParishID     uuid.UUID       `json:"parish_id"`
	RecipientID  uuid.UUID       `json:"recipient_id"`
	Channel      string          `json:"channel"`
	Status       string          `json:"status"`
	Target       string          `json:"target"`
	Kind         string          `json:"kind"`
	DateKey      string          `json:"date_key"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FailureQuery filters QueryRecentFailures
type FailureQuery struct {
	ParishID uuid.UUID
	Since    time.Time
	Channel  string // empty matches every channel
	Limit    int
}

// Attempt status constants
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelPush    = "push"
	ChannelWebhook = "webhook"
)
