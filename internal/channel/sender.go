// Package channel delivers one composed notification over email, mobile
// push or webhook.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Failure codes carried by SendError
const (
	CodeInvalidAddress = "invalid_address"
	CodeProviderError  = "provider_error"
	CodeHTTPStatus     = "http_status"
	CodeTimeout        = "timeout"
	CodeCanceled       = "canceled"
	CodePanic          = "panic"
	CodeNoSender       = "no_sender"
	CodeCircuitOpen    = "circuit_open"
)

// Message is one notification addressed to one recipient
type Message struct {
	ID          uuid.UUID `json:"id"`
	ParishID    uuid.UUID `json:"parish_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Channel     string    `json:"channel"`
	Address     string    `json:"-"`
	Kind        string    `json:"kind"`
	DateKey     string    `json:"date_key"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
}

// Sender is the unified interface for all notification channels
// Implementations: Email (SES), Push (SNS), Webhooks
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(channel string) bool
}

// SendError is a delivery failure reported by a channel
type SendError struct {
	Code    string
	Message string
	Status  int // HTTP status for CodeHTTPStatus, zero otherwise
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError builds a SendError wrapping err
func NewSendError(code, message string, err error) *SendError {
	return &SendError{Code: code, Message: message, Err: err}
}

// NewStatusError reports a non-2xx response from an HTTP endpoint
func NewStatusError(status int, message string) *SendError {
	return &SendError{Code: CodeHTTPStatus, Message: message, Status: status}
}

// Classify extracts the failure code and message of err. Errors that are not
// a SendError are reported as provider errors.
func Classify(err error) (code, message string) {
	var se *SendError
	if errors.As(err, &se) {
		msg := se.Message
		if se.Err != nil {
			msg = fmt.Sprintf("%s: %v", se.Message, se.Err)
		}
		return se.Code, msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, err.Error()
	}
	return CodeProviderError, err.Error()
}

// MultiSender routes messages to the appropriate channel sender
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the first sender supporting its channel
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("message_id", msg.ID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return NewSendError(CodeNoSender, fmt.Sprintf("no sender found for channel: %s", msg.Channel), nil)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("id", msg.ID.String()),
		zap.String("channel", msg.Channel),
		zap.String("recipient_id", msg.RecipientID.String()),
		zap.String("kind", msg.Kind),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelPush || channel == db.ChannelWebhook
}
