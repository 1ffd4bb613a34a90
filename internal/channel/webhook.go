package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// WebhookSender posts notifications to a parish integration URL
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	DefaultTimeout time.Duration // Timeout for webhook requests
}

type webhookBody struct {
	ID          string `json:"id"`
	ParishID    string `json:"parish_id"`
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	DateKey     string `json:"date_key"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send posts the message as JSON to the recipient's URL
func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelWebhook {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", msg.Channel)
	}

	u, err := url.Parse(msg.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewSendError(CodeInvalidAddress, "webhook address is not an http(s) url", nil)
	}

	payload, err := json.Marshal(webhookBody{
		ID:          msg.ID.String(),
		ParishID:    msg.ParishID.String(),
		RecipientID: msg.RecipientID.String(),
		Kind:        msg.Kind,
		DateKey:     msg.DateKey,
		Subject:     msg.Subject,
		Body:        msg.Body,
	})
	if err != nil {
		return NewSendError(CodeProviderError, "encode webhook body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Address, bytes.NewReader(payload))
	if err != nil {
		return NewSendError(CodeInvalidAddress, "failed to create webhook request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0.0")
	req.Header.Set("X-Herald-Delivery-ID", msg.ID.String())
	req.Header.Set("X-Herald-Kind", msg.Kind)

	resp, err := s.client.Do(req)
	if err != nil {
		// *url.Error quotes the full address
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return NewSendError(CodeTimeout, "webhook request timed out", err)
		}
		return NewSendError(CodeProviderError, "webhook request failed", err)
	}
	defer resp.Body.Close()

	// Read response body for logging/debugging
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewStatusError(resp.StatusCode,
			fmt.Sprintf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes)))
	}

	s.logger.Info("webhook delivered successfully",
		zap.String("id", msg.ID.String()),
		zap.String("host", u.Host),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// SupportsChannel checks if this sender supports webhooks
func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}
