package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
)

type fakeSink struct {
	batches [][]*db.DeliveryAttempt
	err     error
}

func (f *fakeSink) PublishBatch(ctx context.Context, attempts []*db.DeliveryAttempt) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, attempts)
	return len(attempts), nil
}

func TestMaskTarget(t *testing.T) {
	tests := []struct {
		channel string
		target  string
		want    string
	}{
		{db.ChannelEmail, "maria@example.org", "maria@example.org"},
		{db.ChannelPush, "arn:aws:sns:us-east-1:1:endpoint/GCM/app/abcdef123456", "…123456"},
		{db.ChannelWebhook, "https://hooks.example.org/parish/secret-token", "…-token"},
		{db.ChannelPush, "abc", "…"},
		{db.ChannelPush, "", ""},
		{db.ChannelPush, "…123456", "…123456"},
	}

	for _, tt := range tests {
		t.Run(tt.channel+"/"+tt.target, func(t *testing.T) {
			got := MaskTarget(tt.channel, tt.target)
			if got != tt.want {
				t.Errorf("MaskTarget(%q, %q) = %q, want %q", tt.channel, tt.target, got, tt.want)
			}
			if again := MaskTarget(tt.channel, got); again != got {
				t.Errorf("masking is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestAudit_RecordFailure(t *testing.T) {
	store := newMemStore()
	a := NewAudit(store, nil, zap.NewNop())

	err := a.Record(context.Background(), Attempt{
		ParishID:     uuid.New(),
		RecipientID:  uuid.New(),
		Channel:      db.ChannelWebhook,
		Kind:         "weekly_digest",
		DateKey:      "2026-03-15",
		Target:       "https://hooks.example.org/abc123xyz",
		ErrorCode:    "http_status",
		ErrorMessage: "status 502",
		Context:      map[string]any{"status": 502},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := store.attemptList()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Status != db.StatusFailure || row.Target != "…123xyz" {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.ErrorCode == nil || *row.ErrorCode != "http_status" {
		t.Errorf("error code = %v", row.ErrorCode)
	}

	var ctx map[string]any
	if err := json.Unmarshal(row.Context, &ctx); err != nil {
		t.Fatalf("context is not json: %v", err)
	}
	if ctx["status"] != float64(502) {
		t.Errorf("context = %v", ctx)
	}
}

func TestAudit_RecordRedactsTargetInMessage(t *testing.T) {
	store := newMemStore()
	a := NewAudit(store, nil, zap.NewNop())
	target := "http://127.0.0.1:1/hooks/SECRET-TOKEN-abcdef123456"

	err := a.Record(context.Background(), Attempt{
		Channel:      db.ChannelWebhook,
		Kind:         "birthday",
		Target:       target,
		ErrorCode:    "provider_error",
		ErrorMessage: `webhook request failed: Post "` + target + `": dial tcp 127.0.0.1:1: connect: connection refused`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row := store.attemptList()[0]
	if row.ErrorMessage == nil {
		t.Fatal("missing error message")
	}
	if strings.Contains(*row.ErrorMessage, "SECRET-TOKEN") {
		t.Errorf("error message leaks target: %s", *row.ErrorMessage)
	}
	if !strings.Contains(*row.ErrorMessage, `Post "…123456"`) {
		t.Errorf("expected masked target in message, got %s", *row.ErrorMessage)
	}
}

func TestSendIfEligible_WebhookFailureIsMasked(t *testing.T) {
	store := newMemStore()
	target := "http://127.0.0.1:1/hooks/SECRET-TOKEN-abcdef123456"
	sender := &fakeSender{send: func(ctx context.Context, msg *channel.Message) error {
		return channel.NewSendError(channel.CodeProviderError, "webhook request failed",
			fmt.Errorf("Post %q: dial tcp 127.0.0.1:1: connect: connection refused", msg.Address))
	}}
	d := newTestDispatcher(store, sender, time.Second)

	c := testCandidate()
	c.Channel = db.ChannelWebhook
	c.Address = target
	if _, err := d.SendIfEligible(context.Background(), c); !errors.Is(err, ErrChannelSend) {
		t.Fatalf("expected ErrChannelSend, got %v", err)
	}

	rows, err := NewAudit(store, nil, zap.NewNop()).ListFailures(context.Background(), FailureFilter{ParishID: c.ParishID})
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(rows))
	}
	if rows[0].Target != "…123456" {
		t.Errorf("target = %q", rows[0].Target)
	}
	if rows[0].ErrorMessage == nil || strings.Contains(*rows[0].ErrorMessage, "SECRET-TOKEN") {
		t.Errorf("error message leaks target: %v", rows[0].ErrorMessage)
	}
}

func TestAudit_RecordStoreError(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("connection refused")
	a := NewAudit(store, nil, zap.NewNop())

	err := a.Record(context.Background(), Attempt{Channel: db.ChannelEmail, Success: true})
	if !errors.Is(err, ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore, got %v", err)
	}
}

func TestAudit_ListFailures(t *testing.T) {
	store := newMemStore()
	a := NewAudit(store, nil, zap.NewNop())
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	parish := uuid.New()
	code := "provider_error"
	for i := 0; i < 130; i++ {
		store.attempts = append(store.attempts, db.DeliveryAttempt{
			ID:        uuid.New(),
			ParishID:  parish,
			Channel:   db.ChannelPush,
			Status:    db.StatusFailure,
			Target:    "arn:aws:sns:endpoint/abcdef",
			ErrorCode: &code,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	// outside the window, another parish, a success, another channel
	store.attempts = append(store.attempts,
		db.DeliveryAttempt{ParishID: parish, Channel: db.ChannelPush, Status: db.StatusFailure, CreatedAt: now.Add(-48 * time.Hour)},
		db.DeliveryAttempt{ParishID: uuid.New(), Channel: db.ChannelPush, Status: db.StatusFailure, CreatedAt: now},
		db.DeliveryAttempt{ParishID: parish, Channel: db.ChannelPush, Status: db.StatusSuccess, CreatedAt: now},
		db.DeliveryAttempt{ParishID: parish, Channel: db.ChannelEmail, Status: db.StatusFailure, CreatedAt: now},
	)

	rows, err := a.ListFailures(context.Background(), FailureFilter{ParishID: parish, Channel: db.ChannelPush})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != FailurePageSize {
		t.Fatalf("expected %d rows, got %d", FailurePageSize, len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].CreatedAt.After(rows[i-1].CreatedAt) {
			t.Fatalf("rows not newest first at %d", i)
		}
	}
	if rows[0].Target != "…abcdef" {
		t.Errorf("target not masked: %q", rows[0].Target)
	}
	if !store.lastQuery.Since.Equal(now.Add(-DefaultFailureWindow)) {
		t.Errorf("since = %v", store.lastQuery.Since)
	}

	all, err := a.ListFailures(context.Background(), FailureFilter{ParishID: parish, Since: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 61 push failures within the hour plus the email one
	if len(all) != 62 {
		t.Errorf("expected 62 rows in the last hour, got %d", len(all))
	}
}

func TestAudit_Flush(t *testing.T) {
	store := newMemStore()
	sink := &fakeSink{}
	a := NewAudit(store, sink, zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := a.Record(context.Background(), Attempt{Channel: db.ChannelEmail, Success: true}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	n, err := a.Flush(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("flush = %d, %v", n, err)
	}
	if n, _ := a.Flush(context.Background()); n != 0 {
		t.Errorf("second flush published %d events", n)
	}
	if len(sink.batches) != 1 {
		t.Errorf("expected 1 batch, got %d", len(sink.batches))
	}
}

func TestAudit_FlushError(t *testing.T) {
	store := newMemStore()
	sink := &fakeSink{err: errors.New("queue missing")}
	a := NewAudit(store, sink, zap.NewNop())

	if err := a.Record(context.Background(), Attempt{Channel: db.ChannelEmail, Success: true}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if len(store.attemptList()) != 1 {
		t.Error("sink failure must not touch stored attempts")
	}
}

func TestAudit_FlushWithoutSink(t *testing.T) {
	a := NewAudit(newMemStore(), nil, zap.NewNop())
	if n, err := a.Flush(context.Background()); n != 0 || err != nil {
		t.Errorf("flush = %d, %v", n, err)
	}
}
