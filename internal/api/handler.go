package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/receipts"
	"github.com/lalithlochan/herald/internal/timewindow"
	"github.com/lalithlochan/herald/internal/worker"
)

// maxFailureWindow bounds the since parameter of the failures report
const maxFailureWindow = 90 * 24 * time.Hour

// FailureLister reads the audit trail
type FailureLister interface {
	ListFailures(ctx context.Context, f delivery.FailureFilter) ([]db.DeliveryAttempt, error)
}

// TickRunner runs one scheduler tick
type TickRunner interface {
	RunDailyTick(ctx context.Context, nowUTC time.Time) (worker.Summary, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TickRequest optionally pins the instant a manual tick evaluates.
type TickRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// ReadRequest moves one recipient's read pointer
type ReadRequest struct {
	ConversationID string    `json:"conversation_id"`
	RecipientID    string    `json:"recipient_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ProgressRequest asks for the read badge of one message. When Reads is
// set it is used instead of the tracked pointers of ConversationID.
type ProgressRequest struct {
	ConversationID string      `json:"conversation_id"`
	MessageAt      time.Time   `json:"message_at"`
	RecipientCount int         `json:"recipient_count"`
	Reads          []time.Time `json:"reads,omitempty"`
}

// PreviewResponse describes the next daily send of a zone
type PreviewResponse struct {
	Timezone string `json:"timezone"`
	SendTime string `json:"send_time"`
	Preview  string `json:"preview"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	failures FailureLister
	ticks    TickRunner
	tracker  *receipts.Tracker
	now      func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, failures FailureLister, ticks TickRunner, tracker *receipts.Tracker) *Handler {
	return &Handler{
		logger:   logger,
		failures: failures,
		ticks:    ticks,
		tracker:  tracker,
		now:      time.Now,
	}
}

// ListFailures handles GET /v1/deliveries/failures?parish_id=xxx&since=24h&channel=push
func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	parishIDStr := q.Get("parish_id")
	if parishIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing parish_id", "parish_id query parameter is required")
		return
	}
	parishID, err := uuid.Parse(parishIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid parish_id", "parish_id must be a valid UUID")
		return
	}

	filter := delivery.FailureFilter{ParishID: parishID}

	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := time.ParseDuration(sinceStr)
		if err != nil || since <= 0 || since > maxFailureWindow {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since",
				"since must be a positive duration such as 24h, at most 2160h")
			return
		}
		filter.Since = since
	}

	if ch := q.Get("channel"); ch != "" {
		if ch != db.ChannelEmail && ch != db.ChannelPush && ch != db.ChannelWebhook {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, push, or webhook")
			return
		}
		filter.Channel = ch
	}

	rows, err := h.failures.ListFailures(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list delivery failures",
			zap.Error(err),
			zap.String("parish_id", parishIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list delivery failures", "")
		return
	}
	if rows == nil {
		rows = []db.DeliveryAttempt{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  rows,
		"count": len(rows),
		"limit": delivery.FailurePageSize,
	})
}

// RunTick handles POST /v1/ticks
func (h *Handler) RunTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	now := h.now().UTC()
	if req.Now != nil {
		now = req.Now.UTC()
	}

	summary, err := h.ticks.RunDailyTick(r.Context(), now)
	if err != nil {
		h.logger.Error("manual tick failed", zap.Error(err))
		if errors.Is(err, worker.ErrRosterUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "roster_unavailable", "Roster unavailable", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "tick_error", "Tick failed", "")
		return
	}

	h.logger.Info("manual tick completed",
		zap.Time("now", now),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
	)

	h.writeJSON(w, http.StatusOK, summary)
}

// MarkRead handles POST /v1/receipts/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ConversationID == "" || req.RecipientID == "" || req.ReadAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"conversation_id, recipient_id, and read_at are required")
		return
	}

	advanced := h.tracker.MarkRead(req.ConversationID, req.RecipientID, req.ReadAt)

	h.writeJSON(w, http.StatusOK, map[string]bool{"advanced": advanced})
}

// ReadProgress handles POST /v1/receipts/progress
func (h *Handler) ReadProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.MessageAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message_at", "message_at is required")
		return
	}

	var progress receipts.Progress
	switch {
	case req.Reads != nil:
		reads := append([]time.Time(nil), req.Reads...)
		sort.Slice(reads, func(i, j int) bool { return reads[i].Before(reads[j]) })
		progress = receipts.Compute(req.MessageAt, reads, req.RecipientCount)
	case req.ConversationID != "":
		progress = h.tracker.Progress(req.ConversationID, req.MessageAt, req.RecipientCount)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing conversation_id",
			"conversation_id or reads is required")
		return
	}

	h.writeJSON(w, http.StatusOK, progress)
}

// SchedulePreview handles GET /v1/schedule/preview?timezone=America/Chicago&send_time=09:00
func (h *Handler) SchedulePreview(w http.ResponseWriter, r *http.Request) {
	tz := r.URL.Query().Get("timezone")
	hhmm := r.URL.Query().Get("send_time")

	preview, err := timewindow.NextRunPreview(tz, hhmm, h.now().UTC())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid timezone", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, PreviewResponse{
		Timezone: tz,
		SendTime: timewindow.ParseSendTime(hhmm).String(),
		Preview:  preview,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
