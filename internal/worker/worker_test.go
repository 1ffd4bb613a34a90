package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/candidates"
	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
)

type fakeRoster struct {
	parishes    []db.Parish
	members     map[uuid.UUID][]db.Membership
	sent        map[uuid.UUID][]db.SendLog
	parishesErr error
	membersErr  error
}

func (f *fakeRoster) ListParishes(ctx context.Context) ([]db.Parish, error) {
	return f.parishes, f.parishesErr
}

func (f *fakeRoster) ListMemberships(ctx context.Context, parishID uuid.UUID) ([]db.Membership, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members[parishID], nil
}

func (f *fakeRoster) ListSentForDate(ctx context.Context, parishID uuid.UUID, dateKey string) ([]db.SendLog, error) {
	return f.sent[parishID], nil
}

// sendLogStore is a unique-indexed send log plus an attempt list.
type sendLogStore struct {
	mu       sync.Mutex
	logs     map[string]bool
	attempts []db.DeliveryAttempt
}

func newSendLogStore() *sendLogStore {
	return &sendLogStore{logs: make(map[string]bool)}
}

func (s *sendLogStore) FindSendLog(ctx context.Context, recipientID uuid.UUID, kind, dateKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[fmt.Sprintf("%s|%s|%s", recipientID, kind, dateKey)], nil
}

func (s *sendLogStore) CreateSendLog(ctx context.Context, l *db.SendLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s|%s|%s", l.RecipientID, l.Kind, l.DateKey)
	if s.logs[k] {
		return db.ErrDuplicateKey
	}
	s.logs[k] = true
	return nil
}

func (s *sendLogStore) AppendDeliveryAttempt(ctx context.Context, a *db.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *sendLogStore) QueryRecentFailures(ctx context.Context, q db.FailureQuery) ([]db.DeliveryAttempt, error) {
	return nil, nil
}

func (s *sendLogStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

type recordingSender struct {
	mu    sync.Mutex
	calls []*channel.Message
	fail  map[string]func() error
}

func (r *recordingSender) Send(ctx context.Context, msg *channel.Message) error {
	r.mu.Lock()
	r.calls = append(r.calls, msg)
	f := r.fail[msg.Address]
	r.mu.Unlock()
	if f != nil {
		return f()
	}
	return nil
}

func (r *recordingSender) SupportsChannel(string) bool { return true }

func (r *recordingSender) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func intPtr(v int) *int { return &v }

func member(parishID uuid.UUID, name, address string, month, day int) db.Membership {
	return db.Membership{
		ID:            uuid.New(),
		ParishID:      parishID,
		Name:          name,
		Channel:       db.ChannelEmail,
		Address:       address,
		BirthMonth:    intPtr(month),
		BirthDay:      intPtr(day),
		BirthdayOptIn: true,
	}
}

type harness struct {
	roster *fakeRoster
	store  *sendLogStore
	sender *recordingSender
	worker *Worker
}

func newHarness(parishes ...db.Parish) *harness {
	h := &harness{
		roster: &fakeRoster{
			parishes: parishes,
			members:  make(map[uuid.UUID][]db.Membership),
			sent:     make(map[uuid.UUID][]db.SendLog),
		},
		store:  newSendLogStore(),
		sender: &recordingSender{fail: make(map[string]func() error)},
	}
	audit := delivery.NewAudit(h.store, nil, zap.NewNop())
	d := delivery.NewDispatcher(h.store, h.sender, audit, zap.NewNop(), delivery.Config{SendTimeout: time.Second})
	h.worker = New(h.roster, d, audit, Config{Workers: 3, Tick: time.Hour}, zap.NewNop())
	return h
}

// 14:00Z is 09:00 in Chicago after the March 2026 DST change.
var chicagoNine = time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)

func TestRunDailyTick_RosterUnavailable(t *testing.T) {
	h := newHarness()
	h.roster.parishesErr = errors.New("connection refused")

	_, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if !errors.Is(err, ErrRosterUnavailable) {
		t.Fatalf("expected ErrRosterUnavailable, got %v", err)
	}
}

func TestRunDailyTick_SendsDueCandidates(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Name: "St. Anne", Timezone: "America/Chicago", SendTime: "09:00"}
	h := newHarness(p)

	due := member(p.ID, "Maria Lopez", "maria@example.org", 3, 14)
	noAddress := member(p.ID, "Jose Ruiz", "", 3, 14)
	notToday := member(p.ID, "Ana Diaz", "ana@example.org", 3, 15)
	alreadySent := member(p.ID, "Luis Vega", "luis@example.org", 3, 14)
	h.roster.members[p.ID] = []db.Membership{due, noAddress, notToday, alreadySent}
	h.roster.sent[p.ID] = []db.SendLog{{RecipientID: alreadySent.ID, Kind: "birthday", DateKey: "2026-03-14"}}

	sum, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Summary{ScopesEvaluated: 1, ScopesMatched: 1, CandidatesEvaluated: 4, AlreadySent: 1, Sent: 1}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
	if h.sender.callCount() != 1 || h.sender.calls[0].RecipientID != due.ID {
		t.Fatalf("expected a single send to Maria, got %d calls", h.sender.callCount())
	}
	if !strings.Contains(h.sender.calls[0].Subject, "Maria") {
		t.Errorf("subject = %q", h.sender.calls[0].Subject)
	}
}

func TestRunDailyTick_OutsideSendTime(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "America/Chicago", SendTime: "09:00"}
	h := newHarness(p)
	h.roster.members[p.ID] = []db.Membership{member(p.ID, "Maria", "maria@example.org", 3, 14)}

	sum, err := h.worker.RunDailyTick(context.Background(), chicagoNine.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.ScopesEvaluated != 1 || sum.ScopesMatched != 0 || h.sender.callCount() != 0 {
		t.Errorf("expected no dispatch, got %+v with %d sends", sum, h.sender.callCount())
	}
}

func TestRunDailyTick_RepeatedTickSkips(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "America/Chicago", SendTime: "09:00"}
	h := newHarness(p)
	h.roster.members[p.ID] = []db.Membership{
		member(p.ID, "Maria", "maria@example.org", 3, 14),
		member(p.ID, "Pedro", "pedro@example.org", 3, 14),
	}

	first, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if err != nil || first.Sent != 2 {
		t.Fatalf("first tick = %+v, %v", first, err)
	}

	// Same hour again; the roster still reports nothing sent, so the
	// dispatcher's own lookup has to catch it.
	second, err := h.worker.RunDailyTick(context.Background(), chicagoNine.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Sent != 0 || second.Skipped != 2 {
		t.Errorf("second tick = %+v", second)
	}
	if h.sender.callCount() != 2 || h.store.count() != 2 {
		t.Errorf("sends=%d logs=%d, want 2 and 2", h.sender.callCount(), h.store.count())
	}
}

func TestRunDailyTick_OverlappingTicksLogOnce(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "UTC", SendTime: "14:00"}
	h := newHarness(p)
	for i := 0; i < 10; i++ {
		h.roster.members[p.ID] = append(h.roster.members[p.ID],
			member(p.ID, fmt.Sprintf("Member %d", i), fmt.Sprintf("m%d@example.org", i), 3, 14))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.worker.RunDailyTick(context.Background(), chicagoNine); err != nil {
				t.Errorf("tick: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.store.count() != 10 {
		t.Errorf("expected 10 send logs, got %d", h.store.count())
	}
}

func TestRunDailyTick_FailureIsolation(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "UTC", SendTime: "14:00"}
	h := newHarness(p)
	h.roster.members[p.ID] = []db.Membership{
		member(p.ID, "Ok One", "ok1@example.org", 3, 14),
		member(p.ID, "Broken", "broken@example.org", 3, 14),
		member(p.ID, "Panics", "panics@example.org", 3, 14),
		member(p.ID, "Ok Two", "ok2@example.org", 3, 14),
	}
	h.sender.fail["broken@example.org"] = func() error {
		return channel.NewSendError(channel.CodeProviderError, "mailbox unavailable", nil)
	}
	h.sender.fail["panics@example.org"] = func() error { panic("nil client") }

	sum, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Sent != 2 || sum.Failed != 2 {
		t.Errorf("summary = %+v, want 2 sent and 2 failed", sum)
	}
	if h.store.count() != 2 {
		t.Errorf("expected 2 send logs, got %d", h.store.count())
	}
	if len(h.store.attempts) != 4 {
		t.Errorf("expected 4 audited attempts, got %d", len(h.store.attempts))
	}
}

func TestRunDailyTick_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "Mars/Olympus", SendTime: "14:00"}
	h := newHarness(p)
	h.roster.members[p.ID] = []db.Membership{member(p.ID, "Maria", "maria@example.org", 3, 14)}

	sum, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.ScopesMatched != 1 || sum.Sent != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRunDailyTick_LegacyOffsetAndDefaultSendTime(t *testing.T) {
	// 14:00Z is 09:00 at UTC-5; no send time configured
	p := db.Parish{ID: uuid.New(), Timezone: "UTC-5"}
	h := newHarness(p)
	h.roster.members[p.ID] = []db.Membership{member(p.ID, "Maria", "maria@example.org", 3, 14)}

	sum, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Sent != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRunDailyTick_MembershipErrorSkipsParish(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "UTC", SendTime: "14:00"}
	h := newHarness(p)
	h.roster.membersErr = errors.New("timeout")

	sum, err := h.worker.RunDailyTick(context.Background(), chicagoNine)
	if err != nil {
		t.Fatalf("parish errors must not fail the tick: %v", err)
	}
	if sum.ScopesMatched != 1 || sum.ScopesFailed != 1 || sum.CandidatesEvaluated != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRunDailyTick_PacedCandidatesAreCounted(t *testing.T) {
	p := db.Parish{ID: uuid.New(), Timezone: "UTC", SendTime: "14:00"}
	h := newHarness(p)
	for i := 0; i < 5; i++ {
		h.roster.members[p.ID] = append(h.roster.members[p.ID],
			member(p.ID, fmt.Sprintf("Member %d", i), fmt.Sprintf("m%d@example.org", i), 3, 14))
	}

	audit := delivery.NewAudit(h.store, nil, zap.NewNop())
	d := delivery.NewDispatcher(h.store, h.sender, audit, zap.NewNop(), delivery.Config{SendTimeout: time.Second})
	w := New(h.roster, d, audit, Config{Workers: 5, Tick: time.Hour, SendRatePerSec: 1}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sum, err := w.RunDailyTick(ctx, chicagoNine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.CandidatesEvaluated != 5 {
		t.Fatalf("candidates = %d, want 5", sum.CandidatesEvaluated)
	}
	if got := sum.Sent + sum.Failed + sum.Skipped; got != 5 {
		t.Errorf("every candidate must be counted, got %d of 5: %+v", got, sum)
	}
	if sum.Failed < 4 {
		t.Errorf("expected paced candidates past the deadline to fail, got %+v", sum)
	}
}

func TestRunDailyTick_SpringForwardSendTime(t *testing.T) {
	// 02:30 does not exist in New York on 2025-03-09
	p := db.Parish{ID: uuid.New(), Timezone: "America/New_York", SendTime: "02:30"}
	h := newHarness(p)
	h.roster.members[p.ID] = []db.Membership{member(p.ID, "Maria", "maria@example.org", 3, 9)}

	start := time.Date(2025, 3, 9, 5, 0, 0, 0, time.UTC) // local midnight
	for i := 0; i < 24; i++ {
		if _, err := h.worker.RunDailyTick(context.Background(), start.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if h.sender.callCount() != 1 {
		t.Fatalf("expected one send on the spring-forward day, got %d", h.sender.callCount())
	}
	if h.sender.calls[0].DateKey != "2025-03-09" {
		t.Errorf("date key = %s", h.sender.calls[0].DateKey)
	}
}

type countingFlusher struct{ n atomic.Int32 }

func (c *countingFlusher) Flush(ctx context.Context) (int, error) {
	c.n.Add(1)
	return 0, errors.New("queue missing")
}

func TestRunDailyTick_FlushesAudit(t *testing.T) {
	f := &countingFlusher{}
	w := New(&fakeRoster{}, nil, f, Config{}, zap.NewNop())

	if _, err := w.RunDailyTick(context.Background(), chicagoNine); err != nil {
		t.Fatalf("flush errors must not fail the tick: %v", err)
	}
	if f.n.Load() != 1 {
		t.Errorf("expected 1 flush, got %d", f.n.Load())
	}
}

func TestComposeMessage(t *testing.T) {
	p := db.Parish{Name: "St. Anne"}
	m := db.Membership{Name: "Maria Lopez"}
	date := candidates.Date{Year: 2026, Month: time.March, Day: 15, Weekday: time.Sunday, Key: "2026-03-15"}

	tests := []struct {
		kind    candidates.Kind
		subject string
		body    string
	}{
		{candidates.KindBirthday, "Happy birthday, Maria!", "blessed birthday"},
		{candidates.KindAnniversary, "Happy anniversary, Maria!", "celebrates your anniversary"},
		{candidates.KindWeeklyDigest, "St. Anne: this week at the parish", "week of March 15"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			subject, body := composeMessage(p, m, tt.kind, date)
			if subject != tt.subject {
				t.Errorf("subject = %q, want %q", subject, tt.subject)
			}
			if !strings.Contains(body, tt.body) || !strings.Contains(body, "St. Anne") {
				t.Errorf("body = %q", body)
			}
		})
	}

	subject, _ := composeMessage(db.Parish{}, db.Membership{}, candidates.KindBirthday, date)
	if subject != "Happy birthday, friend!" {
		t.Errorf("subject without names = %q", subject)
	}
}

func TestNewScheduler(t *testing.T) {
	w := New(&fakeRoster{}, nil, &countingFlusher{}, Config{}, zap.NewNop())

	if _, err := NewScheduler(w, "@hourly", time.Minute, zap.NewNop()); err != nil {
		t.Errorf("@hourly: %v", err)
	}
	if _, err := NewScheduler(w, "*/15 * * * *", time.Minute, zap.NewNop()); err != nil {
		t.Errorf("cron expression: %v", err)
	}
	if _, err := NewScheduler(w, "every hour", time.Minute, zap.NewNop()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestTickGranularity(t *testing.T) {
	tests := []struct {
		schedule string
		want     time.Duration
		wantErr  bool
	}{
		{schedule: "@hourly", want: time.Hour},
		{schedule: "0 * * * *", want: time.Hour},
		{schedule: "*/15 * * * *", want: time.Hour},
		{schedule: "* * * * *", want: time.Minute},
		{schedule: "@every 1m", want: time.Minute},
		{schedule: "@daily", wantErr: true},
		{schedule: "0 9-17 * * *", wantErr: true},
		{schedule: "0 * * * 1-5", wantErr: true},
		{schedule: "every hour", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			got, err := TickGranularity(tt.schedule)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("TickGranularity(%q) = %s, want %s", tt.schedule, got, tt.want)
			}
		})
	}
}

func TestNewScheduler_RejectsDailySchedule(t *testing.T) {
	w := New(&fakeRoster{}, nil, &countingFlusher{}, Config{}, zap.NewNop())

	if _, err := NewScheduler(w, "@daily", time.Minute, zap.NewNop()); err == nil {
		t.Error("a daily trigger skips most send hours and should be rejected")
	}
}

func TestScheduler_SkipsOverlappingTrigger(t *testing.T) {
	f := &countingFlusher{}
	w := New(&fakeRoster{}, nil, f, Config{}, zap.NewNop())
	s, err := NewScheduler(w, "@hourly", time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.running.Store(true)
	s.fire()
	if f.n.Load() != 0 {
		t.Fatal("trigger should be dropped while a tick runs")
	}

	s.running.Store(false)
	s.fire()
	if f.n.Load() != 1 {
		t.Errorf("expected one tick, got %d", f.n.Load())
	}
}
