package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers RunDailyTick on a cron schedule evaluated in UTC.
// A trigger that fires while the previous tick is still running is dropped.
type Scheduler struct {
	worker  *Worker
	c       *cron.Cron
	timeout time.Duration
	running atomic.Bool
	logger  *zap.Logger
	now     func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TickGranularity returns the Config.Tick matching schedule: time.Minute when
// it fires every minute, time.Hour when it fires at least once an hour.
// Schedules with a gap longer than an hour would skip send times and are
// rejected.
func TickGranularity(schedule string) (time.Duration, error) {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid tick schedule %q: %w", schedule, err)
	}

	// a week covers every day-of-week field
	start := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 8)

	var maxGap time.Duration
	prev := sched.Next(start)
	if prev.IsZero() {
		return 0, fmt.Errorf("tick schedule %q never fires", schedule)
	}
	for prev.Before(end) {
		next := sched.Next(prev)
		if next.IsZero() {
			return 0, fmt.Errorf("tick schedule %q never fires", schedule)
		}
		if gap := next.Sub(prev); gap > maxGap {
			maxGap = gap
		}
		prev = next
	}

	switch {
	case maxGap <= time.Minute:
		return time.Minute, nil
	case maxGap <= time.Hour:
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("tick schedule %q leaves a gap of %s, it must fire at least hourly", schedule, maxGap)
	}
}

// NewScheduler parses schedule ("@hourly", "0 * * * *", ...) and registers the tick.
func NewScheduler(w *Worker, schedule string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if _, err := TickGranularity(schedule); err != nil {
		return nil, err
	}

	s := &Scheduler{
		worker:  w,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}

	if _, err := s.c.AddFunc(schedule, s.fire); err != nil {
		return nil, fmt.Errorf("invalid tick schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.c.Start()
	s.logger.Info("tick scheduler started")
}

// Stop waits for a running tick to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("tick still running at shutdown")
	}
}

func (s *Scheduler) fire() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping trigger")
		return
	}
	defer s.running.Store(false)

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if _, err := s.worker.RunDailyTick(ctx, s.now().UTC()); err != nil {
		s.logger.Error("tick failed", zap.Error(err))
	}
}
