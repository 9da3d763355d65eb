package recon

import (
	"context"
	"log"
	"time"
)

// SchedulerConfig configures the daily reconciliation run.
type SchedulerConfig struct {
	Reconciler *Reconciler
	// Window is how far back each run looks. Defaults to 24h.
	Window    time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *log.Logger
	Now       func() time.Time
}

// Scheduler runs the reconciler once a day at a fixed wall-clock time.
type Scheduler struct {
	reconciler *Reconciler
	window     time.Duration
	hour       int
	minute     int
	location   *time.Location
	logger     *log.Logger
	now        func() time.Time
}

// NewScheduler constructs a scheduler, clamping the run time into a valid clock reading.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		reconciler: cfg.Reconciler,
		window:     cfg.Window,
		hour:       clamp(cfg.RunHour, 0, 23),
		minute:     clamp(cfg.RunMinute, 0, 59),
		location:   cfg.Location,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if s.window <= 0 {
		s.window = 24 * time.Hour
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run blocks, reconciling the window ending at each scheduled time, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := s.now().In(s.location)
		next := s.NextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		result, err := s.reconciler.Run(ctx, RunOptions{Start: next.Add(-s.window), End: next})
		if err != nil {
			s.logger.Printf("recon: scheduled run failed: %v", err)
			continue
		}
		s.logger.Printf("recon: reconciled %d orders across %d assets, %d anomalies",
			len(result.Rows), len(result.Assets), len(result.Anomalies))
	}
}

// NextRun returns the first scheduled time strictly after the supplied instant.
func (s *Scheduler) NextRun(after time.Time) time.Time {
	after = after.In(s.location)
	target := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.minute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
