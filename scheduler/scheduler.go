// Package scheduler periodically expires lapsed invitations and sends due
// reminders.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"signflow/metrics"
)

// Expirer moves signers with lapsed codes to expired.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Reminder finds contracts that are due and reminds their signers.
type Reminder interface {
	DueContracts(ctx context.Context, cadence time.Duration) ([]string, error)
	SendReminders(ctx context.Context, contractID string) (int, error)
}

// Config controls the cadence of the background jobs.
type Config struct {
	// Interval between runs. Zero disables the scheduler.
	Interval time.Duration
	// ReminderCadence is the minimum gap between two messages to a signer.
	ReminderCadence time.Duration
}

// RunResult summarises one pass.
type RunResult struct {
	Expired   int
	Contracts int
	Reminders int
	Errors    int
	Duration  time.Duration
}

// Scheduler runs the expiry sweep and reminder pass on a ticker.
type Scheduler struct {
	expirer  Expirer
	reminder Reminder
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(expirer Expirer, reminder Reminder, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ReminderCadence <= 0 {
		cfg.ReminderCadence = 48 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expirer:  expirer,
		reminder: reminder,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Enabled reports whether Start launches anything.
func (s *Scheduler) Enabled() bool {
	return s.cfg.Interval > 0
}

// Start launches the background loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("scheduler disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.RunOnce(ctx)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("reminder_cadence", s.cfg.ReminderCadence))
}

// Stop cancels the loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("scheduler stopped")
}

// RunOnce performs one expiry sweep followed by one reminder pass. Concurrent
// calls are serialized.
func (s *Scheduler) RunOnce(ctx context.Context) RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var res RunResult

	expired, err := s.expirer.ExpireDue(ctx)
	metrics.SchedulerRuns.WithLabelValues("expire").Observe(time.Since(start).Seconds())
	if err != nil {
		res.Errors++
		s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
	}
	res.Expired = expired

	remindStart := time.Now()
	due, err := s.reminder.DueContracts(ctx, s.cfg.ReminderCadence)
	if err != nil {
		res.Errors++
		s.logger.Error("listing due contracts failed", slog.String("error", err.Error()))
	}
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		n, err := s.reminder.SendReminders(ctx, id)
		res.Reminders += n
		if err != nil {
			res.Errors++
			s.logger.Error("sending reminders failed",
				slog.String("contract_id", id),
				slog.String("error", err.Error()))
			continue
		}
		res.Contracts++
	}
	metrics.SchedulerRuns.WithLabelValues("remind").Observe(time.Since(remindStart).Seconds())

	res.Duration = time.Since(start)
	if res.Expired > 0 || res.Reminders > 0 || res.Errors > 0 {
		s.logger.Info("scheduler pass finished",
			slog.Int("expired", res.Expired),
			slog.Int("contracts", res.Contracts),
			slog.Int("reminders", res.Reminders),
			slog.Int("errors", res.Errors),
			slog.Duration("duration", res.Duration))
	}
	return res
}
