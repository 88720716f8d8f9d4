package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"signflow/metrics"
)

// Sender delivers notifications on detached goroutines with a bounded number
// of attempts. The caller never waits and never sees a delivery error.
type Sender struct {
	port        Port
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewSender wraps port. maxAttempts below 1 means a single attempt; the wait
// before attempt k is (k-1)*delay.
func NewSender(port Port, maxAttempts int, delay time.Duration, logger *slog.Logger) *Sender {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		port:        port,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      logger.With(slog.String("component", "notify_sender")),
	}
}

// Send schedules delivery. Cancellation of ctx does not abort it.
func (s *Sender) Send(ctx context.Context, n Notification) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Deliver(ctx, n); err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			s.logger.Warn("notification not delivered",
				slog.String("type", string(n.Type)),
				slog.String("related_id", n.RelatedID),
				slog.String("user_id", n.UserID),
				slog.Int("attempts", s.maxAttempts),
				slog.String("error", err.Error()),
			)
			return
		}
		metrics.Notifications.WithLabelValues("delivered").Inc()
	}()
}

// Deliver calls the port until it succeeds or attempts run out.
func (s *Sender) Deliver(ctx context.Context, n Notification) error {
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.Notifications.WithLabelValues("retried").Inc()
		}
		if s.port.Notify(ctx, n) {
			return nil
		}
		return ErrDeliveryFailed
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: s.delay}, uint64(s.maxAttempts-1)),
		ctx,
	)
	return backoff.Retry(op, policy)
}

// Flush waits for in-flight deliveries or until ctx is done.
func (s *Sender) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// LogPort records notifications in the log. It is the port used when no
// delivery transport is configured.
type LogPort struct {
	logger *slog.Logger
}

func NewLogPort(logger *slog.Logger) *LogPort {
	return &LogPort{logger: logger.With(slog.String("component", "notify_log"))}
}

func (p *LogPort) Notify(ctx context.Context, n Notification) bool {
	p.logger.InfoContext(ctx, "notification",
		slog.String("type", string(n.Type)),
		slog.String("user_id", n.UserID),
		slog.String("email", n.Email),
		slog.String("title", n.Title),
		slog.String("related_id", n.RelatedID),
	)
	return true
}
