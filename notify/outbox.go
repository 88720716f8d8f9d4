package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"signflow/db"
	"signflow/metrics"
)

// OutboxPort stores notifications in notification_outbox for the Relay to
// deliver. A successful insert counts as a delivered notification.
type OutboxPort struct {
	q      db.DBTX
	logger *slog.Logger
}

func NewOutboxPort(q db.DBTX, logger *slog.Logger) *OutboxPort {
	return &OutboxPort{q: q, logger: logger.With(slog.String("component", "notify_outbox"))}
}

func (o *OutboxPort) Notify(ctx context.Context, n Notification) bool {
	payload, err := json.Marshal(n)
	if err != nil {
		o.logger.Error("encode notification", slog.String("error", err.Error()))
		return false
	}
	if _, err := o.q.Exec(ctx, `INSERT INTO notification_outbox (payload) VALUES ($1)`, payload); err != nil {
		o.logger.Warn("enqueue notification", slog.String("error", err.Error()))
		return false
	}
	return true
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// RatePerSecond caps transport calls. Zero means unlimited.
	RatePerSecond float64
}

// Relay drains notification_outbox into a transport. Rows are claimed with
// FOR UPDATE SKIP LOCKED so several relays can run side by side; a row that
// keeps failing is parked as dead after MaxAttempts.
type Relay struct {
	pool      db.TxBeginner
	transport Port
	cfg       RelayConfig
	limiter   *rate.Limiter
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(pool db.TxBeginner, transport Port, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Relay{
		pool:      pool,
		transport: transport,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger.With(slog.String("component", "outbox_relay")),
	}
}

// Start polls the outbox until Stop is called or ctx ends.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("outbox relay started", slog.Duration("interval", r.cfg.Interval))
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("outbox relay stopped")
				return
			case <-ticker.C:
				for {
					n, err := r.RelayOnce(ctx)
					if err != nil {
						if ctx.Err() == nil {
							r.logger.Error("relay batch failed", slog.String("error", err.Error()))
						}
						break
					}
					if n < r.cfg.BatchSize {
						break
					}
				}
			}
		}
	}()
}

// Stop cancels the polling goroutine and waits for it to exit.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

type outboxRow struct {
	id       int64
	payload  []byte
	attempts int
}

// RelayOnce claims and delivers one batch, returning how many rows it handled.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, payload, attempts
FROM notification_outbox
WHERE status = 'pending'
ORDER BY created_at, id
FOR UPDATE SKIP LOCKED
LIMIT $1`, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim outbox: %w", err)
	}
	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.payload, &row.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate outbox: %w", err)
	}

	for _, row := range batch {
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		status, lastErr := r.deliver(ctx, row)
		if _, err := tx.Exec(ctx, `
UPDATE notification_outbox
SET status = $2, attempts = attempts + 1, last_attempt = NOW(), last_error = $3
WHERE id = $1`, row.id, status, lastErr); err != nil {
			return 0, fmt.Errorf("notify: settle outbox row %d: %w", row.id, err)
		}
		metrics.OutboxRelayed.WithLabelValues(status).Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit relay tx: %w", err)
	}
	return len(batch), nil
}

func (r *Relay) deliver(ctx context.Context, row outboxRow) (string, *string) {
	var n Notification
	if err := json.Unmarshal(row.payload, &n); err != nil {
		msg := "undecodable payload: " + err.Error()
		return "dead", &msg
	}
	if r.transport.Notify(ctx, n) {
		return "processed", nil
	}
	msg := ErrDeliveryFailed.Error()
	if row.attempts+1 >= r.cfg.MaxAttempts {
		r.logger.Warn("notification parked as dead",
			slog.Int64("outbox_id", row.id),
			slog.String("type", string(n.Type)),
		)
		return "dead", &msg
	}
	return "pending", &msg
}
