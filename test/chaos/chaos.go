package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Monkey terminates a random backend of the test database now and then so the
// workflow has to survive dropped connections mid-transaction.
type Monkey struct {
	pool   *pgxpool.Pool
	every  time.Duration
	odds   int
	rng    *rand.Rand
	killed atomic.Int64
}

// NewMonkey strikes with probability 1/odds on every tick.
func NewMonkey(pool *pgxpool.Pool, every time.Duration, odds int, seed int64) *Monkey {
	if odds < 1 {
		odds = 1
	}
	return &Monkey{pool: pool, every: every, odds: odds, rng: rand.New(rand.NewSource(seed))}
}

// Run blocks until ctx is done or stop is closed.
func (m *Monkey) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.rng.Intn(m.odds) != 0 {
				continue
			}
			tag, err := m.pool.Exec(ctx, `
SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid() AND state <> 'idle'
ORDER BY random() LIMIT 1`)
			if err == nil && tag.RowsAffected() > 0 {
				m.killed.Add(1)
			}
		}
	}
}

// Killed reports how many backends were terminated.
func (m *Monkey) Killed() int64 {
	return m.killed.Load()
}
