package infra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"signflow/db"
)

// Harness owns the Postgres used by the stress suite: a throwaway container
// unless a DSN is supplied, migrated with the service's own migrations.
type Harness struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	dsn       string
}

// NewHarness connects to overrideDSN, STRESS_TEST_PG_DSN or DATABASE_URL in
// that order, and starts a Postgres 16 container when none is set.
func NewHarness(ctx context.Context, overrideDSN string, logger *slog.Logger) (*Harness, error) {
	h := &Harness{dsn: firstNonEmpty(overrideDSN, os.Getenv("STRESS_TEST_PG_DSN"), os.Getenv("DATABASE_URL"))}

	if h.dsn == "" {
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("signflow"),
			postgres.WithUsername("signflow"),
			postgres.WithPassword("signflow"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container = c
		if h.dsn, err = c.ConnectionString(ctx, "sslmode=disable"); err != nil {
			h.Close(ctx)
			return nil, fmt.Errorf("resolve connection string: %w", err)
		}
	}

	if err := db.Migrate(h.dsn, logger); err != nil {
		h.Close(ctx)
		return nil, err
	}

	pool, err := db.NewPool(ctx, h.dsn, db.PoolOptions{
		MaxConns:        64,
		MaxConnIdleTime: 30 * time.Second,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.pool = pool
	return h, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates every workflow table. TRUNCATE bypasses the append-only
// row triggers.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE
    notification_outbox,
    signature_events,
    signature_verification_logs,
    contract_certificates,
    contract_signers,
    contract_instances
CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SeedContract inserts a contract instance ready for signer routing.
func (h *Harness) SeedContract(ctx context.Context, number, title string, senderUserID *string) (string, error) {
	var id string
	err := h.pool.QueryRow(ctx, `
INSERT INTO contract_instances (id, contract_number, title, lifecycle_state, status, sender_user_id)
VALUES (gen_random_uuid(), $1, $2, 'sent', 'sent', $3)
RETURNING id::text`, number, title, senderUserID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed contract %s: %w", number, err)
	}
	return id, nil
}

// DockerAvailable reports whether a usable docker daemon is reachable.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
