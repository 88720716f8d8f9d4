package notify

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"signflow/db"
)

func TestOutboxRelay_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(dsn, testLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	marker := uuid.NewString()
	outbox := NewOutboxPort(pool, testLogger())
	for _, title := range []string{"deliver", "fail"} {
		if !outbox.Notify(ctx, Notification{Email: "ana@example.com", Type: TypeContractSent, Title: title, RelatedID: marker}) {
			t.Fatalf("enqueue %s failed", title)
		}
	}

	var (
		mu        sync.Mutex
		delivered []string
	)
	transport := PortFunc(func(_ context.Context, n Notification) bool {
		if n.RelatedID != marker {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, n.Title)
		return n.Title != "fail"
	})
	relay := NewRelay(pool, transport, RelayConfig{BatchSize: 100, MaxAttempts: 2}, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := relay.RelayOnce(ctx); err != nil {
			t.Fatalf("relay pass %d: %v", i, err)
		}
	}

	status := map[string]string{}
	rows, err := pool.Query(ctx, `SELECT payload->>'title', status FROM notification_outbox WHERE payload->>'relatedId' = $1`, marker)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	for rows.Next() {
		var title, st string
		if err := rows.Scan(&title, &st); err != nil {
			t.Fatalf("scan: %v", err)
		}
		status[title] = st
	}
	rows.Close()

	if status["deliver"] != "processed" || status["fail"] != "dead" {
		t.Fatalf("unexpected outbox state %v", status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 {
		t.Fatalf("expected 1 delivery and 2 failed attempts, got %v", delivered)
	}
}
