package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type flakyPort struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []Notification
}

func (p *flakyPort) Notify(ctx context.Context, n Notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return false
	}
	p.got = append(p.got, n)
	return true
}

func TestSenderRetriesUntilSuccess(t *testing.T) {
	port := &flakyPort{failures: 2}
	s := NewSender(port, 3, time.Millisecond, nil)

	s.Send(context.Background(), Notification{Type: TypeContractSent, RelatedID: "c1"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if port.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", port.calls)
	}
	if len(port.got) != 1 || port.got[0].RelatedID != "c1" {
		t.Fatalf("expected delivered notification, got %+v", port.got)
	}
}

func TestSenderGivesUpAfterMaxAttempts(t *testing.T) {
	port := &flakyPort{failures: 10}
	s := NewSender(port, 2, time.Millisecond, nil)

	if err := s.Deliver(context.Background(), Notification{Type: TypeContractSigned}); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if port.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", port.calls)
	}
}

func TestSenderDetachesFromCallerContext(t *testing.T) {
	var delivered atomic.Bool
	port := PortFunc(func(ctx context.Context, n Notification) bool {
		if ctx.Err() != nil {
			return false
		}
		delivered.Store(true)
		return true
	})
	s := NewSender(port, 1, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Send(ctx, Notification{Type: TypeContractSent})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !delivered.Load() {
		t.Fatal("expected delivery despite cancelled request context")
	}
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 10 * time.Millisecond}
	for i, want := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		if got := b.NextBackOff(); got != want {
			t.Fatalf("step %d: got %v, want %v", i, got, want)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 10*time.Millisecond {
		t.Fatalf("expected reset, got %v", got)
	}
}

func TestSigningURL(t *testing.T) {
	got := SigningURL("https://hr.example.com/", "c-1", "s-1", "ABCD2345EFGH6789")
	want := "https://hr.example.com/sign/c-1/s-1?code=ABCD2345EFGH6789"
	if got != want {
		t.Fatalf("SigningURL = %q, want %q", got, want)
	}
}

func TestWebhookSignsAndReportsStatus(t *testing.T) {
	var (
		mu       sync.Mutex
		gotSig   string
		gotEvent string
		status   = http.StatusAccepted
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get("X-Signflow-Event")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "shh", time.Second, testLogger())
	if !hook.Notify(context.Background(), Notification{Type: TypeContractDeclined}) {
		t.Fatal("expected 202 to count as delivered")
	}
	mu.Lock()
	if !strings.HasPrefix(gotSig, "sha256=") || gotEvent != string(TypeContractDeclined) {
		t.Fatalf("unexpected headers sig=%q event=%q", gotSig, gotEvent)
	}
	status = http.StatusBadGateway
	mu.Unlock()

	if hook.Notify(context.Background(), Notification{Type: TypeContractSent}) {
		t.Fatal("expected 502 to count as failure")
	}
}
