package invitation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"signflow/access"
	"signflow/contract"
	"signflow/memstore"
	"signflow/notify"
	"signflow/ordering"
	"signflow/signer"
)

var baseTime = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Send(ctx context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.got...)
}

type fixture struct {
	mem   *memstore.Memory
	rec   *recorder
	d     *Dispatcher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: memstore.New(), rec: &recorder{}, clock: baseTime}
	f.mem.AddContract(contract.Instance{ID: "contract-1", ContractNumber: "C-001", Title: "Employment agreement"})

	now := func() time.Time { return f.clock }
	n := 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := signer.NewRegistry(f.mem, f.mem.Signers(), f.mem.Contracts(), logger).
		WithClock(now).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("signer-%d", n)
		})
	cache := contract.NewCache(f.mem, f.mem.Contracts(), 16, time.Minute)
	f.d = NewDispatcher(f.mem, f.mem.Signers(), f.mem.Contracts(), cache, registry, f.rec,
		Config{BaseURL: "https://hr.example.com"}, logger).WithClock(now)
	return f
}

func threeSigners() []signer.NewSigner {
	uid := "user-ana"
	return []signer.NewSigner{
		{Type: signer.TypeEmployee, Order: 1, Email: "ana@example.com", FullName: "Ana Lopez", UserID: &uid},
		{Type: signer.TypeManager, Order: 2, Email: "ben@example.com", FullName: "Ben Ito"},
		{Type: signer.TypeHRManager, Order: 3, Email: "cy@example.com", FullName: "Cy Park"},
	}
}

func assertCredential(t *testing.T, s signer.Signer) {
	t.Helper()
	if s.AccessCode == nil || !access.ValidCode(*s.AccessCode) {
		t.Fatalf("signer %s has malformed code %v", s.ID, s.AccessCode)
	}
	if s.SentAt == nil || s.AccessCodeExpires == nil || !s.AccessCodeExpires.Equal(s.SentAt.Add(7*24*time.Hour)) {
		t.Fatalf("signer %s: expiry %v is not sentAt %v + 7d", s.ID, s.AccessCodeExpires, s.SentAt)
	}
}

func TestCreateSignersParallelInvitesEverybody(t *testing.T) {
	f := newFixture(t)

	created, err := f.d.CreateSigners(context.Background(), "contract-1", threeSigners(), false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, s := range created {
		if s.Status != signer.StatusSent {
			t.Fatalf("order %d: expected sent, got %s", s.Order, s.Status)
		}
		assertCredential(t, f.mem.Signer(s.ID))
	}

	got := f.rec.sent()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	first := got[0]
	if first.Type != notify.TypeContractSent || first.UserID != "user-ana" || first.RelatedID != "contract-1" {
		t.Fatalf("unexpected notification %+v", first)
	}
	wantURL := "https://hr.example.com/sign/contract-1/signer-1?code=" + *f.mem.Signer("signer-1").AccessCode
	if first.ActionURL != wantURL {
		t.Fatalf("action URL %q, want %q", first.ActionURL, wantURL)
	}
	if state := f.mem.Contract("contract-1").LifecycleState; state != contract.LifecycleInSigning {
		t.Fatalf("expected contract in_signing, got %s", state)
	}
}

func TestCreateSignersSequentialInvitesOnlyFirst(t *testing.T) {
	f := newFixture(t)

	created, err := f.d.CreateSigners(context.Background(), "contract-1", threeSigners(), true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := []signer.Status{signer.StatusSent, signer.StatusAwaitingTurn, signer.StatusAwaitingTurn}
	for i, s := range created {
		if s.Status != want[i] {
			t.Fatalf("order %d: expected %s, got %s", s.Order, want[i], s.Status)
		}
	}
	if n := len(f.rec.sent()); n != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}
}

func TestCreateSignersFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.mem.FailOn("MarkSent", errors.New("disk full"))

	if _, err := f.d.CreateSigners(context.Background(), "contract-1", threeSigners(), false); err == nil {
		t.Fatal("expected error")
	}
	if n := len(f.rec.sent()); n != 0 {
		t.Fatalf("expected no notifications after rollback, got %d", n)
	}
	if list, _ := f.mem.Signers().ListByContract(context.Background(), f.mem, "contract-1"); len(list) != 0 {
		t.Fatalf("expected signer rows rolled back, found %d", len(list))
	}
}

func TestSendInvitationOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), true); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := f.d.SendInvitation(ctx, "signer-3")
	var ooe *ordering.OutOfOrderError
	if !errors.As(err, &ooe) || ooe.WaitingFor != "Ana Lopez" {
		t.Fatalf("expected OutOfOrderError waiting for Ana Lopez, got %v", err)
	}
	if got := f.mem.Signer("signer-3").Status; got != signer.StatusAwaitingTurn {
		t.Fatalf("expected signer 3 untouched, got %s", got)
	}
}

func TestSendInvitationTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := len(f.rec.sent())

	signed := created[0]
	signed.Status = signer.StatusSigned
	f.mem.PutSigner(signed)
	got, err := f.d.SendInvitation(ctx, signed.ID)
	if err != nil || got.Status != signer.StatusSigned {
		t.Fatalf("expected no-op for signed signer, got %v %v", got.Status, err)
	}

	declined := created[1]
	declined.Status = signer.StatusDeclined
	f.mem.PutSigner(declined)
	if _, err := f.d.SendInvitation(ctx, declined.ID); err != nil {
		t.Fatalf("expected no-op for declined signer, got %v", err)
	}

	if after := len(f.rec.sent()); after != before {
		t.Fatalf("terminal signers must not be notified, got %d new", after-before)
	}

	expired := created[2]
	expired.Status = signer.StatusExpired
	f.mem.PutSigner(expired)
	if _, err := f.d.SendInvitation(ctx, expired.ID); !errors.Is(err, signer.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for expired signer, got %v", err)
	}

	if _, err := f.d.SendInvitation(ctx, "missing"); !errors.Is(err, signer.ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}
}

func TestResendKeepsStateAndReissuesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), false); err != nil {
		t.Fatalf("create: %v", err)
	}
	oldCode := *f.mem.Signer("signer-1").AccessCode
	if _, err := f.d.registry.MarkViewed(ctx, "signer-1", oldCode); err != nil {
		t.Fatalf("view: %v", err)
	}

	f.clock = baseTime.Add(24 * time.Hour)
	got, err := f.d.SendInvitation(ctx, "signer-1")
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if got.Status != signer.StatusViewed {
		t.Fatalf("expected resend to keep viewed, got %s", got.Status)
	}
	if *got.AccessCode == oldCode {
		t.Fatalf("expected a fresh access code")
	}
	assertCredential(t, got)
	if !got.SentAt.Equal(f.clock) {
		t.Fatalf("expected sentAt to move to resend time")
	}
}

func TestInviteClosedContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), true); err != nil {
		t.Fatalf("create: %v", err)
	}
	c := f.mem.Contract("contract-1")
	c.LifecycleState = contract.LifecycleCancelled
	f.mem.AddContract(c)

	if _, err := f.d.SendInvitation(ctx, "signer-1"); !errors.Is(err, contract.ErrContractClosed) {
		t.Fatalf("expected ErrContractClosed, got %v", err)
	}
}

func TestSendRemindersCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), false); err != nil {
		t.Fatalf("create: %v", err)
	}
	notified := len(f.rec.sent())

	for call, want := range []int{3, 3, 3, 0, 0} {
		n, err := f.d.SendReminders(ctx, "contract-1")
		if err != nil {
			t.Fatalf("call %d: %v", call, err)
		}
		if n != want {
			t.Fatalf("call %d: expected %d reminders, got %d", call, want, n)
		}
	}
	for _, id := range []string{"signer-1", "signer-2", "signer-3"} {
		s := f.mem.Signer(id)
		if s.ReminderCount != signer.MaxReminders || s.LastReminderSent == nil {
			t.Fatalf("%s: expected %d reminders recorded, got %d", id, signer.MaxReminders, s.ReminderCount)
		}
	}

	reminders := f.rec.sent()[notified:]
	if len(reminders) != 9 {
		t.Fatalf("expected 9 reminder notifications, got %d", len(reminders))
	}
	if !strings.HasPrefix(reminders[0].Title, "Reminder: ") || reminders[0].Type != notify.TypeContractSent {
		t.Fatalf("unexpected reminder %+v", reminders[0])
	}
	if n := len(f.mem.Events("contract-1", contract.EventReminderSent)); n != 9 {
		t.Fatalf("expected 9 REMINDER_SENT events, got %d", n)
	}
}

func TestSendRemindersConcurrentCallsRespectCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), false); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.d.SendReminders(ctx, "contract-1")
			if err != nil {
				t.Errorf("send reminders: %v", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 9 {
		t.Fatalf("expected exactly 9 reminders across callers, got %d", total)
	}
	for _, id := range []string{"signer-1", "signer-2", "signer-3"} {
		if got := f.mem.Signer(id).ReminderCount; got > signer.MaxReminders {
			t.Fatalf("%s exceeded the reminder cap: %d", id, got)
		}
	}
}

func TestSendRemindersSkipsLapsedAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), false); err != nil {
		t.Fatalf("create: %v", err)
	}

	f.clock = baseTime.Add(access.Validity)
	n, err := f.d.SendReminders(ctx, "contract-1")
	if err != nil {
		t.Fatalf("send reminders: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected lapsed codes to be skipped, got %d", n)
	}

	if _, err := f.d.SendReminders(ctx, "missing"); !errors.Is(err, contract.ErrContractNotFound) {
		t.Fatalf("expected ErrContractNotFound, got %v", err)
	}
}

func TestDueContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.d.CreateSigners(ctx, "contract-1", threeSigners(), false); err != nil {
		t.Fatalf("create: %v", err)
	}

	f.clock = baseTime.Add(time.Hour)
	due, err := f.d.DueContracts(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %v", due)
	}

	f.clock = baseTime.Add(49 * time.Hour)
	due, err = f.d.DueContracts(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0] != "contract-1" {
		t.Fatalf("expected contract-1 due, got %v", due)
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	failing := notify.NewSender(notify.PortFunc(func(context.Context, notify.Notification) bool { return false }),
		2, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.d.notifier = failing

	created, err := f.d.CreateSigners(context.Background(), "contract-1", threeSigners(), true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := failing.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := f.mem.Signer(created[0].ID).Status; got != signer.StatusSent {
		t.Fatalf("expected signer to stay sent after failed notification, got %s", got)
	}
}
