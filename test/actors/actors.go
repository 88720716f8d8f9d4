package actors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/access"
	"signflow/completion"
	"signflow/contract"
	"signflow/invitation"
	"signflow/notify"
	"signflow/ordering"
	"signflow/signer"
	"signflow/verification"
)

// Tally counts actor outcomes. Rejected calls hit an expected workflow
// error; failed calls hit anything else, usually a connection killed by chaos.
type Tally struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Failed   atomic.Int64
}

var expected = []error{
	ordering.ErrOutOfOrder,
	signer.ErrAlreadySigned,
	signer.ErrAlreadyDeclined,
	signer.ErrInvalidTransition,
	contract.ErrContractClosed,
	access.ErrAccessCodeExpired,
	access.ErrAccessCodeInvalid,
}

func (t *Tally) record(err error) {
	if err == nil {
		t.OK.Add(1)
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			t.Rejected.Add(1)
			return
		}
	}
	t.Failed.Add(1)
}

func (t *Tally) String() string {
	return fmt.Sprintf("ok=%d rejected=%d failed=%d", t.OK.Load(), t.Rejected.Load(), t.Failed.Load())
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Viewer opens the document for random signers using their stored access code.
func Viewer(ctx context.Context, pool *pgxpool.Pool, registry *signer.Registry, signerIDs []string, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id := signerIDs[rng.Intn(len(signerIDs))]
		var code *string
		if err := pool.QueryRow(ctx, `SELECT access_code FROM contract_signers WHERE id = $1`, id).Scan(&code); err != nil {
			tally.record(err)
			pause(rng, 20, 20)
			continue
		}
		presented := ""
		if code != nil {
			presented = *code
		}
		_, err := registry.MarkViewed(ctx, id, presented)
		tally.record(err)
		pause(rng, 10, 30)
	}
	return nil
}

// Completer races completions for random signers, often several at once for
// the same signer.
func Completer(ctx context.Context, coord *completion.Coordinator, signerIDs []string, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id := signerIDs[rng.Intn(len(signerIDs))]
		data := []byte(fmt.Sprintf("typed:%s:%d", id, rng.Int63()))
		_, err := coord.ProcessCompletion(ctx, id, completion.Payload{
			Method:    signer.MethodType,
			Data:      data,
			IPAddress: "198.51.100.10",
			UserAgent: "stress/1.0",
		})
		tally.record(err)
		pause(rng, 15, 40)
	}
	return nil
}

// Decliner declines random signers of the given set.
func Decliner(ctx context.Context, coord *completion.Coordinator, signerIDs []string, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id := signerIDs[rng.Intn(len(signerIDs))]
		_, err := coord.Decline(ctx, id, "terms not acceptable")
		tally.record(err)
		pause(rng, 200, 300)
	}
	return nil
}

// Reminder fires manual reminder passes at random contracts.
func Reminder(ctx context.Context, invites *invitation.Dispatcher, contractIDs []string, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := invites.SendReminders(ctx, contractIDs[rng.Intn(len(contractIDs))])
		tally.record(err)
		pause(rng, 10, 20)
	}
	return nil
}

// Verifier checks random documents, half of them against their true digest.
func Verifier(ctx context.Context, v *verification.Verifier, contractIDs []string, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		doc := []byte(fmt.Sprintf("%%PDF-1.7\n%d\n%%%%EOF\n", rng.Int63()))
		sum := sha256.Sum256(doc)
		want := hex.EncodeToString(sum[:])
		if rng.Intn(2) == 0 {
			want = "sha256:" + hex.EncodeToString(make([]byte, sha256.Size))
		}
		_, err := v.Verify(ctx, verification.Request{
			ContractID:   contractIDs[rng.Intn(len(contractIDs))],
			Document:     doc,
			ExpectedHash: want,
			Method:       verification.MethodAutomatic,
		})
		tally.record(err)
		pause(rng, 30, 50)
	}
	return nil
}

// Expirer runs the expiry sweep on a loop.
func Expirer(ctx context.Context, registry *signer.Registry, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := registry.ExpireDue(ctx)
		tally.record(err)
		pause(rng, 100, 100)
	}
	return nil
}

// OutboxWorker drains notification_outbox through the relay.
func OutboxWorker(ctx context.Context, relay *notify.Relay, rng *rand.Rand, tally *Tally, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := relay.RelayOnce(ctx)
		tally.record(err)
		pause(rng, 50, 50)
	}
	return nil
}
