// Package completion records signatures and declines, unlocks the next
// sequential signer and finalizes contracts.
package completion

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"signflow/access"
	"signflow/contract"
	"signflow/db"
	"signflow/invitation"
	"signflow/metrics"
	"signflow/notify"
	"signflow/ordering"
	"signflow/signer"
)

var (
	// ErrInvalidPayload signals a signature submission missing required evidence.
	ErrInvalidPayload = errors.New("completion: invalid signature payload")
	// ErrReasonRequired is returned when a decline carries no reason.
	ErrReasonRequired = errors.New("completion: decline reason is required")
)

// Payload is what a signer submits when signing. Consent and intent to sign
// are recorded at signing time; submitting is the act that gives them.
type Payload struct {
	Method signer.Method
	Data   []byte
	// Hash is the client's digest of Data. The stored hash is always computed
	// server side; a differing client value is only logged.
	Hash               string
	IPAddress          string
	UserAgent          string
	GeoLocation        string
	DeviceFingerprint  string
	BrowserFingerprint string
}

func (p Payload) validate() error {
	if _, err := signer.ParseMethod(string(p.Method)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: signature data is empty", ErrInvalidPayload)
	}
	return nil
}

// clientHashDiffers reports whether the client sent a digest that is not the
// sha256 of the signature data.
func (p Payload) clientHashDiffers() bool {
	if p.Hash == "" {
		return false
	}
	h := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(p.Hash)), "sha256:")
	return h != signatureHash(p.Data)
}

// Result reports the outcome of a completion.
type Result struct {
	Success             bool
	AllSignersCompleted bool
	NextSigner          *signer.Signer
	AlreadySigned       bool
	Signer              signer.Signer
}

// Config holds certificate settings.
type Config struct {
	// CertificateIssuer is recorded on every certificate. Defaults to "signflow".
	CertificateIssuer string
	// CertificateValidity sets ExpiresAt on issued certificates. Zero means
	// certificates never expire.
	CertificateValidity time.Duration
}

// Forgetter drops cached contract state after a lifecycle change.
type Forgetter interface {
	Forget(id string)
}

// Coordinator is the only writer of the signed and declined transitions.
type Coordinator struct {
	conn      db.Conn
	signers   signer.Store
	contracts contract.Store
	policy    *ordering.Policy
	invites   *invitation.Dispatcher
	notifier  notify.Dispatcher
	cache     Forgetter
	cfg       Config

	inflight singleflight.Group
	now      func() time.Time
	newID    func() string
	rand     io.Reader
	logger   *slog.Logger
}

func NewCoordinator(
	conn db.Conn,
	signers signer.Store,
	contracts contract.Store,
	invites *invitation.Dispatcher,
	notifier notify.Dispatcher,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.CertificateIssuer == "" {
		cfg.CertificateIssuer = "signflow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		conn:      conn,
		signers:   signers,
		contracts: contracts,
		policy:    ordering.NewPolicy(conn, signers, contracts),
		invites:   invites,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
		rand:      rand.Reader,
		logger:    logger.With(slog.String("component", "completion")),
	}
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// WithIDGenerator overrides certificate id generation.
func (c *Coordinator) WithIDGenerator(fn func() string) *Coordinator {
	c.newID = fn
	return c
}

// WithCache registers a cache to invalidate when a contract closes.
func (c *Coordinator) WithCache(f Forgetter) *Coordinator {
	c.cache = f
	return c
}

// ProcessCompletion records a signature. Submitting for a signer that already
// signed succeeds with AlreadySigned set and changes nothing.
func (c *Coordinator) ProcessCompletion(ctx context.Context, signerID string, p Payload) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	if p.clientHashDiffers() {
		c.logger.Warn("client signature hash differs from signature data",
			slog.String("signer_id", signerID))
	}
	// The shared call outlives any one caller: a follower must not inherit
	// the leader's cancellation.
	shared := context.WithoutCancel(ctx)
	leader := false
	v, err, _ := c.inflight.Do(signerID, func() (any, error) {
		leader = true
		return c.complete(shared, signerID, p)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if !leader {
		// Collapsed into an in-flight call for the same signer.
		res.AlreadySigned = true
	}
	return res, nil
}

type completion struct {
	result   Result
	contract contract.Instance
	all      []signer.Signer
	next     *notify.Notification
	won      bool
}

func (c *Coordinator) complete(ctx context.Context, signerID string, p Payload) (Result, error) {
	var out completion
	err := db.InTx(ctx, c.conn, func(tx pgx.Tx) error {
		var err error
		out, err = c.completeTx(ctx, tx, signerID, p)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if out.result.AlreadySigned {
		return out.result, nil
	}

	metrics.SignerTransitions.WithLabelValues(string(signer.StatusSigned)).Inc()
	if out.next != nil {
		c.notifier.Send(ctx, *out.next)
	}
	if out.won {
		metrics.ContractsFinalized.WithLabelValues(string(contract.LifecycleCompleted)).Inc()
		c.forget(out.contract.ID)
		for _, n := range stakeholderNotices(out.contract, out.all, notify.TypeContractSigned,
			"Contract signed: "+out.contract.Title,
			fmt.Sprintf("All signers have signed contract %s.", out.contract.ContractNumber)) {
			c.notifier.Send(ctx, n)
		}
		c.logger.Info("contract completed",
			slog.String("contract_id", out.contract.ID),
			slog.Int("signers", len(out.all)))
	}
	return out.result, nil
}

func (c *Coordinator) completeTx(ctx context.Context, tx pgx.Tx, signerID string, p Payload) (completion, error) {
	s, err := c.signers.GetForUpdate(ctx, tx, signerID)
	if err != nil {
		return completion{}, err
	}
	now := c.now()

	switch s.Status {
	case signer.StatusSigned:
		return completion{result: Result{Success: true, AlreadySigned: true, Signer: s}}, nil
	case signer.StatusDeclined:
		return completion{}, signer.ErrAlreadyDeclined
	case signer.StatusExpired:
		return completion{}, access.ErrAccessCodeExpired
	}
	if s.AccessCodeExpires != nil && !now.Before(*s.AccessCodeExpires) {
		return completion{}, access.ErrAccessCodeExpired
	}

	in, err := c.contracts.Get(ctx, tx, s.ContractInstanceID)
	if err != nil {
		return completion{}, err
	}
	if in.LifecycleState.IsTerminal() {
		return completion{}, contract.ErrContractClosed
	}

	decision, err := c.policy.CheckTx(ctx, tx, s)
	if err != nil {
		return completion{}, err
	}
	if err := decision.Err(s.ID); err != nil {
		return completion{}, err
	}
	if err := signer.Transition(s.Status, signer.StatusSigned); err != nil {
		return completion{}, err
	}

	sig := signer.Signature{
		Method:             p.Method,
		Data:               p.Data,
		Hash:               signatureHash(p.Data),
		IPAddress:          p.IPAddress,
		UserAgent:          p.UserAgent,
		GeoLocation:        p.GeoLocation,
		DeviceFingerprint:  p.DeviceFingerprint,
		BrowserFingerprint: p.BrowserFingerprint,
		ConsentGiven:       true,
		ConsentTimestamp:   &now,
		IntentToSign:       true,
		IntentTimestamp:    &now,
	}
	signed, err := c.signers.MarkSigned(ctx, tx, s.ID, sig, now)
	if err != nil {
		return completion{}, err
	}

	cert, err := c.signingCertificate(signed, now)
	if err != nil {
		return completion{}, err
	}
	if err := c.contracts.InsertCertificate(ctx, tx, cert); err != nil {
		return completion{}, err
	}
	if err := c.contracts.AppendEvent(ctx, tx, contract.Event{
		ContractInstanceID: signed.ContractInstanceID,
		SignerID:           &signed.ID,
		Type:               contract.EventSignatureCompleted,
		Payload: map[string]any{
			"signer_order":   signed.Order,
			"method":         string(sig.Method),
			"signature_hash": sig.Hash,
			"serial_number":  cert.SerialNumber,
		},
	}); err != nil {
		return completion{}, err
	}

	out := completion{result: Result{Success: true, Signer: signed}}

	if in.RequiresSequentialSigning {
		all, err := c.signers.ListByContract(ctx, tx, signed.ContractInstanceID)
		if err != nil {
			return completion{}, err
		}
		if next, ok := nextInLine(signed, all); ok {
			invited, notice, err := c.invites.InviteTx(ctx, tx, next)
			if err != nil {
				return completion{}, fmt.Errorf("completion: invite next signer: %w", err)
			}
			out.result.NextSigner = &invited
			out.next = notice
		}
	}

	locked, err := c.contracts.GetForUpdate(ctx, tx, signed.ContractInstanceID)
	if err != nil {
		return completion{}, err
	}
	all, err := c.signers.ListByContract(ctx, tx, signed.ContractInstanceID)
	if err != nil {
		return completion{}, err
	}
	out.contract = locked
	out.all = all
	if !allSigned(all) {
		return out, nil
	}
	out.result.AllSignersCompleted = true

	won, err := c.contracts.Advance(ctx, tx, locked.ID, contract.LifecycleCompleted, now)
	if err != nil {
		return completion{}, err
	}
	if !won {
		return out, nil
	}
	out.won = true
	out.contract.LifecycleState = contract.LifecycleCompleted
	out.contract.CompletedAt = &now

	final, err := c.completionCertificate(out.contract, all, now)
	if err != nil {
		return completion{}, err
	}
	if err := c.contracts.InsertCertificate(ctx, tx, final); err != nil {
		return completion{}, err
	}
	if err := c.contracts.AppendEvent(ctx, tx, contract.Event{
		ContractInstanceID: locked.ID,
		Type:               contract.EventContractCompleted,
		Payload: map[string]any{
			"signers":       len(all),
			"serial_number": final.SerialNumber,
			"document_hash": final.Hash,
		},
	}); err != nil {
		return completion{}, err
	}
	return out, nil
}

// Decline records a signer's refusal and closes the contract.
func (c *Coordinator) Decline(ctx context.Context, signerID, reason string) (signer.Signer, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return signer.Signer{}, ErrReasonRequired
	}

	var (
		declined signer.Signer
		in       contract.Instance
		all      []signer.Signer
		won      bool
	)
	err := db.InTx(ctx, c.conn, func(tx pgx.Tx) error {
		s, err := c.signers.GetForUpdate(ctx, tx, signerID)
		if err != nil {
			return err
		}
		now := c.now()
		switch s.Status {
		case signer.StatusSigned:
			return signer.ErrAlreadySigned
		case signer.StatusDeclined:
			return signer.ErrAlreadyDeclined
		case signer.StatusExpired:
			return access.ErrAccessCodeExpired
		}
		if s.Status.IsActive() && s.AccessCodeExpires != nil && !now.Before(*s.AccessCodeExpires) {
			return access.ErrAccessCodeExpired
		}

		declined, err = c.signers.MarkDeclined(ctx, tx, s.ID, reason, now)
		if err != nil {
			return err
		}
		if err := c.contracts.AppendEvent(ctx, tx, contract.Event{
			ContractInstanceID: declined.ContractInstanceID,
			SignerID:           &declined.ID,
			Type:               contract.EventSignatureDeclined,
			Payload:            map[string]any{"signer_order": declined.Order, "reason": reason},
		}); err != nil {
			return err
		}

		in, err = c.contracts.GetForUpdate(ctx, tx, declined.ContractInstanceID)
		if err != nil {
			return err
		}
		won, err = c.contracts.Advance(ctx, tx, in.ID, contract.LifecycleDeclined, now)
		if err != nil || !won {
			return err
		}
		in.LifecycleState = contract.LifecycleDeclined
		if all, err = c.signers.ListByContract(ctx, tx, in.ID); err != nil {
			return err
		}
		return c.contracts.AppendEvent(ctx, tx, contract.Event{
			ContractInstanceID: in.ID,
			SignerID:           &declined.ID,
			Type:               contract.EventContractDeclined,
			Payload:            map[string]any{"declined_by": declined.FullName},
		})
	})
	if err != nil {
		return signer.Signer{}, err
	}

	metrics.SignerTransitions.WithLabelValues(string(signer.StatusDeclined)).Inc()
	if won {
		metrics.ContractsFinalized.WithLabelValues(string(contract.LifecycleDeclined)).Inc()
		c.forget(in.ID)
		for _, n := range stakeholderNotices(in, all, notify.TypeContractDeclined,
			"Contract declined: "+in.Title,
			fmt.Sprintf("%s declined contract %s: %s", declined.FullName, in.ContractNumber, reason)) {
			c.notifier.Send(ctx, n)
		}
		c.logger.Info("contract declined",
			slog.String("contract_id", in.ID),
			slog.String("signer_id", declined.ID))
	}
	return declined, nil
}

func (c *Coordinator) forget(contractID string) {
	if c.cache != nil {
		c.cache.Forget(contractID)
	}
}

// nextInLine returns the lowest-order awaiting signer after s.
func nextInLine(s signer.Signer, all []signer.Signer) (signer.Signer, bool) {
	for _, x := range all {
		if x.Order > s.Order && x.Status == signer.StatusAwaitingTurn {
			return x, true
		}
	}
	return signer.Signer{}, false
}

func allSigned(all []signer.Signer) bool {
	if len(all) == 0 {
		return false
	}
	for _, s := range all {
		if s.Status != signer.StatusSigned {
			return false
		}
	}
	return true
}

// stakeholderNotices addresses the contract sender and every sender or HR
// manager signer holding a user account, once per user.
func stakeholderNotices(in contract.Instance, all []signer.Signer, typ notify.Type, title, description string) []notify.Notification {
	seen := make(map[string]bool)
	var out []notify.Notification
	add := func(userID, email string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		out = append(out, notify.Notification{
			UserID:      userID,
			Email:       email,
			Type:        typ,
			Title:       title,
			Description: description,
			RelatedID:   in.ID,
			RelatedType: notify.RelatedTypeContract,
		})
	}
	if in.SenderUserID != nil {
		add(*in.SenderUserID, "")
	}
	for _, s := range all {
		if s.UserID != nil && (s.Type == signer.TypeSender || s.Type == signer.TypeHRManager) {
			add(*s.UserID, s.Email)
		}
	}
	return out
}

func signatureHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
