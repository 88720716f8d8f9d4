package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"signflow/access"
	"signflow/contract"
	"signflow/db"
	"signflow/metrics"
)

var (
	// ErrInvalidSigner signals a signer description that fails validation.
	ErrInvalidSigner = errors.New("signer: invalid signer")
	// ErrSignersExist is returned when a contract already has a signer set.
	ErrSignersExist = errors.New("signer: contract already has signers")
)

// Registry owns signer records and drives the transitions that are not tied
// to invitations or completion.
type Registry struct {
	conn      db.Conn
	signers   Store
	contracts contract.Store
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// NewRegistry wires the registry to its stores.
func NewRegistry(conn db.Conn, signers Store, contracts contract.Store, logger *slog.Logger) *Registry {
	if signers == nil {
		signers = NewRepository()
	}
	if contracts == nil {
		contracts = contract.NewRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conn:      conn,
		signers:   signers,
		contracts: contracts,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.With(slog.String("component", "signer_registry")),
	}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithIDGenerator overrides signer id generation.
func (r *Registry) WithIDGenerator(fn func() string) *Registry {
	r.newID = fn
	return r
}

// Create validates and persists a signer set in its own transaction.
func (r *Registry) Create(ctx context.Context, contractID string, sequential bool, in []NewSigner) ([]Signer, error) {
	var created []Signer
	err := db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		var err error
		created, err = r.CreateTx(ctx, tx, contractID, sequential, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateTx persists a signer set inside the caller's transaction. The contract
// row is locked so two creations for one contract cannot interleave.
func (r *Registry) CreateTx(ctx context.Context, tx db.DBTX, contractID string, sequential bool, in []NewSigner) ([]Signer, error) {
	normalized, err := Normalize(in)
	if err != nil {
		return nil, err
	}

	c, err := r.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.LifecycleState.IsTerminal() {
		return nil, contract.ErrContractClosed
	}

	existing, err := r.signers.ListByContract(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrSignersExist
	}

	if c.RequiresSequentialSigning != sequential {
		if err := r.contracts.SetSequential(ctx, tx, contractID, sequential); err != nil {
			return nil, err
		}
	}

	lowest := normalized[0].Order
	now := r.now()
	created := make([]Signer, 0, len(normalized))
	for _, ns := range normalized {
		s := Signer{
			ID:                 r.newID(),
			ContractInstanceID: contractID,
			Type:               ns.Type,
			Order:              ns.Order,
			UserID:             ns.UserID,
			Email:              ns.Email,
			FullName:           ns.FullName,
			Phone:              ns.Phone,
			Status:             InitialStatus(ns.Order, lowest, sequential),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := r.signers.Insert(ctx, tx, s); err != nil {
			return nil, err
		}
		created = append(created, s)
	}

	if err := r.contracts.AppendEvent(ctx, tx, contract.Event{
		ContractInstanceID: contractID,
		Type:               contract.EventSignersCreated,
		Payload: map[string]any{
			"count":      len(created),
			"sequential": sequential,
		},
	}); err != nil {
		return nil, err
	}

	r.logger.Info("signers created",
		slog.String("contract_id", contractID),
		slog.Int("count", len(created)),
		slog.Bool("sequential", sequential),
	)
	return created, nil
}

// Normalize validates signer descriptions and returns them sorted by order.
// When no order is given at all, orders follow input position starting at 1.
func Normalize(in []NewSigner) ([]NewSigner, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one signer is required", ErrInvalidSigner)
	}

	out := make([]NewSigner, len(in))
	copy(out, in)

	unordered := 0
	for _, s := range out {
		if s.Order == 0 {
			unordered++
		}
	}
	if unordered == len(out) {
		for i := range out {
			out[i].Order = i + 1
		}
	} else if unordered > 0 {
		return nil, fmt.Errorf("%w: either every signer or no signer must carry an order", ErrInvalidSigner)
	}

	seen := make(map[int]bool, len(out))
	for i := range out {
		s := &out[i]
		if s.Order < 1 {
			return nil, fmt.Errorf("%w: order must be positive, got %d", ErrInvalidSigner, s.Order)
		}
		if seen[s.Order] {
			return nil, fmt.Errorf("%w: order %d", ErrDuplicateOrder, s.Order)
		}
		seen[s.Order] = true

		if _, err := ParseType(string(s.Type)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSigner, err)
		}
		s.Email = strings.TrimSpace(s.Email)
		if _, err := mail.ParseAddress(s.Email); err != nil {
			return nil, fmt.Errorf("%w: email %q", ErrInvalidSigner, s.Email)
		}
		s.FullName = strings.TrimSpace(s.FullName)
		if s.FullName == "" {
			return nil, fmt.Errorf("%w: full name is required", ErrInvalidSigner)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// Get loads a signer.
func (r *Registry) Get(ctx context.Context, id string) (Signer, error) {
	return r.signers.Get(ctx, r.conn, id)
}

// ListByContract returns the signers of a contract ordered by signer order.
func (r *Registry) ListByContract(ctx context.Context, contractID string) ([]Signer, error) {
	list, err := r.signers.ListByContract(ctx, r.conn, contractID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		if _, err := r.contracts.Get(ctx, r.conn, contractID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// MarkViewed records that the signer opened the document. The access code is
// checked first so a wrong code never reveals signer state. Viewing again
// after the first view returns the signer unchanged.
func (r *Registry) MarkViewed(ctx context.Context, id, code string) (Signer, error) {
	var (
		out     Signer
		changed bool
	)
	err := db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		s, err := r.signers.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := r.now()
		codeErr := access.CheckCode(s.AccessCode, s.AccessCodeExpires, code, now)
		if errors.Is(codeErr, access.ErrAccessCodeInvalid) {
			return codeErr
		}

		switch s.Status {
		case StatusSigned:
			return ErrAlreadySigned
		case StatusDeclined:
			return ErrAlreadyDeclined
		case StatusExpired:
			return access.ErrAccessCodeExpired
		case StatusPending, StatusAwaitingTurn:
			return &TransitionError{From: s.Status, To: StatusViewed}
		}
		if codeErr != nil {
			return codeErr
		}
		if s.Status != StatusSent {
			out = s
			return nil
		}

		out, err = r.signers.MarkViewed(ctx, tx, id, now)
		if err != nil {
			return err
		}
		changed = true
		return r.contracts.AppendEvent(ctx, tx, contract.Event{
			ContractInstanceID: s.ContractInstanceID,
			SignerID:           &out.ID,
			Type:               contract.EventDocumentViewed,
			Payload:            map[string]any{"signer_order": out.Order},
		})
	})
	if err != nil {
		return Signer{}, err
	}
	if changed {
		metrics.SignerTransitions.WithLabelValues(string(StatusViewed)).Inc()
	}
	return out, nil
}

// MarkInProgress records that the signer started filling the form.
func (r *Registry) MarkInProgress(ctx context.Context, id string) (Signer, error) {
	var (
		out     Signer
		changed bool
	)
	err := db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		s, err := r.signers.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := r.now()
		switch s.Status {
		case StatusInProgress:
			out = s
			return nil
		case StatusSigned:
			return ErrAlreadySigned
		case StatusDeclined:
			return ErrAlreadyDeclined
		case StatusExpired:
			return access.ErrAccessCodeExpired
		}
		if s.Status.IsActive() && codeLapsed(s, now) {
			return access.ErrAccessCodeExpired
		}

		out, err = r.signers.MarkInProgress(ctx, tx, id, now)
		if err != nil {
			return err
		}
		changed = true
		return r.contracts.AppendEvent(ctx, tx, contract.Event{
			ContractInstanceID: s.ContractInstanceID,
			SignerID:           &out.ID,
			Type:               contract.EventSigningStarted,
		})
	})
	if err != nil {
		return Signer{}, err
	}
	if changed {
		metrics.SignerTransitions.WithLabelValues(string(StatusInProgress)).Inc()
	}
	return out, nil
}

func codeLapsed(s Signer, now time.Time) bool {
	return s.AccessCodeExpires != nil && !now.Before(*s.AccessCodeExpires)
}

// ExpireDue moves sent or viewed signers whose access code lapsed to expired.
func (r *Registry) ExpireDue(ctx context.Context) (int, error) {
	var expired []Signer
	err := db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		var err error
		expired, err = r.signers.ExpireDue(ctx, tx, r.now())
		if err != nil {
			return err
		}
		for i := range expired {
			s := expired[i]
			if err := r.contracts.AppendEvent(ctx, tx, contract.Event{
				ContractInstanceID: s.ContractInstanceID,
				SignerID:           &s.ID,
				Type:               contract.EventSignerExpired,
				Payload:            map[string]any{"reason": "access_code_expired"},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n := len(expired); n > 0 {
		metrics.SignerTransitions.WithLabelValues(string(StatusExpired)).Add(float64(n))
		r.logger.Info("signers expired", slog.Int("count", n))
	}
	return len(expired), nil
}

// Void forces every non-terminal signer of a contract to expired and cancels
// the contract. It is the hook contract management calls when a document is
// withdrawn.
func (r *Registry) Void(ctx context.Context, contractID string) (int, error) {
	var voided []Signer
	err := db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		if _, err := r.contracts.GetForUpdate(ctx, tx, contractID); err != nil {
			return err
		}

		now := r.now()
		var err error
		voided, err = r.signers.VoidContract(ctx, tx, contractID, now)
		if err != nil {
			return err
		}
		won, err := r.contracts.Advance(ctx, tx, contractID, contract.LifecycleCancelled, now)
		if err != nil {
			return err
		}

		ids := make([]string, len(voided))
		for i, s := range voided {
			ids[i] = s.ID
		}
		return r.contracts.AppendEvent(ctx, tx, contract.Event{
			ContractInstanceID: contractID,
			Type:               contract.EventSignersVoided,
			Payload: map[string]any{
				"signer_ids": ids,
				"cancelled":  won,
			},
		})
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("contract voided", slog.String("contract_id", contractID), slog.Int("signers", len(voided)))
	return len(voided), nil
}

// Progress summarises the signer set of a contract.
func (r *Registry) Progress(ctx context.Context, contractID string) (Progress, error) {
	list, err := r.ListByContract(ctx, contractID)
	if err != nil {
		return Progress{}, err
	}
	return ComputeProgress(list), nil
}

// ComputeProgress derives progress counters from a signer set.
func ComputeProgress(signers []Signer) Progress {
	all := make([]Signer, len(signers))
	copy(all, signers)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Order < all[j].Order })

	p := Progress{Total: len(all), AllSigners: all}
	for i := range all {
		s := &all[i]
		switch {
		case s.Status == StatusSigned:
			p.Signed++
		case s.Status == StatusDeclined:
			p.Declined++
		case s.Status.IsActive():
			if p.CurrentSigner == nil {
				p.CurrentSigner = s
			}
		case s.Status == StatusPending || s.Status == StatusAwaitingTurn:
			if p.NextSigner == nil {
				p.NextSigner = s
			}
		}
	}
	p.Pending = p.Total - p.Signed - p.Declined
	if p.Total > 0 {
		p.PercentComplete = (p.Signed*100 + p.Total/2) / p.Total
	}
	return p
}
