// Package ordering decides whether a signer may sign now. It only reads; the
// completion coordinator owns every side effect.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"signflow/contract"
	"signflow/db"
	"signflow/signer"
)

// ErrOutOfOrder signals a sequential signer acting before a predecessor signed.
var ErrOutOfOrder = errors.New("ordering: signer out of order")

// OutOfOrderError carries the name of the predecessor being waited on.
type OutOfOrderError struct {
	SignerID   string
	WaitingFor string
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("ordering: signer %s is waiting for %s", e.SignerID, e.WaitingFor)
}

func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

const (
	ReasonAlreadySigned   = "Already signed"
	ReasonAlreadyDeclined = "Already declined"
	ReasonAccessExpired   = "Access expired"
	ReasonParallel        = "Parallel signing enabled"
	ReasonWaiting         = "Waiting for previous signers"
	ReasonYourTurn        = "Your turn to sign"
)

// Decision is the eligibility verdict for one signer.
type Decision struct {
	Allowed    bool
	Reason     string
	WaitingFor string
}

// Err converts a negative waiting decision into an *OutOfOrderError.
func (d Decision) Err(signerID string) error {
	if d.Allowed || d.Reason != ReasonWaiting {
		return nil
	}
	return &OutOfOrderError{SignerID: signerID, WaitingFor: d.WaitingFor}
}

// Decide applies the ordering rules. all is the full signer set of the
// contract; only entries with a lower order than s are consulted.
func Decide(s signer.Signer, sequential bool, all []signer.Signer) Decision {
	switch s.Status {
	case signer.StatusSigned:
		return Decision{Reason: ReasonAlreadySigned}
	case signer.StatusDeclined:
		return Decision{Reason: ReasonAlreadyDeclined}
	case signer.StatusExpired:
		return Decision{Reason: ReasonAccessExpired}
	}
	if !sequential {
		return Decision{Allowed: true, Reason: ReasonParallel}
	}

	for _, p := range Predecessors(s, all) {
		if p.Status != signer.StatusSigned {
			return Decision{Reason: ReasonWaiting, WaitingFor: p.FullName}
		}
	}
	return Decision{Allowed: true, Reason: ReasonYourTurn}
}

// Predecessors returns the signers ordered strictly before s, lowest first.
func Predecessors(s signer.Signer, all []signer.Signer) []signer.Signer {
	var out []signer.Signer
	for _, x := range all {
		if x.ContractInstanceID == s.ContractInstanceID && x.Order < s.Order {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Policy loads the data Decide needs.
type Policy struct {
	conn      db.DBTX
	signers   signer.Store
	contracts contract.Store
}

func NewPolicy(conn db.DBTX, signers signer.Store, contracts contract.Store) *Policy {
	if signers == nil {
		signers = signer.NewRepository()
	}
	if contracts == nil {
		contracts = contract.NewRepository()
	}
	return &Policy{conn: conn, signers: signers, contracts: contracts}
}

// Check evaluates eligibility for a signer by id.
func (p *Policy) Check(ctx context.Context, signerID string) (Decision, error) {
	s, err := p.signers.Get(ctx, p.conn, signerID)
	if err != nil {
		return Decision{}, err
	}
	return p.CheckTx(ctx, p.conn, s)
}

// CheckTx evaluates eligibility for an already loaded signer using q, so the
// completion transaction sees its own writes.
func (p *Policy) CheckTx(ctx context.Context, q db.DBTX, s signer.Signer) (Decision, error) {
	c, err := p.contracts.Get(ctx, q, s.ContractInstanceID)
	if err != nil {
		return Decision{}, err
	}
	if !c.RequiresSequentialSigning || s.Status.IsTerminal() {
		return Decide(s, c.RequiresSequentialSigning, nil), nil
	}
	all, err := p.signers.ListByContract(ctx, q, s.ContractInstanceID)
	if err != nil {
		return Decision{}, err
	}
	return Decide(s, true, all), nil
}
