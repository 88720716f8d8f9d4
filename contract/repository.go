package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/db"
)

// Store is the contract-side data access the workflow needs. Every method runs
// against the supplied q so callers decide the transaction boundary.
type Store interface {
	Get(ctx context.Context, q db.DBTX, id string) (Instance, error)
	GetForUpdate(ctx context.Context, q db.DBTX, id string) (Instance, error)
	SetSequential(ctx context.Context, q db.DBTX, id string, sequential bool) error
	Advance(ctx context.Context, q db.DBTX, id string, to LifecycleState, at time.Time) (bool, error)

	AppendEvent(ctx context.Context, q db.DBTX, ev Event) error
	ListEvents(ctx context.Context, q db.DBTX, contractID string) ([]Event, error)

	InsertCertificate(ctx context.Context, q db.DBTX, c Certificate) error
	ListCertificates(ctx context.Context, q db.DBTX, contractID string) ([]Certificate, error)
	RevokeCertificate(ctx context.Context, q db.DBTX, id string) (Certificate, error)
}

// Repository is the Postgres implementation of Store.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const instanceColumns = `
id::text, contract_number, title, requires_sequential_signing, lifecycle_state, status,
sender_user_id, completed_at, created_at, updated_at`

func scanInstance(row pgx.Row) (Instance, error) {
	var (
		in    Instance
		state string
	)
	err := row.Scan(
		&in.ID, &in.ContractNumber, &in.Title, &in.RequiresSequentialSigning, &state, &in.Status,
		&in.SenderUserID, &in.CompletedAt, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidText(err) {
			return Instance{}, ErrContractNotFound
		}
		return Instance{}, err
	}
	in.LifecycleState = LifecycleState(state)
	return in, nil
}

// Get loads a contract instance without locking it.
func (r *Repository) Get(ctx context.Context, q db.DBTX, id string) (Instance, error) {
	in, err := scanInstance(q.QueryRow(ctx, `SELECT `+instanceColumns+` FROM contract_instances WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrContractNotFound) {
		return Instance{}, fmt.Errorf("contract: get: %w", err)
	}
	return in, err
}

// GetForUpdate loads a contract instance and locks its row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, q db.DBTX, id string) (Instance, error) {
	in, err := scanInstance(q.QueryRow(ctx, `SELECT `+instanceColumns+` FROM contract_instances WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrContractNotFound) {
		return Instance{}, fmt.Errorf("contract: lock: %w", err)
	}
	return in, err
}

// SetSequential records the signing mode chosen when the signer set was created.
func (r *Repository) SetSequential(ctx context.Context, q db.DBTX, id string, sequential bool) error {
	tag, err := q.Exec(ctx, `
UPDATE contract_instances
SET requires_sequential_signing = $2, updated_at = NOW()
WHERE id = $1`, id, sequential)
	if err != nil {
		if db.IsInvalidText(err) {
			return ErrContractNotFound
		}
		return fmt.Errorf("contract: set sequential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContractNotFound
	}
	return nil
}

// Advance is a compare-and-set on lifecycle_state. It reports false, without
// error, when another writer already moved the contract past the allowed
// source states.
func (r *Repository) Advance(ctx context.Context, q db.DBTX, id string, to LifecycleState, at time.Time) (bool, error) {
	from := AdvancesFrom(to)
	if len(from) == 0 {
		return false, fmt.Errorf("contract: cannot advance to %q", to)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	const updateSQL = `
UPDATE contract_instances
SET lifecycle_state = $2,
    status = $2,
    completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END,
    updated_at = $3
WHERE id = $1 AND lifecycle_state = ANY($4)
RETURNING id`

	var got string
	err := q.QueryRow(ctx, updateSQL, id, string(to), at, allowed).Scan(&got)
	if err == nil {
		return true, nil
	}
	if db.IsInvalidText(err) {
		return false, ErrContractNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("contract: advance to %s: %w", to, err)
	}
	if _, err := r.Get(ctx, q, id); err != nil {
		return false, err
	}
	return false, nil
}
