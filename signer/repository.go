package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/db"
)

// Store is the signer data access used by the workflow packages. Methods that
// change status are compare-and-set: they only touch rows whose current status
// is a legal source for the target and otherwise return a *TransitionError.
type Store interface {
	Insert(ctx context.Context, q db.DBTX, s Signer) error
	Get(ctx context.Context, q db.DBTX, id string) (Signer, error)
	GetForUpdate(ctx context.Context, q db.DBTX, id string) (Signer, error)
	ListByContract(ctx context.Context, q db.DBTX, contractID string) ([]Signer, error)

	MarkSent(ctx context.Context, q db.DBTX, id, code string, expires, at time.Time) (Signer, error)
	ReissueCode(ctx context.Context, q db.DBTX, id, code string, expires, at time.Time) (Signer, error)
	MarkViewed(ctx context.Context, q db.DBTX, id string, at time.Time) (Signer, error)
	MarkInProgress(ctx context.Context, q db.DBTX, id string, at time.Time) (Signer, error)
	MarkSigned(ctx context.Context, q db.DBTX, id string, sig Signature, at time.Time) (Signer, error)
	MarkDeclined(ctx context.Context, q db.DBTX, id, reason string, at time.Time) (Signer, error)

	RecordReminder(ctx context.Context, q db.DBTX, id string, at time.Time) (bool, error)
	ListRemindable(ctx context.Context, q db.DBTX, contractID string) ([]Signer, error)
	ContractsDueForReminder(ctx context.Context, q db.DBTX, cutoff time.Time, limit int) ([]string, error)

	ExpireDue(ctx context.Context, q db.DBTX, now time.Time) ([]Signer, error)
	VoidContract(ctx context.Context, q db.DBTX, contractID string, at time.Time) ([]Signer, error)
}

// Repository is the Postgres implementation of Store.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const signerColumns = `
id::text, contract_instance_id::text, signer_type, signer_order, user_id, email, full_name, phone, status,
sent_at, viewed_at, signed_at, declined_at, decline_reason,
signature_method, signature_data, signature_hash, ip_address, user_agent, geo_location,
device_fingerprint, browser_fingerprint, consent_given, consent_timestamp, intent_to_sign, intent_timestamp,
access_code, access_code_expires, reminder_count, last_reminder_sent, created_at, updated_at`

func scanSigner(row pgx.Row) (Signer, error) {
	var (
		s                                  Signer
		typ, status                        string
		method                             *string
		data                               []byte
		hash, ip, ua, geo, device, browser *string
		consentGiven, intentToSign         bool
		consentTimestamp, intentTimestamp  *time.Time
	)
	err := row.Scan(
		&s.ID, &s.ContractInstanceID, &typ, &s.Order, &s.UserID, &s.Email, &s.FullName, &s.Phone, &status,
		&s.SentAt, &s.ViewedAt, &s.SignedAt, &s.DeclinedAt, &s.DeclineReason,
		&method, &data, &hash, &ip, &ua, &geo,
		&device, &browser, &consentGiven, &consentTimestamp, &intentToSign, &intentTimestamp,
		&s.AccessCode, &s.AccessCodeExpires, &s.ReminderCount, &s.LastReminderSent, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidText(err) {
			return Signer{}, ErrSignerNotFound
		}
		return Signer{}, err
	}
	s.Type = Type(typ)
	s.Status = Status(status)
	if method != nil {
		s.Signature = &Signature{
			Method:             Method(*method),
			Data:               data,
			Hash:               deref(hash),
			IPAddress:          deref(ip),
			UserAgent:          deref(ua),
			GeoLocation:        deref(geo),
			DeviceFingerprint:  deref(device),
			BrowserFingerprint: deref(browser),
			ConsentGiven:       consentGiven,
			ConsentTimestamp:   consentTimestamp,
			IntentToSign:       intentToSign,
			IntentTimestamp:    intentTimestamp,
		}
	}
	return s, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func collect(rows pgx.Rows) ([]Signer, error) {
	defer rows.Close()
	var out []Signer
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Insert persists a new signer row. A clash on (contract, order) maps to ErrDuplicateOrder.
func (r *Repository) Insert(ctx context.Context, q db.DBTX, s Signer) error {
	const insertSQL = `
INSERT INTO contract_signers (
    id, contract_instance_id, signer_type, signer_order, user_id, email, full_name, phone, status,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	_, err := q.Exec(ctx, insertSQL,
		s.ID, s.ContractInstanceID, string(s.Type), s.Order, s.UserID, s.Email, s.FullName, s.Phone,
		string(s.Status), s.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("signer: insert: %w", err)
	}
	return nil
}

// Get loads a signer without locking.
func (r *Repository) Get(ctx context.Context, q db.DBTX, id string) (Signer, error) {
	s, err := scanSigner(q.QueryRow(ctx, `SELECT `+signerColumns+` FROM contract_signers WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrSignerNotFound) {
		return Signer{}, fmt.Errorf("signer: get: %w", err)
	}
	return s, err
}

// GetForUpdate loads a signer and holds its row lock until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, q db.DBTX, id string) (Signer, error) {
	s, err := scanSigner(q.QueryRow(ctx, `SELECT `+signerColumns+` FROM contract_signers WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrSignerNotFound) {
		return Signer{}, fmt.Errorf("signer: lock: %w", err)
	}
	return s, err
}

// ListByContract returns every signer of a contract ordered by signer_order.
func (r *Repository) ListByContract(ctx context.Context, q db.DBTX, contractID string) ([]Signer, error) {
	rows, err := q.Query(ctx, `SELECT `+signerColumns+`
FROM contract_signers
WHERE contract_instance_id = $1
ORDER BY signer_order`, contractID)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signer: list: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signer: list: %w", err)
	}
	return out, nil
}

// transition runs a compare-and-set UPDATE returning the new row. When no row
// matched, the current row is loaded to tell not-found from an illegal move.
func (r *Repository) transition(ctx context.Context, q db.DBTX, id string, to Status, query string, args ...any) (Signer, error) {
	s, err := scanSigner(q.QueryRow(ctx, query, args...))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSignerNotFound) {
		return Signer{}, fmt.Errorf("signer: transition to %s: %w", to, err)
	}
	current, err := r.Get(ctx, q, id)
	if err != nil {
		return Signer{}, err
	}
	return Signer{}, &TransitionError{From: current.Status, To: to}
}

// MarkSent moves pending or awaiting_turn to sent and stores a fresh credential.
func (r *Repository) MarkSent(ctx context.Context, q db.DBTX, id, code string, expires, at time.Time) (Signer, error) {
	return r.transition(ctx, q, id, StatusSent, `
UPDATE contract_signers
SET status = 'sent', sent_at = $2, access_code = $3, access_code_expires = $4, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'awaiting_turn')
RETURNING `+signerColumns, id, at, code, expires)
}

// ReissueCode replaces the credential of a signer that already holds a live
// invitation without moving its status.
func (r *Repository) ReissueCode(ctx context.Context, q db.DBTX, id, code string, expires, at time.Time) (Signer, error) {
	return r.transition(ctx, q, id, StatusSent, `
UPDATE contract_signers
SET sent_at = $2, access_code = $3, access_code_expires = $4, updated_at = $2
WHERE id = $1 AND status IN ('sent', 'viewed', 'in_progress')
RETURNING `+signerColumns, id, at, code, expires)
}

func (r *Repository) MarkViewed(ctx context.Context, q db.DBTX, id string, at time.Time) (Signer, error) {
	return r.transition(ctx, q, id, StatusViewed, `
UPDATE contract_signers
SET status = 'viewed', viewed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'sent'
RETURNING `+signerColumns, id, at)
}

func (r *Repository) MarkInProgress(ctx context.Context, q db.DBTX, id string, at time.Time) (Signer, error) {
	return r.transition(ctx, q, id, StatusInProgress, `
UPDATE contract_signers
SET status = 'in_progress', updated_at = $2
WHERE id = $1 AND status = 'viewed'
RETURNING `+signerColumns, id, at)
}

// MarkSigned records the signature payload. Consent and intent timestamps are
// set to the signing instant when the signer gave them.
func (r *Repository) MarkSigned(ctx context.Context, q db.DBTX, id string, sig Signature, at time.Time) (Signer, error) {
	return r.transition(ctx, q, id, StatusSigned, `
UPDATE contract_signers
SET status = 'signed', signed_at = $2, updated_at = $2,
    signature_method = $3, signature_data = $4, signature_hash = $5,
    ip_address = $6, user_agent = $7, geo_location = $8,
    device_fingerprint = $9, browser_fingerprint = $10,
    consent_given = $11, consent_timestamp = $12,
    intent_to_sign = $13, intent_timestamp = $14
WHERE id = $1 AND status IN ('sent', 'viewed', 'in_progress')
RETURNING `+signerColumns,
		id, at,
		string(sig.Method), sig.Data, sig.Hash,
		nullable(sig.IPAddress), nullable(sig.UserAgent), nullable(sig.GeoLocation),
		nullable(sig.DeviceFingerprint), nullable(sig.BrowserFingerprint),
		sig.ConsentGiven, sig.ConsentTimestamp,
		sig.IntentToSign, sig.IntentTimestamp,
	)
}

func (r *Repository) MarkDeclined(ctx context.Context, q db.DBTX, id, reason string, at time.Time) (Signer, error) {
	return r.transition(ctx, q, id, StatusDeclined, `
UPDATE contract_signers
SET status = 'declined', declined_at = $2, decline_reason = $3, updated_at = $2
WHERE id = $1 AND status IN ('sent', 'viewed', 'in_progress')
RETURNING `+signerColumns, id, at, reason)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RecordReminder increments reminder_count when the signer is still remindable
// and below the cap. It reports false when another caller got there first.
func (r *Repository) RecordReminder(ctx context.Context, q db.DBTX, id string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
UPDATE contract_signers
SET reminder_count = reminder_count + 1, last_reminder_sent = $2, updated_at = $2
WHERE id = $1 AND status IN ('sent', 'viewed') AND reminder_count < $3`, id, at, MaxReminders)
	if err != nil {
		if db.IsInvalidText(err) {
			return false, ErrSignerNotFound
		}
		return false, fmt.Errorf("signer: record reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRemindable returns signers of a contract that can still receive a reminder.
func (r *Repository) ListRemindable(ctx context.Context, q db.DBTX, contractID string) ([]Signer, error) {
	rows, err := q.Query(ctx, `SELECT `+signerColumns+`
FROM contract_signers
WHERE contract_instance_id = $1 AND status IN ('sent', 'viewed') AND reminder_count < $2
ORDER BY signer_order`, contractID, MaxReminders)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signer: list remindable: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signer: list remindable: %w", err)
	}
	return out, nil
}

// ContractsDueForReminder returns contracts with a remindable signer whose last
// contact (reminder, or invitation when none was sent) is at or before cutoff.
func (r *Repository) ContractsDueForReminder(ctx context.Context, q db.DBTX, cutoff time.Time, limit int) ([]string, error) {
	rows, err := q.Query(ctx, `
SELECT DISTINCT contract_instance_id::text
FROM contract_signers
WHERE status IN ('sent', 'viewed')
  AND reminder_count < $2
  AND COALESCE(last_reminder_sent, sent_at) <= $1
LIMIT $3`, cutoff, MaxReminders, limit)
	if err != nil {
		return nil, fmt.Errorf("signer: contracts due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("signer: scan contract id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireDue moves every sent or viewed signer whose code lapsed to expired.
func (r *Repository) ExpireDue(ctx context.Context, q db.DBTX, now time.Time) ([]Signer, error) {
	rows, err := q.Query(ctx, `
UPDATE contract_signers
SET status = 'expired', updated_at = $1
WHERE status IN ('sent', 'viewed') AND access_code_expires <= $1
RETURNING `+signerColumns, now)
	if err != nil {
		return nil, fmt.Errorf("signer: expire due: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("signer: expire due: %w", err)
	}
	return out, nil
}

// VoidContract forces every non-terminal signer of a contract to expired.
func (r *Repository) VoidContract(ctx context.Context, q db.DBTX, contractID string, at time.Time) ([]Signer, error) {
	rows, err := q.Query(ctx, `
UPDATE contract_signers
SET status = 'expired', updated_at = $2
WHERE contract_instance_id = $1 AND status NOT IN ('signed', 'declined', 'expired')
RETURNING `+signerColumns, contractID, at)
	if err != nil {
		return nil, fmt.Errorf("signer: void: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("signer: void: %w", err)
	}
	return out, nil
}
