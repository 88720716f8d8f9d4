package verification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signflow/contract"
	"signflow/db"
)

// Store persists verification logs. There is no update or delete.
type Store interface {
	Insert(ctx context.Context, q db.DBTX, l Log) error
	ListByContract(ctx context.Context, q db.DBTX, contractID string) ([]Log, error)
}

// Repository is the Postgres implementation of Store.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const logColumns = `
id::text, contract_instance_id::text, verified_by_user_id, verification_timestamp, verification_method,
hash_algorithm, document_size, document_hash, expected_hash, hashes_match, verification_result,
tamper_detected, tamper_details, certificate_valid, certificate_expired, signature_valid, verification_notes`

func scanLog(row pgx.Row) (Log, error) {
	var (
		l                   Log
		method, alg, result string
	)
	err := row.Scan(
		&l.ID, &l.ContractInstanceID, &l.VerifiedByUserID, &l.VerificationTimestamp, &method,
		&alg, &l.DocumentSize, &l.DocumentHash, &l.ExpectedHash, &l.HashesMatch, &result,
		&l.TamperDetected, &l.TamperDetails, &l.CertificateValid, &l.CertificateExpired, &l.SignatureValid, &l.Notes,
	)
	if err != nil {
		return Log{}, err
	}
	l.Method = Method(method)
	l.HashAlgorithm = Algorithm(alg)
	l.Result = Result(result)
	return l, nil
}

// Insert appends a log row.
func (r *Repository) Insert(ctx context.Context, q db.DBTX, l Log) error {
	const insertSQL = `
INSERT INTO signature_verification_logs (
    id, contract_instance_id, verified_by_user_id, verification_timestamp, verification_method,
    hash_algorithm, document_size, document_hash, expected_hash, hashes_match, verification_result,
    tamper_detected, tamper_details, certificate_valid, certificate_expired, signature_valid, verification_notes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := q.Exec(ctx, insertSQL,
		l.ID, l.ContractInstanceID, l.VerifiedByUserID, l.VerificationTimestamp, string(l.Method),
		string(l.HashAlgorithm), l.DocumentSize, l.DocumentHash, l.ExpectedHash, l.HashesMatch, string(l.Result),
		l.TamperDetected, l.TamperDetails, l.CertificateValid, l.CertificateExpired, l.SignatureValid, l.Notes,
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) || db.IsInvalidText(err) {
			return contract.ErrContractNotFound
		}
		return fmt.Errorf("verification: insert log: %w", err)
	}
	return nil
}

// ListByContract returns the logs of a contract, newest first.
func (r *Repository) ListByContract(ctx context.Context, q db.DBTX, contractID string) ([]Log, error) {
	rows, err := q.Query(ctx, `SELECT `+logColumns+`
FROM signature_verification_logs
WHERE contract_instance_id = $1
ORDER BY verification_timestamp DESC, id`, contractID)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("verification: list logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("verification: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("verification: iterate logs: %w", err)
	}
	return logs, nil
}
