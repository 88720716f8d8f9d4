package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signflow/db"
)

const certificateColumns = `
id::text, contract_instance_id::text, signer_id::text, certificate_type, certificate_data,
public_key, certificate_hash, serial_number, issuer, issued_at, expires_at, valid,
timestamp_authority, timestamp_token`

func scanCertificate(row pgx.Row) (Certificate, error) {
	var (
		c   Certificate
		typ string
	)
	err := row.Scan(
		&c.ID, &c.ContractInstanceID, &c.SignerID, &typ, &c.Data,
		&c.PublicKey, &c.Hash, &c.SerialNumber, &c.Issuer, &c.IssuedAt, &c.ExpiresAt, &c.Valid,
		&c.TimestampAuthority, &c.TimestampToken,
	)
	if err != nil {
		return Certificate{}, err
	}
	c.Type = CertificateType(typ)
	return c, nil
}

// InsertCertificate appends a certificate row.
func (r *Repository) InsertCertificate(ctx context.Context, q db.DBTX, c Certificate) error {
	const insertSQL = `
INSERT INTO contract_certificates (
    id, contract_instance_id, signer_id, certificate_type, certificate_data, public_key,
    certificate_hash, serial_number, issuer, issued_at, expires_at, valid,
    timestamp_authority, timestamp_token
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := q.Exec(ctx, insertSQL,
		c.ID, c.ContractInstanceID, c.SignerID, string(c.Type), c.Data, c.PublicKey,
		c.Hash, c.SerialNumber, c.Issuer, c.IssuedAt, c.ExpiresAt, c.Valid,
		c.TimestampAuthority, c.TimestampToken,
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) || db.IsInvalidText(err) {
			return ErrContractNotFound
		}
		return fmt.Errorf("contract: insert certificate: %w", err)
	}
	return nil
}

// ListCertificates returns every certificate issued for a contract, oldest first.
func (r *Repository) ListCertificates(ctx context.Context, q db.DBTX, contractID string) ([]Certificate, error) {
	rows, err := q.Query(ctx, `SELECT `+certificateColumns+`
FROM contract_certificates
WHERE contract_instance_id = $1
ORDER BY issued_at, serial_number`, contractID)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: list certificates: %w", err)
	}
	defer rows.Close()

	var certs []Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if err := rows.Err(); err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: iterate certificates: %w", err)
	}
	return certs, nil
}

// RevokeCertificate flips valid to false. Revoking twice is a no-op.
func (r *Repository) RevokeCertificate(ctx context.Context, q db.DBTX, id string) (Certificate, error) {
	c, err := scanCertificate(q.QueryRow(ctx, `
UPDATE contract_certificates SET valid = FALSE
WHERE id = $1
RETURNING `+certificateColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidText(err) {
			return Certificate{}, ErrCertificateNotFound
		}
		return Certificate{}, fmt.Errorf("contract: revoke certificate: %w", err)
	}
	return c, nil
}
