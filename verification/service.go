package verification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"signflow/contract"
	"signflow/db"
	"signflow/metrics"
	"signflow/signer"
)

// Verifier evaluates documents and records the outcome. It reads signer and
// contract state but never writes it.
type Verifier struct {
	conn      db.DBTX
	logs      Store
	signers   signer.Store
	contracts contract.Store
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

func NewVerifier(conn db.DBTX, logs Store, signers signer.Store, contracts contract.Store, logger *slog.Logger) *Verifier {
	if logs == nil {
		logs = NewRepository()
	}
	if signers == nil {
		signers = signer.NewRepository()
	}
	if contracts == nil {
		contracts = contract.NewRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		conn:      conn,
		logs:      logs,
		signers:   signers,
		contracts: contracts,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.With(slog.String("component", "verification")),
	}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// WithIDGenerator overrides log id generation.
func (v *Verifier) WithIDGenerator(fn func() string) *Verifier {
	v.newID = fn
	return v
}

// Verify hashes the document, evaluates the contract's certificates and
// signatures, and appends the verdict to the log. Every verdict, including
// tampered, is a successful call.
func (v *Verifier) Verify(ctx context.Context, req Request) (Log, error) {
	method, err := ParseMethod(string(req.Method))
	if err != nil {
		return Log{}, err
	}
	expected, err := ParseDigest(req.ExpectedHash)
	if err != nil {
		return Log{}, err
	}
	if _, err := v.contracts.Get(ctx, v.conn, req.ContractID); err != nil {
		return Log{}, err
	}

	certs, err := v.contracts.ListCertificates(ctx, v.conn, req.ContractID)
	if err != nil {
		return Log{}, err
	}
	signers, err := v.signers.ListByContract(ctx, v.conn, req.ContractID)
	if err != nil {
		return Log{}, err
	}

	now := v.now()
	computed := Digest{
		Algorithm: expected.Algorithm,
		Hex:       Sum(expected.Algorithm, req.Document),
		Prefixed:  expected.Prefixed,
	}
	l := Log{
		ID:                    v.newID(),
		ContractInstanceID:    req.ContractID,
		VerifiedByUserID:      req.VerifiedBy,
		VerificationTimestamp: now,
		Method:                method,
		HashAlgorithm:         expected.Algorithm,
		DocumentSize:          int64(len(req.Document)),
		DocumentHash:          computed.String(),
		ExpectedHash:          expected.String(),
		CertificateValid:      true,
		SignatureValid:        signaturesValid(signers),
		Notes:                 req.Notes,
	}
	l.HashesMatch = l.DocumentHash == l.ExpectedHash
	for _, c := range certs {
		if !c.Valid {
			l.CertificateValid = false
		}
		if c.Expired(now) {
			l.CertificateExpired = true
		}
	}

	l.Result = verdict(req.Document, l)
	l.TamperDetected = l.Result == ResultTampered
	if l.TamperDetected {
		details := tamperDetails(expected, computed, l.DocumentSize)
		l.TamperDetails = &details
	}

	if err := v.logs.Insert(ctx, v.conn, l); err != nil {
		return Log{}, err
	}
	metrics.Verifications.WithLabelValues(string(l.Result)).Inc()
	if l.Result != ResultValid {
		v.logger.Warn("verification failed",
			slog.String("contract_id", l.ContractInstanceID),
			slog.String("result", string(l.Result)),
			slog.String("algorithm", string(l.HashAlgorithm)))
	}
	return l, nil
}

// verdict applies the result precedence. Empty input is corrupted; otherwise a
// digest mismatch is tampered, and only bytes that match the recorded digest
// but fail the PDF shape check are corrupted. Then expired, invalid, valid.
func verdict(doc []byte, l Log) Result {
	switch {
	case len(doc) == 0:
		return ResultCorrupted
	case !l.HashesMatch:
		return ResultTampered
	case !looksLikePDF(doc):
		return ResultCorrupted
	case l.CertificateExpired:
		return ResultExpired
	case !l.CertificateValid || !l.SignatureValid:
		return ResultInvalid
	default:
		return ResultValid
	}
}

// signaturesValid reports whether every signer signed with a recorded hash.
func signaturesValid(all []signer.Signer) bool {
	if len(all) == 0 {
		return false
	}
	for _, s := range all {
		if s.Status != signer.StatusSigned || s.Signature == nil || s.Signature.Hash == "" {
			return false
		}
	}
	return true
}

func tamperDetails(expected, computed Digest, size int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s digest mismatch over %d document bytes: expected %s, computed %s",
		expected.Algorithm, size, expected.Hex, computed.Hex)
	if at := firstDifference(expected.Hex, computed.Hex); at >= 0 {
		fmt.Fprintf(&b, "; digests diverge at hex offset %d", at)
	}
	return b.String()
}

// History lists the verification logs of a contract, newest first.
func (v *Verifier) History(ctx context.Context, contractID string) ([]Log, error) {
	logs, err := v.logs.ListByContract(ctx, v.conn, contractID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		if _, err := v.contracts.Get(ctx, v.conn, contractID); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

// Certificates lists the certificates issued for a contract.
func (v *Verifier) Certificates(ctx context.Context, contractID string) ([]contract.Certificate, error) {
	certs, err := v.contracts.ListCertificates(ctx, v.conn, contractID)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		if _, err := v.contracts.Get(ctx, v.conn, contractID); err != nil {
			return nil, err
		}
	}
	return certs, nil
}

// RevokeCertificate marks a certificate invalid. Later verifications of its
// contract report invalid.
func (v *Verifier) RevokeCertificate(ctx context.Context, id string) (contract.Certificate, error) {
	c, err := v.contracts.RevokeCertificate(ctx, v.conn, id)
	if err != nil {
		return contract.Certificate{}, err
	}
	v.logger.Info("certificate revoked",
		slog.String("certificate_id", c.ID),
		slog.String("contract_id", c.ContractInstanceID),
		slog.String("serial_number", c.SerialNumber))
	return c, nil
}
