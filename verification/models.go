// Package verification re-checks a signed document against its recorded hash
// and certificate metadata and keeps an append-only log of every pass.
package verification

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest signals a verification request that cannot be evaluated.
var ErrInvalidRequest = errors.New("verification: invalid request")

// Method records what triggered a verification.
type Method string

const (
	MethodManual    Method = "manual"
	MethodAutomatic Method = "automatic"
	MethodScheduled Method = "scheduled"
)

// ParseMethod validates a raw verification method. Empty means manual.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return MethodManual, nil
	}
	m := Method(s)
	switch m {
	case MethodManual, MethodAutomatic, MethodScheduled:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, s)
	}
}

// Result is the verdict of one verification pass.
type Result string

const (
	ResultValid     Result = "valid"
	ResultInvalid   Result = "invalid"
	ResultTampered  Result = "tampered"
	ResultCorrupted Result = "corrupted"
	ResultExpired   Result = "expired"
)

// Log is one row of signature_verification_logs. Rows are never updated.
type Log struct {
	ID                    string
	ContractInstanceID    string
	VerifiedByUserID      *string
	VerificationTimestamp time.Time
	Method                Method
	HashAlgorithm         Algorithm
	DocumentSize          int64
	DocumentHash          string
	ExpectedHash          string
	HashesMatch           bool
	Result                Result
	TamperDetected        bool
	TamperDetails         *string
	CertificateValid      bool
	CertificateExpired    bool
	SignatureValid        bool
	Notes                 *string
}

// Request describes a verification pass.
type Request struct {
	ContractID   string
	Document     []byte
	ExpectedHash string
	Method       Method
	VerifiedBy   *string
	Notes        *string
}
