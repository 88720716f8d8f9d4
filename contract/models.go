package contract

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrContractNotFound is returned when no contract instance exists for the identifier.
	ErrContractNotFound = errors.New("contract: not found")
	// ErrContractClosed is returned when a contract already reached a terminal lifecycle state.
	ErrContractClosed = errors.New("contract: contract is closed")
	// ErrCertificateNotFound is returned when no certificate exists for the identifier.
	ErrCertificateNotFound = errors.New("contract: certificate not found")
)

// LifecycleState is the coarse-grained state of a contract instance.
type LifecycleState string

const (
	LifecycleDraft     LifecycleState = "draft"
	LifecycleSent      LifecycleState = "sent"
	LifecycleInSigning LifecycleState = "in_signing"
	LifecycleCompleted LifecycleState = "completed"
	LifecycleDeclined  LifecycleState = "declined"
	LifecycleCancelled LifecycleState = "cancelled"
)

// IsTerminal reports whether the lifecycle can no longer move.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case LifecycleCompleted, LifecycleDeclined, LifecycleCancelled:
		return true
	default:
		return false
	}
}

// AdvancesFrom lists the states a contract may move to target from.
func AdvancesFrom(target LifecycleState) []LifecycleState {
	switch target {
	case LifecycleInSigning:
		return []LifecycleState{LifecycleDraft, LifecycleSent}
	case LifecycleCompleted, LifecycleDeclined, LifecycleCancelled:
		return []LifecycleState{LifecycleDraft, LifecycleSent, LifecycleInSigning}
	default:
		return nil
	}
}

// CanAdvance reports whether from -> to is a legal lifecycle move.
func CanAdvance(from, to LifecycleState) bool {
	for _, s := range AdvancesFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// Instance is the routed document. Only the lifecycle columns are written here;
// everything else belongs to contract management.
type Instance struct {
	ID                        string
	ContractNumber            string
	Title                     string
	RequiresSequentialSigning bool
	LifecycleState            LifecycleState
	Status                    string
	SenderUserID              *string
	CompletedAt               *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// CertificateType names the event a certificate attests.
type CertificateType string

const (
	CertificateSigning      CertificateType = "signing"
	CertificateCompletion   CertificateType = "completion"
	CertificateVerification CertificateType = "verification"
	CertificateTimestamp    CertificateType = "timestamp"
)

// ParseCertificateType validates a raw certificate type.
func ParseCertificateType(s string) (CertificateType, error) {
	t := CertificateType(s)
	switch t {
	case CertificateSigning, CertificateCompletion, CertificateVerification, CertificateTimestamp:
		return t, nil
	default:
		return "", fmt.Errorf("contract: invalid certificate type %q", s)
	}
}

// Certificate is attestation metadata for a signing, completion, verification
// or timestamp event. Rows are append-only except for Valid.
type Certificate struct {
	ID                 string
	ContractInstanceID string
	SignerID           *string
	Type               CertificateType
	Data               []byte
	PublicKey          *string
	Hash               string
	SerialNumber       string
	Issuer             string
	IssuedAt           time.Time
	ExpiresAt          *time.Time
	Valid              bool
	TimestampAuthority *string
	TimestampToken     *string
}

// Expired reports whether the certificate has passed its expiry at now.
func (c Certificate) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// EventType names a signature timeline entry.
type EventType string

const (
	EventSignersCreated     EventType = "SIGNERS_CREATED"
	EventInvitationSent     EventType = "INVITATION_SENT"
	EventDocumentViewed     EventType = "DOCUMENT_VIEWED"
	EventSigningStarted     EventType = "SIGNING_STARTED"
	EventSignatureCompleted EventType = "SIGNATURE_COMPLETED"
	EventSignatureDeclined  EventType = "SIGNATURE_DECLINED"
	EventSignerExpired      EventType = "SIGNER_EXPIRED"
	EventReminderSent       EventType = "REMINDER_SENT"
	EventContractCompleted  EventType = "CONTRACT_COMPLETED"
	EventContractDeclined   EventType = "CONTRACT_DECLINED"
	EventSignersVoided      EventType = "SIGNERS_VOIDED"
)

// Event is one append-only entry of a contract's signature timeline.
type Event struct {
	ID                 int64
	ContractInstanceID string
	SignerID           *string
	Type               EventType
	Payload            map[string]any
	CreatedAt          time.Time
}
