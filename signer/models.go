package signer

import (
	"fmt"
	"time"
)

// Type identifies the role a signer plays on a contract.
type Type string

const (
	TypeSender     Type = "sender"
	TypeEmployee   Type = "employee"
	TypeManager    Type = "manager"
	TypeHRManager  Type = "hr_manager"
	TypeWitness    Type = "witness"
	TypeThirdParty Type = "third_party"
)

// ParseType validates a raw signer type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	switch t {
	case TypeSender, TypeEmployee, TypeManager, TypeHRManager, TypeWitness, TypeThirdParty:
		return t, nil
	default:
		return "", fmt.Errorf("signer: invalid signer type %q", s)
	}
}

// Method is the way a signature was captured.
type Method string

const (
	MethodDraw               Method = "draw"
	MethodType               Method = "type"
	MethodUpload             Method = "upload"
	MethodDigitalCertificate Method = "digital_certificate"
)

// ParseMethod validates a raw signature method.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	switch m {
	case MethodDraw, MethodType, MethodUpload, MethodDigitalCertificate:
		return m, nil
	default:
		return "", fmt.Errorf("signer: invalid signature method %q", s)
	}
}

// MaxReminders caps how many reminders a single signer can receive.
const MaxReminders = 3

// Signer is one signing party attached to exactly one contract instance.
// It mirrors the contract_signers table.
type Signer struct {
	ID                 string
	ContractInstanceID string
	Type               Type
	Order              int
	UserID             *string
	Email              string
	FullName           string
	Phone              *string
	Status             Status

	SentAt        *time.Time
	ViewedAt      *time.Time
	SignedAt      *time.Time
	DeclinedAt    *time.Time
	DeclineReason *string

	Signature *Signature

	AccessCode        *string
	AccessCodeExpires *time.Time

	ReminderCount    int
	LastReminderSent *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Signature is the payload recorded once a signer completes. Consent and
// intent fields are captured at signing time and never change afterwards.
type Signature struct {
	Method             Method
	Data               []byte
	Hash               string
	IPAddress          string
	UserAgent          string
	GeoLocation        string
	DeviceFingerprint  string
	BrowserFingerprint string
	ConsentGiven       bool
	ConsentTimestamp   *time.Time
	IntentToSign       bool
	IntentTimestamp    *time.Time
}

// NewSigner is the caller-supplied description of a signer to create.
type NewSigner struct {
	Type     Type
	Order    int
	UserID   *string
	Email    string
	FullName string
	Phone    *string
}

// Progress summarises how far a contract has come through its signer set.
type Progress struct {
	Total           int
	Signed          int
	Pending         int
	Declined        int
	PercentComplete int
	CurrentSigner   *Signer
	NextSigner      *Signer
	AllSigners      []Signer
}
