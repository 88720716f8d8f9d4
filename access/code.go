// Package access issues and checks the short-lived credentials that let a
// signer reach their signing session without an account.
package access

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// Alphabet omits 0/O and 1/I. Its 32 symbols map one-to-one onto 5 random bits.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of symbols in an access code.
	CodeLength = 16
	// Validity is how long an issued code stays usable.
	Validity = 7 * 24 * time.Hour
)

var (
	// ErrAccessCodeExpired is returned when a code is presented at or after its expiry.
	ErrAccessCodeExpired = errors.New("access: access code expired")
	// ErrAccessCodeInvalid is returned when a code is missing or does not match.
	ErrAccessCodeInvalid = errors.New("access: access code invalid")
)

// Credential is a freshly issued access code and its expiry.
type Credential struct {
	Code      string
	ExpiresAt time.Time
}

// Issuer generates credentials. The zero value reads crypto/rand and the wall clock.
type Issuer struct {
	Rand io.Reader
	Now  func() time.Time
}

// Issue draws a new code. ExpiresAt is exactly Validity after now.
func (i Issuer) Issue() (Credential, error) {
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	return i.IssueAt(now())
}

// IssueAt draws a new code expiring Validity after issuedAt.
func (i Issuer) IssueAt(issuedAt time.Time) (Credential, error) {
	src := i.Rand
	if src == nil {
		src = rand.Reader
	}

	buf := make([]byte, CodeLength)
	if _, err := io.ReadFull(src, buf); err != nil {
		return Credential{}, fmt.Errorf("access: read random: %w", err)
	}
	for n, b := range buf {
		buf[n] = Alphabet[b&0x1f]
	}
	return Credential{Code: string(buf), ExpiresAt: issuedAt.Add(Validity)}, nil
}

// IssueAccessCode issues a credential from crypto/rand using the wall clock.
func IssueAccessCode() (Credential, error) {
	return Issuer{}.Issue()
}

// ValidCode reports whether code has the shape of an issued access code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !inAlphabet(code[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}

// CheckCode compares a presented code against the stored one in constant time.
// A stored code that has lapsed at now yields ErrAccessCodeExpired even when
// the presented value matches.
func CheckCode(stored *string, expires *time.Time, presented string, now time.Time) error {
	if stored == nil || *stored == "" || presented == "" {
		return ErrAccessCodeInvalid
	}
	if subtle.ConstantTimeCompare([]byte(*stored), []byte(presented)) != 1 {
		return ErrAccessCodeInvalid
	}
	if expires == nil || !now.Before(*expires) {
		return ErrAccessCodeExpired
	}
	return nil
}
