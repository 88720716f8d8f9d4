package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSessionInvalid signals a missing, malformed, expired or foreign session token.
var ErrSessionInvalid = errors.New("access: invalid signing session")

// DefaultSessionTTL bounds a signing session opened by presenting an access code.
const DefaultSessionTTL = 2 * time.Hour

// Session identifies the signer a token was issued to.
type Session struct {
	SignerID   string
	ContractID string
	ExpiresAt  time.Time
}

type sessionClaims struct {
	SignerID   string `json:"signer_id"`
	ContractID string `json:"contract_id"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 signing-session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions builds a session issuer. A non-positive ttl uses DefaultSessionTTL.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock overrides the clock used for issuing and validating tokens.
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Issue signs a token bound to one signer of one contract.
func (s *Sessions) Issue(signerID, contractID string) (string, Session, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		SignerID:   signerID,
		ContractID: contractID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   signerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("access: sign session: %w", err)
	}
	return signed, Session{SignerID: signerID, ContractID: contractID, ExpiresAt: exp.Truncate(time.Second)}, nil
}

// Verify parses a token and returns the session it carries.
func (s *Sessions) Verify(tokenString string) (Session, error) {
	if tokenString == "" {
		return Session{}, ErrSessionInvalid
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if !token.Valid || claims.SignerID == "" || claims.ContractID == "" {
		return Session{}, ErrSessionInvalid
	}

	sess := Session{SignerID: claims.SignerID, ContractID: claims.ContractID}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}
