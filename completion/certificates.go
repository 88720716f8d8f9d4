package completion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"signflow/contract"
	"signflow/signer"
)

// signingEvidence is the certificate body of one signature. Field order is
// fixed so the encoding is stable.
type signingEvidence struct {
	ContractID         string    `json:"contract_id"`
	SignerID           string    `json:"signer_id"`
	SignerOrder        int       `json:"signer_order"`
	SignerEmail        string    `json:"signer_email"`
	SignerName         string    `json:"signer_name"`
	Method             string    `json:"method"`
	SignatureHash      string    `json:"signature_hash"`
	IPAddress          string    `json:"ip_address,omitempty"`
	UserAgent          string    `json:"user_agent,omitempty"`
	GeoLocation        string    `json:"geo_location,omitempty"`
	DeviceFingerprint  string    `json:"device_fingerprint,omitempty"`
	BrowserFingerprint string    `json:"browser_fingerprint,omitempty"`
	ConsentTimestamp   time.Time `json:"consent_timestamp"`
	IntentTimestamp    time.Time `json:"intent_timestamp"`
	SignedAt           time.Time `json:"signed_at"`
}

type completionEvidence struct {
	ContractID     string        `json:"contract_id"`
	ContractNumber string        `json:"contract_number"`
	Title          string        `json:"title"`
	CompletedAt    time.Time     `json:"completed_at"`
	Signers        []signedParty `json:"signers"`
}

type signedParty struct {
	SignerID      string    `json:"signer_id"`
	Order         int       `json:"order"`
	Email         string    `json:"email"`
	SignatureHash string    `json:"signature_hash"`
	SignedAt      time.Time `json:"signed_at"`
}

func (c *Coordinator) signingCertificate(s signer.Signer, now time.Time) (contract.Certificate, error) {
	sig := s.Signature
	if sig == nil {
		return contract.Certificate{}, fmt.Errorf("completion: signer %s has no signature", s.ID)
	}
	body, err := json.Marshal(signingEvidence{
		ContractID:         s.ContractInstanceID,
		SignerID:           s.ID,
		SignerOrder:        s.Order,
		SignerEmail:        s.Email,
		SignerName:         s.FullName,
		Method:             string(sig.Method),
		SignatureHash:      sig.Hash,
		IPAddress:          sig.IPAddress,
		UserAgent:          sig.UserAgent,
		GeoLocation:        sig.GeoLocation,
		DeviceFingerprint:  sig.DeviceFingerprint,
		BrowserFingerprint: sig.BrowserFingerprint,
		ConsentTimestamp:   now.UTC(),
		IntentTimestamp:    now.UTC(),
		SignedAt:           now.UTC(),
	})
	if err != nil {
		return contract.Certificate{}, fmt.Errorf("completion: encode signing evidence: %w", err)
	}
	return c.certificate(s.ContractInstanceID, &s.ID, contract.CertificateSigning, body, sig.Hash, now)
}

func (c *Coordinator) completionCertificate(in contract.Instance, all []signer.Signer, now time.Time) (contract.Certificate, error) {
	ev := completionEvidence{
		ContractID:     in.ID,
		ContractNumber: in.ContractNumber,
		Title:          in.Title,
		CompletedAt:    now.UTC(),
		Signers:        make([]signedParty, 0, len(all)),
	}
	for _, s := range all {
		party := signedParty{SignerID: s.ID, Order: s.Order, Email: s.Email}
		if s.Signature != nil {
			party.SignatureHash = s.Signature.Hash
		}
		if s.SignedAt != nil {
			party.SignedAt = s.SignedAt.UTC()
		}
		ev.Signers = append(ev.Signers, party)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return contract.Certificate{}, fmt.Errorf("completion: encode completion evidence: %w", err)
	}
	sum := sha256.Sum256(body)
	return c.certificate(in.ID, nil, contract.CertificateCompletion, body, hex.EncodeToString(sum[:]), now)
}

func (c *Coordinator) certificate(contractID string, signerID *string, typ contract.CertificateType, body []byte, hash string, now time.Time) (contract.Certificate, error) {
	serial, err := serialNumber(c.rand)
	if err != nil {
		return contract.Certificate{}, err
	}
	cert := contract.Certificate{
		ID:                 c.newID(),
		ContractInstanceID: contractID,
		SignerID:           signerID,
		Type:               typ,
		Data:               body,
		Hash:               hash,
		SerialNumber:       serial,
		Issuer:             c.cfg.CertificateIssuer,
		IssuedAt:           now,
		Valid:              true,
	}
	if c.cfg.CertificateValidity > 0 {
		exp := now.Add(c.cfg.CertificateValidity)
		cert.ExpiresAt = &exp
	}
	return cert, nil
}

// serialNumber returns 128 random bits as lowercase hex.
func serialNumber(r io.Reader) (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("completion: serial number: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
