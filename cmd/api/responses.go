package main

import (
	"time"

	"signflow/completion"
	"signflow/contract"
	"signflow/ordering"
	"signflow/signer"
	"signflow/verification"
)

const timeLayout = time.RFC3339

type signerResponse struct {
	ID                 string  `json:"id"`
	ContractInstanceID string  `json:"contractInstanceId"`
	Type               string  `json:"signerType"`
	Order              int     `json:"signerOrder"`
	UserID             *string `json:"userId,omitempty"`
	Email              string  `json:"email"`
	FullName           string  `json:"fullName"`
	Phone              *string `json:"phone,omitempty"`
	Status             string  `json:"status"`
	SentAt             *string `json:"sentAt,omitempty"`
	ViewedAt           *string `json:"viewedAt,omitempty"`
	SignedAt           *string `json:"signedAt,omitempty"`
	DeclinedAt         *string `json:"declinedAt,omitempty"`
	DeclineReason      *string `json:"declineReason,omitempty"`
	SignatureMethod    string  `json:"signatureMethod,omitempty"`
	SignatureHash      string  `json:"signatureHash,omitempty"`
	AccessCodeExpires  *string `json:"accessCodeExpires,omitempty"`
	ReminderCount      int     `json:"reminderCount"`
	LastReminderSent   *string `json:"lastReminderSent,omitempty"`
	CreatedAt          string  `json:"createdAt"`
}

func toSignerResponse(s signer.Signer) signerResponse {
	resp := signerResponse{
		ID:                 s.ID,
		ContractInstanceID: s.ContractInstanceID,
		Type:               string(s.Type),
		Order:              s.Order,
		UserID:             s.UserID,
		Email:              s.Email,
		FullName:           s.FullName,
		Phone:              s.Phone,
		Status:             string(s.Status),
		SentAt:             formatTime(s.SentAt),
		ViewedAt:           formatTime(s.ViewedAt),
		SignedAt:           formatTime(s.SignedAt),
		DeclinedAt:         formatTime(s.DeclinedAt),
		DeclineReason:      s.DeclineReason,
		AccessCodeExpires:  formatTime(s.AccessCodeExpires),
		ReminderCount:      s.ReminderCount,
		LastReminderSent:   formatTime(s.LastReminderSent),
		CreatedAt:          s.CreatedAt.UTC().Format(timeLayout),
	}
	if s.Signature != nil {
		resp.SignatureMethod = string(s.Signature.Method)
		resp.SignatureHash = s.Signature.Hash
	}
	return resp
}

func toSignerResponses(list []signer.Signer) []signerResponse {
	out := make([]signerResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSignerResponse(s))
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

type viewResponse struct {
	Signer           signerResponse `json:"signer"`
	SessionToken     string         `json:"sessionToken"`
	SessionExpiresAt string         `json:"sessionExpiresAt"`
}

type eligibilityResponse struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	WaitingFor string `json:"waitingFor,omitempty"`
}

func toEligibilityResponse(d ordering.Decision) eligibilityResponse {
	return eligibilityResponse{Allowed: d.Allowed, Reason: d.Reason, WaitingFor: d.WaitingFor}
}

type completionResponse struct {
	Success             bool            `json:"success"`
	AllSignersCompleted bool            `json:"allSignersCompleted"`
	AlreadySigned       bool            `json:"alreadySigned"`
	Signer              signerResponse  `json:"signer"`
	NextSigner          *signerResponse `json:"nextSigner,omitempty"`
}

func toCompletionResponse(res completion.Result) completionResponse {
	resp := completionResponse{
		Success:             res.Success,
		AllSignersCompleted: res.AllSignersCompleted,
		AlreadySigned:       res.AlreadySigned,
		Signer:              toSignerResponse(res.Signer),
	}
	if res.NextSigner != nil {
		next := toSignerResponse(*res.NextSigner)
		resp.NextSigner = &next
	}
	return resp
}

type progressResponse struct {
	Total           int              `json:"total"`
	Signed          int              `json:"signed"`
	Pending         int              `json:"pending"`
	Declined        int              `json:"declined"`
	PercentComplete int              `json:"percentComplete"`
	CurrentSigner   *signerResponse  `json:"currentSigner"`
	NextSigner      *signerResponse  `json:"nextSigner"`
	AllSigners      []signerResponse `json:"allSigners"`
}

func toProgressResponse(p signer.Progress) progressResponse {
	resp := progressResponse{
		Total:           p.Total,
		Signed:          p.Signed,
		Pending:         p.Pending,
		Declined:        p.Declined,
		PercentComplete: p.PercentComplete,
		AllSigners:      toSignerResponses(p.AllSigners),
	}
	if p.CurrentSigner != nil {
		cur := toSignerResponse(*p.CurrentSigner)
		resp.CurrentSigner = &cur
	}
	if p.NextSigner != nil {
		next := toSignerResponse(*p.NextSigner)
		resp.NextSigner = &next
	}
	return resp
}

type verificationResponse struct {
	ID                    string  `json:"id"`
	ContractInstanceID    string  `json:"contractInstanceId"`
	VerifiedByUserID      *string `json:"verifiedByUserId,omitempty"`
	VerificationTimestamp string  `json:"verificationTimestamp"`
	VerificationMethod    string  `json:"verificationMethod"`
	HashAlgorithm         string  `json:"hashAlgorithm"`
	DocumentSize          int64   `json:"documentSize"`
	DocumentHash          string  `json:"documentHash"`
	ExpectedHash          string  `json:"expectedHash"`
	HashesMatch           bool    `json:"hashesMatch"`
	VerificationResult    string  `json:"verificationResult"`
	TamperDetected        bool    `json:"tamperDetected"`
	TamperDetails         *string `json:"tamperDetails,omitempty"`
	CertificateValid      bool    `json:"certificateValid"`
	CertificateExpired    bool    `json:"certificateExpired"`
	SignatureValid        bool    `json:"signatureValid"`
	VerificationNotes     *string `json:"verificationNotes,omitempty"`
}

func toVerificationResponse(l verification.Log) verificationResponse {
	return verificationResponse{
		ID:                    l.ID,
		ContractInstanceID:    l.ContractInstanceID,
		VerifiedByUserID:      l.VerifiedByUserID,
		VerificationTimestamp: l.VerificationTimestamp.UTC().Format(timeLayout),
		VerificationMethod:    string(l.Method),
		HashAlgorithm:         string(l.HashAlgorithm),
		DocumentSize:          l.DocumentSize,
		DocumentHash:          l.DocumentHash,
		ExpectedHash:          l.ExpectedHash,
		HashesMatch:           l.HashesMatch,
		VerificationResult:    string(l.Result),
		TamperDetected:        l.TamperDetected,
		TamperDetails:         l.TamperDetails,
		CertificateValid:      l.CertificateValid,
		CertificateExpired:    l.CertificateExpired,
		SignatureValid:        l.SignatureValid,
		VerificationNotes:     l.Notes,
	}
}

type certificateResponse struct {
	ID                 string  `json:"id"`
	ContractInstanceID string  `json:"contractInstanceId"`
	SignerID           *string `json:"signerId,omitempty"`
	CertificateType    string  `json:"certificateType"`
	CertificateHash    string  `json:"certificateHash"`
	SerialNumber       string  `json:"serialNumber"`
	Issuer             string  `json:"issuer"`
	IssuedAt           string  `json:"issuedAt"`
	ExpiresAt          *string `json:"expiresAt,omitempty"`
	Valid              bool    `json:"valid"`
}

func toCertificateResponse(c contract.Certificate) certificateResponse {
	return certificateResponse{
		ID:                 c.ID,
		ContractInstanceID: c.ContractInstanceID,
		SignerID:           c.SignerID,
		CertificateType:    string(c.Type),
		CertificateHash:    c.Hash,
		SerialNumber:       c.SerialNumber,
		Issuer:             c.Issuer,
		IssuedAt:           c.IssuedAt.UTC().Format(timeLayout),
		ExpiresAt:          formatTime(c.ExpiresAt),
		Valid:              c.Valid,
	}
}

type eventResponse struct {
	ID        int64          `json:"id"`
	SignerID  *string        `json:"signerId,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func toEventResponse(e contract.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		SignerID:  e.SignerID,
		Type:      string(e.Type),
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UTC().Format(timeLayout),
	}
}
