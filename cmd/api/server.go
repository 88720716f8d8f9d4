package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signflow/access"
	"signflow/completion"
	"signflow/contract"
	"signflow/metrics"
	"signflow/ordering"
	"signflow/signer"
	"signflow/verification"
)

// maxDocumentBytes bounds a verify request body.
const maxDocumentBytes = 32 << 20

type signerService interface {
	Get(ctx context.Context, id string) (signer.Signer, error)
	ListByContract(ctx context.Context, contractID string) ([]signer.Signer, error)
	MarkViewed(ctx context.Context, id, code string) (signer.Signer, error)
	MarkInProgress(ctx context.Context, id string) (signer.Signer, error)
	Void(ctx context.Context, contractID string) (int, error)
	Progress(ctx context.Context, contractID string) (signer.Progress, error)
}

type invitationService interface {
	CreateSigners(ctx context.Context, contractID string, in []signer.NewSigner, sequential bool) ([]signer.Signer, error)
	SendInvitation(ctx context.Context, signerID string) (signer.Signer, error)
	SendReminders(ctx context.Context, contractID string) (int, error)
}

type completionService interface {
	ProcessCompletion(ctx context.Context, signerID string, p completion.Payload) (completion.Result, error)
	Decline(ctx context.Context, signerID, reason string) (signer.Signer, error)
}

type eligibilityChecker interface {
	Check(ctx context.Context, signerID string) (ordering.Decision, error)
}

type verificationService interface {
	Verify(ctx context.Context, req verification.Request) (verification.Log, error)
	History(ctx context.Context, contractID string) ([]verification.Log, error)
	Certificates(ctx context.Context, contractID string) ([]contract.Certificate, error)
	RevokeCertificate(ctx context.Context, id string) (contract.Certificate, error)
}

type timelineReader interface {
	Timeline(ctx context.Context, contractID string) ([]contract.Event, error)
}

type sessionIssuer interface {
	Issue(signerID, contractID string) (string, access.Session, error)
	Verify(token string) (access.Session, error)
}

type readinessChecker interface {
	CheckReady(ctx context.Context) error
}

type cacheForgetter interface {
	Forget(id string)
}

type Server struct {
	signerService       signerService
	invitationService   invitationService
	completionService   completionService
	eligibility         eligibilityChecker
	verificationService verificationService
	timeline            timelineReader
	sessions            sessionIssuer
	readiness           readinessChecker
	cache               cacheForgetter
	logger              *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/signers", s.handleCreateSigners)
		r.Route("/signers/{id}", func(r chi.Router) {
			r.Get("/", s.handleSigner)
			r.Post("/invite", s.handleInvite)
			r.Post("/view", s.handleView)
			r.Get("/eligibility", s.handleEligibility)
			r.With(s.requireSession).Post("/begin", s.handleBegin)
			r.With(s.requireSession).Post("/complete", s.handleComplete)
			r.With(s.requireSession).Post("/decline", s.handleDecline)
		})
		r.Route("/contracts/{id}", func(r chi.Router) {
			r.Get("/signers", s.handleContractSigners)
			r.Get("/progress", s.handleProgress)
			r.Get("/timeline", s.handleTimeline)
			r.Post("/reminders", s.handleReminders)
			r.Post("/void", s.handleVoid)
			r.Post("/verify", s.handleVerify)
			r.Get("/verifications", s.handleVerifications)
			r.Get("/certificates", s.handleCertificates)
		})
		r.Post("/certificates/{id}/revoke", s.handleRevokeCertificate)
	})
	return r
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		if err := s.readiness.CheckReady(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type newSignerRequest struct {
	Type     string  `json:"type"`
	Order    int     `json:"order"`
	UserID   *string `json:"userId"`
	Email    string  `json:"email"`
	FullName string  `json:"fullName"`
	Phone    *string `json:"phone"`
}

// UnmarshalJSON also accepts the signerType and signerOrder spellings used by
// the stored signer representation.
func (n *newSignerRequest) UnmarshalJSON(data []byte) error {
	type plain newSignerRequest
	var aux struct {
		plain
		SignerType  *string `json:"signerType"`
		SignerOrder *int    `json:"signerOrder"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*n = newSignerRequest(aux.plain)
	if n.Type == "" && aux.SignerType != nil {
		n.Type = *aux.SignerType
	}
	if n.Order == 0 && aux.SignerOrder != nil {
		n.Order = *aux.SignerOrder
	}
	return nil
}

type createSignersRequest struct {
	ContractInstanceID string             `json:"contractInstanceId"`
	SequentialSigning  bool               `json:"sequentialSigning"`
	Signers            []newSignerRequest `json:"signers"`
}

func (s *Server) handleCreateSigners(w http.ResponseWriter, r *http.Request) {
	var req createSignersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if strings.TrimSpace(req.ContractInstanceID) == "" {
		writeError(w, http.StatusBadRequest, codeValidationError, "contractInstanceId is required")
		return
	}

	in := make([]signer.NewSigner, 0, len(req.Signers))
	for i, ns := range req.Signers {
		typ, err := signer.ParseType(ns.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidationError, fmt.Sprintf("signers[%d]: %v", i, err))
			return
		}
		in = append(in, signer.NewSigner{
			Type:     typ,
			Order:    ns.Order,
			UserID:   ns.UserID,
			Email:    ns.Email,
			FullName: ns.FullName,
			Phone:    ns.Phone,
		})
	}

	created, err := s.invitationService.CreateSigners(r.Context(), req.ContractInstanceID, in, req.SequentialSigning)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"signers": toSignerResponses(created)})
}

func (s *Server) handleSigner(w http.ResponseWriter, r *http.Request) {
	sg, err := s.signerService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSignerResponse(sg))
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	sg, err := s.invitationService.SendInvitation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSignerResponse(sg))
}

type viewRequest struct {
	AccessCode string `json:"accessCode"`
}

// handleView validates an access code and opens a signing session. The code
// may come from the body or from the code query parameter of an invitation link.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
			return
		}
	}
	if req.AccessCode == "" {
		req.AccessCode = r.URL.Query().Get("code")
	}
	if req.AccessCode == "" {
		writeError(w, http.StatusBadRequest, codeValidationError, "accessCode is required")
		return
	}

	sg, err := s.signerService.MarkViewed(r.Context(), chi.URLParam(r, "id"), req.AccessCode)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	token, sess, err := s.sessions.Issue(sg.ID, sg.ContractInstanceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{
		Signer:           toSignerResponse(sg),
		SessionToken:     token,
		SessionExpiresAt: sess.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	sg, err := s.signerService.MarkInProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSignerResponse(sg))
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	d, err := s.eligibility.Check(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityResponse(d))
}

type completeRequest struct {
	SignatureMethod    string `json:"signatureMethod"`
	SignatureData      string `json:"signatureData"`
	SignatureHash      string `json:"signatureHash"`
	IPAddress          string `json:"ipAddress"`
	UserAgent          string `json:"userAgent"`
	GeoLocation        string `json:"geolocation"`
	DeviceFingerprint  string `json:"deviceFingerprint"`
	BrowserFingerprint string `json:"browserFingerprint"`
	// Submitting the signature gives consent and intent. An explicit false
	// withholds them.
	ConsentGiven *bool `json:"consentGiven"`
	IntentToSign *bool `json:"intentToSign"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	method, err := signer.ParseMethod(req.SignatureMethod)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if (req.ConsentGiven != nil && !*req.ConsentGiven) || (req.IntentToSign != nil && !*req.IntentToSign) {
		writeError(w, http.StatusBadRequest, codeValidationError, "consent and intent to sign cannot be withheld")
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	res, err := s.completionService.ProcessCompletion(r.Context(), chi.URLParam(r, "id"), completion.Payload{
		Method:             method,
		Data:               []byte(req.SignatureData),
		Hash:               req.SignatureHash,
		IPAddress:          req.IPAddress,
		UserAgent:          req.UserAgent,
		GeoLocation:        req.GeoLocation,
		DeviceFingerprint:  req.DeviceFingerprint,
		BrowserFingerprint: req.BrowserFingerprint,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionResponse(res))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type declineRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	sg, err := s.completionService.Decline(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSignerResponse(sg))
}

func (s *Server) handleContractSigners(w http.ResponseWriter, r *http.Request) {
	list, err := s.signerService.ListByContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signers": toSignerResponses(list)})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.signerService.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressResponse(p))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.timeline.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	n, err := s.invitationService.SendReminders(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remindersSent": n})
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.signerService.Void(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Forget(id)
	}
	writeJSON(w, http.StatusOK, map[string]int{"signersVoided": n})
}

type verifyRequest struct {
	DocumentBytes []byte  `json:"documentBytes"`
	ExpectedHash  string  `json:"expectedHash"`
	Method        string  `json:"method"`
	VerifiedBy    *string `json:"verifiedByUserId"`
	Notes         *string `json:"notes"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes)
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeValidationError, "document is too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}

	l, err := s.verificationService.Verify(r.Context(), verification.Request{
		ContractID:   chi.URLParam(r, "id"),
		Document:     req.DocumentBytes,
		ExpectedHash: req.ExpectedHash,
		Method:       verification.Method(req.Method),
		VerifiedBy:   req.VerifiedBy,
		Notes:        req.Notes,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationResponse(l))
}

func (s *Server) handleVerifications(w http.ResponseWriter, r *http.Request) {
	logs, err := s.verificationService.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]verificationResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, toVerificationResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"verifications": out})
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.verificationService.Certificates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]certificateResponse, 0, len(certs))
	for _, c := range certs {
		out = append(out, toCertificateResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": out})
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := s.verificationService.RevokeCertificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(c))
}
