package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signflow/access"
	"signflow/completion"
	"signflow/contract"
	"signflow/db"
	"signflow/invitation"
	"signflow/memstore"
	"signflow/notify"
	"signflow/ordering"
	"signflow/signer"
	"signflow/verification"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSignerService struct {
	signer   signer.Signer
	list     []signer.Signer
	progress signer.Progress
	voided   int
	err      error

	viewedWith string
}

func (s *stubSignerService) Get(_ context.Context, _ string) (signer.Signer, error) {
	return s.signer, s.err
}

func (s *stubSignerService) ListByContract(_ context.Context, _ string) ([]signer.Signer, error) {
	return s.list, s.err
}

func (s *stubSignerService) MarkViewed(_ context.Context, _ string, code string) (signer.Signer, error) {
	s.viewedWith = code
	return s.signer, s.err
}

func (s *stubSignerService) MarkInProgress(_ context.Context, _ string) (signer.Signer, error) {
	return s.signer, s.err
}

func (s *stubSignerService) Void(_ context.Context, _ string) (int, error) {
	return s.voided, s.err
}

func (s *stubSignerService) Progress(_ context.Context, _ string) (signer.Progress, error) {
	return s.progress, s.err
}

type stubInvitationService struct {
	created    []signer.Signer
	sequential bool
	received   []signer.NewSigner
	reminders  int
	err        error
}

func (s *stubInvitationService) CreateSigners(_ context.Context, _ string, in []signer.NewSigner, sequential bool) ([]signer.Signer, error) {
	s.received = in
	s.sequential = sequential
	return s.created, s.err
}

func (s *stubInvitationService) SendInvitation(_ context.Context, _ string) (signer.Signer, error) {
	if len(s.created) == 0 {
		return signer.Signer{}, s.err
	}
	return s.created[0], s.err
}

func (s *stubInvitationService) SendReminders(_ context.Context, _ string) (int, error) {
	return s.reminders, s.err
}

type stubCompletionService struct {
	result  completion.Result
	payload completion.Payload
	err     error
}

func (s *stubCompletionService) ProcessCompletion(_ context.Context, _ string, p completion.Payload) (completion.Result, error) {
	s.payload = p
	return s.result, s.err
}

func (s *stubCompletionService) Decline(_ context.Context, _ string, _ string) (signer.Signer, error) {
	return s.result.Signer, s.err
}

type stubVerificationService struct {
	log     verification.Log
	request verification.Request
	err     error
}

func (s *stubVerificationService) Verify(_ context.Context, req verification.Request) (verification.Log, error) {
	s.request = req
	return s.log, s.err
}

func (s *stubVerificationService) History(_ context.Context, _ string) ([]verification.Log, error) {
	return []verification.Log{s.log}, s.err
}

func (s *stubVerificationService) Certificates(_ context.Context, _ string) ([]contract.Certificate, error) {
	return nil, s.err
}

func (s *stubVerificationService) RevokeCertificate(_ context.Context, _ string) (contract.Certificate, error) {
	return contract.Certificate{}, s.err
}

type stubReadiness struct {
	err error
}

func (s stubReadiness) CheckReady(context.Context) error {
	return s.err
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestHandleCreateSigners_Success(t *testing.T) {
	now := time.Date(2024, 10, 31, 15, 4, 5, 0, time.UTC)
	invites := &stubInvitationService{created: []signer.Signer{
		{ID: "s1", ContractInstanceID: "c1", Type: signer.TypeEmployee, Order: 1, Email: "ana@example.com", FullName: "Ana Lopez", Status: signer.StatusSent, CreatedAt: now},
	}}
	server := &Server{invitationService: invites, logger: discardLogger()}

	rec := do(t, server.routes(), http.MethodPost, "/api/signers", "", map[string]any{
		"contractInstanceId": "c1",
		"sequentialSigning":  true,
		"signers": []map[string]any{
			{"signerType": "employee", "signerOrder": 1, "email": "ana@example.com", "fullName": "Ana Lopez"},
		},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !invites.sequential || len(invites.received) != 1 || invites.received[0].Type != signer.TypeEmployee {
		t.Fatalf("unexpected service input: sequential=%v %+v", invites.sequential, invites.received)
	}
	var resp struct {
		Signers []signerResponse `json:"signers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Signers) != 1 || resp.Signers[0].Status != "sent" || resp.Signers[0].CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleCreateSigners_FieldSpellings(t *testing.T) {
	bodies := map[string]map[string]any{
		"type and order":             {"type": "manager", "order": 2, "email": "ben@example.com", "fullName": "Ben Ito"},
		"signerType and signerOrder": {"signerType": "manager", "signerOrder": 2, "email": "ben@example.com", "fullName": "Ben Ito"},
	}
	for name, ns := range bodies {
		t.Run(name, func(t *testing.T) {
			invites := &stubInvitationService{}
			server := &Server{invitationService: invites, logger: discardLogger()}
			rec := do(t, server.routes(), http.MethodPost, "/api/signers", "", map[string]any{
				"contractInstanceId": "c1",
				"signers":            []map[string]any{ns},
			})
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
			}
			if len(invites.received) != 1 || invites.received[0].Type != signer.TypeManager || invites.received[0].Order != 2 {
				t.Fatalf("unexpected service input %+v", invites.received)
			}
		})
	}
}

func TestHandleCreateSigners_Validation(t *testing.T) {
	server := &Server{invitationService: &stubInvitationService{}, logger: discardLogger()}
	h := server.routes()

	cases := map[string]any{
		"missing contract": map[string]any{"signers": []any{}},
		"bad signer type": map[string]any{
			"contractInstanceId": "c1",
			"signers":            []map[string]any{{"signerType": "notary", "email": "a@example.com", "fullName": "A"}},
		},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/signers", "", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec).Code; got != codeValidationError {
				t.Fatalf("expected %s, got %s", codeValidationError, got)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/signers", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestHandleView_IssuesSession(t *testing.T) {
	signers := &stubSignerService{signer: signer.Signer{ID: "s1", ContractInstanceID: "c1", Status: signer.StatusViewed}}
	sessions := access.NewSessions(testSecret, time.Hour)
	server := &Server{signerService: signers, sessions: sessions, logger: discardLogger()}

	rec := do(t, server.routes(), http.MethodPost, "/api/signers/s1/view", "", map[string]string{"accessCode": "ABCD2345"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if signers.viewedWith != "ABCD2345" {
		t.Fatalf("expected code to reach the registry, got %q", signers.viewedWith)
	}
	var resp viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	sess, err := sessions.Verify(resp.SessionToken)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if sess.SignerID != "s1" || sess.ContractID != "c1" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestHandleView_CodeFromQuery(t *testing.T) {
	signers := &stubSignerService{signer: signer.Signer{ID: "s1", ContractInstanceID: "c1"}}
	server := &Server{signerService: signers, sessions: access.NewSessions(testSecret, time.Hour), logger: discardLogger()}

	rec := do(t, server.routes(), http.MethodPost, "/api/signers/s1/view?code=QWER7890", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if signers.viewedWith != "QWER7890" {
		t.Fatalf("expected query code, got %q", signers.viewedWith)
	}

	rec = do(t, server.routes(), http.MethodPost, "/api/signers/s1/view", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code: expected 400, got %d", rec.Code)
	}
}

func TestSessionRequired(t *testing.T) {
	sessions := access.NewSessions(testSecret, time.Hour)
	completions := &stubCompletionService{result: completion.Result{Success: true, Signer: signer.Signer{ID: "s1"}}}
	server := &Server{completionService: completions, sessions: sessions, logger: discardLogger()}
	h := server.routes()

	foreign, _, err := sessions.Issue("s2", "c1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	body := map[string]any{"signatureMethod": "type", "signatureData": "Ana Lopez", "consentGiven": true, "intentToSign": true}

	for name, token := range map[string]string{"missing": "", "garbage": "not-a-token", "other signer": foreign} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/signers/s1/complete", token, body)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if got := decodeError(t, rec).Code; got != codeUnauthorized {
				t.Fatalf("expected %s, got %s", codeUnauthorized, got)
			}
		})
	}

	own, _, err := sessions.Issue("s1", "c1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := do(t, h, http.MethodPost, "/api/signers/s1/complete", own, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if completions.payload.Method != signer.MethodType || string(completions.payload.Data) != "Ana Lopez" {
		t.Fatalf("unexpected payload %+v", completions.payload)
	}
	if completions.payload.IPAddress == "" || completions.payload.UserAgent == "" {
		t.Fatalf("expected client address and agent in payload, got %+v", completions.payload)
	}
}

func TestHandleComplete_Consent(t *testing.T) {
	sessions := access.NewSessions(testSecret, time.Hour)
	completions := &stubCompletionService{result: completion.Result{Success: true}}
	h := (&Server{completionService: completions, sessions: sessions, logger: discardLogger()}).routes()
	token, _, _ := sessions.Issue("s1", "c1")

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"flags omitted", map[string]any{"signatureMethod": "draw", "signatureData": "sig", "geolocation": "52.52,13.40"}, http.StatusOK},
		{"flags given", map[string]any{"signatureMethod": "draw", "signatureData": "sig", "consentGiven": true, "intentToSign": true}, http.StatusOK},
		{"consent withheld", map[string]any{"signatureMethod": "draw", "signatureData": "sig", "consentGiven": false}, http.StatusBadRequest},
		{"intent withheld", map[string]any{"signatureMethod": "draw", "signatureData": "sig", "intentToSign": false}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/signers/s1/complete", token, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleComplete_InvalidMethod(t *testing.T) {
	sessions := access.NewSessions(testSecret, time.Hour)
	server := &Server{completionService: &stubCompletionService{}, sessions: sessions, logger: discardLogger()}
	token, _, _ := sessions.Issue("s1", "c1")

	rec := do(t, server.routes(), http.MethodPost, "/api/signers/s1/complete", token, map[string]any{"signatureMethod": "fingerprint"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWriteServiceError(t *testing.T) {
	server := &Server{logger: discardLogger()}

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{signer.ErrSignerNotFound, http.StatusNotFound, codeSignerNotFound},
		{fmt.Errorf("load: %w", contract.ErrContractNotFound), http.StatusNotFound, codeContractNotFound},
		{contract.ErrCertificateNotFound, http.StatusNotFound, codeCertificateNotFound},
		{signer.ErrAlreadySigned, http.StatusConflict, codeAlreadySigned},
		{signer.ErrAlreadyDeclined, http.StatusConflict, codeAlreadyDeclined},
		{access.ErrAccessCodeExpired, http.StatusGone, codeAccessCodeExpired},
		{access.ErrAccessCodeInvalid, http.StatusUnauthorized, codeAccessCodeInvalid},
		{signer.Transition(signer.StatusPending, signer.StatusSigned), http.StatusConflict, codeInvalidTransition},
		{contract.ErrContractClosed, http.StatusConflict, codeContractClosed},
		{signer.ErrSignersExist, http.StatusConflict, codeConflict},
		{signer.ErrDuplicateOrder, http.StatusBadRequest, codeValidationError},
		{completion.ErrInvalidPayload, http.StatusBadRequest, codeValidationError},
		{completion.ErrReasonRequired, http.StatusBadRequest, codeValidationError},
		{verification.ErrInvalidRequest, http.StatusBadRequest, codeValidationError},
		{errors.New("boom"), http.StatusInternalServerError, codeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/signers/s1/complete", nil)
			rec := httptest.NewRecorder()
			server.writeServiceError(rec, req, tc.err)
			if rec.Code != tc.status {
				t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
			}
			if got := decodeError(t, rec).Code; got != tc.code {
				t.Fatalf("%v: expected %s, got %s", tc.err, tc.code, got)
			}
		})
	}
}

func TestWriteServiceError_OutOfOrder(t *testing.T) {
	server := &Server{logger: discardLogger()}
	req := httptest.NewRequest(http.MethodPost, "/api/signers/s2/complete", nil)
	rec := httptest.NewRecorder()

	server.writeServiceError(rec, req, &ordering.OutOfOrderError{SignerID: "s2", WaitingFor: "Ana Lopez"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Code != codeOutOfOrder || detail.WaitingFor != "Ana Lopez" {
		t.Fatalf("unexpected error detail %+v", detail)
	}
}

func TestHandleVerify(t *testing.T) {
	doc := []byte("%PDF-1.7\n...\n%%EOF\n")
	verifier := &stubVerificationService{log: verification.Log{
		ID:                    "v1",
		ContractInstanceID:    "c1",
		VerificationTimestamp: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
		Method:                verification.MethodManual,
		Result:                verification.ResultValid,
		HashesMatch:           true,
	}}
	server := &Server{verificationService: verifier, logger: discardLogger()}

	rec := do(t, server.routes(), http.MethodPost, "/api/contracts/c1/verify", "", map[string]any{
		"documentBytes": base64.StdEncoding.EncodeToString(doc),
		"expectedHash":  "sha256:abc",
		"method":        "manual",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(verifier.request.Document, doc) || verifier.request.ContractID != "c1" {
		t.Fatalf("document not decoded: %+v", verifier.request)
	}
	var resp verificationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.VerificationResult != "valid" || !resp.HashesMatch {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHandleVoid_ForgetsCache(t *testing.T) {
	cache := &forgetCache{}
	server := &Server{signerService: &stubSignerService{voided: 2}, cache: cache, logger: discardLogger()}

	rec := do(t, server.routes(), http.MethodPost, "/api/contracts/c1/void", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"signersVoided":2`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if len(cache.ids) != 1 || cache.ids[0] != "c1" {
		t.Fatalf("expected cache forget for c1, got %v", cache.ids)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := &Server{readiness: stubReadiness{err: errors.New("db down")}, logger: discardLogger()}
	h := server.routes()

	if rec := do(t, h, http.MethodGet, "/health/live", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready: expected 503, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: expected 404, got %d", rec.Code)
	}
}

type forgetCache struct {
	mu  sync.Mutex
	ids []string
}

func (f *forgetCache) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

type noticeRecorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *noticeRecorder) Send(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// newMemoryServer wires the real workflow services over the in-memory store.
func newMemoryServer(t *testing.T) (*Server, *memstore.Memory) {
	t.Helper()
	mem := memstore.New()
	mem.AddContract(contract.Instance{ID: "contract-1", ContractNumber: "C-001", Title: "Employment agreement"})

	logger := discardLogger()
	rec := &noticeRecorder{}
	cache := contract.NewCache(mem, mem.Contracts(), 16, time.Minute)
	registry := signer.NewRegistry(mem, mem.Signers(), mem.Contracts(), logger)
	invites := invitation.NewDispatcher(mem, mem.Signers(), mem.Contracts(), cache, registry, rec,
		invitation.Config{BaseURL: "https://hr.example.com"}, logger)
	coordinator := completion.NewCoordinator(mem, mem.Signers(), mem.Contracts(), invites, rec,
		completion.Config{}, logger).WithCache(cache)

	return &Server{
		signerService:       registry,
		invitationService:   invites,
		completionService:   coordinator,
		eligibility:         ordering.NewPolicy(mem, mem.Signers(), mem.Contracts()),
		verificationService: verification.NewVerifier(mem, &memoryLogs{}, mem.Signers(), mem.Contracts(), logger),
		timeline:            contractTimeline{q: mem, contracts: mem.Contracts()},
		sessions:            access.NewSessions(testSecret, time.Hour),
		cache:               cache,
		logger:              logger,
	}, mem
}

type memoryLogs struct {
	mu   sync.Mutex
	logs []verification.Log
}

func (m *memoryLogs) Insert(_ context.Context, _ db.DBTX, l verification.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *memoryLogs) ListByContract(_ context.Context, _ db.DBTX, contractID string) ([]verification.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []verification.Log
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].ContractInstanceID == contractID {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

func signAs(t *testing.T, h http.Handler, mem *memstore.Memory, id string) completionResponse {
	t.Helper()
	code := mem.Signer(id).AccessCode
	if code == nil {
		t.Fatalf("signer %s has no access code", id)
	}
	rec := do(t, h, http.MethodPost, "/api/signers/"+id+"/view", "", map[string]string{"accessCode": *code})
	if rec.Code != http.StatusOK {
		t.Fatalf("view %s: %d %s", id, rec.Code, rec.Body.String())
	}
	var view viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if rec := do(t, h, http.MethodPost, "/api/signers/"+id+"/begin", view.SessionToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("begin %s: %d %s", id, rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/signers/"+id+"/complete", view.SessionToken, map[string]any{
		"signatureMethod": "draw",
		"signatureData":   "data:image/png;base64,iVBORw0KGgo=",
		"ipAddress":       "203.0.113.7",
		"userAgent":       "Mozilla/5.0",
		"geolocation":     "40.41,-3.70",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete %s: %d %s", id, rec.Code, rec.Body.String())
	}
	var resp completionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	return resp
}

func TestSequentialSigningOverHTTP(t *testing.T) {
	server, mem := newMemoryServer(t)
	h := server.routes()

	rec := do(t, h, http.MethodPost, "/api/signers", "", map[string]any{
		"contractInstanceId": "contract-1",
		"sequentialSigning":  true,
		"signers": []map[string]any{
			{"type": "employee", "order": 1, "email": "ana@example.com", "fullName": "Ana Lopez"},
			{"type": "manager", "order": 2, "email": "ben@example.com", "fullName": "Ben Ito"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Signers []signerResponse `json:"signers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if len(created.Signers) != 2 {
		t.Fatalf("expected 2 signers, got %d", len(created.Signers))
	}
	first, second := created.Signers[0].ID, created.Signers[1].ID

	rec = do(t, h, http.MethodGet, "/api/signers/"+second+"/eligibility", "", nil)
	var elig eligibilityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &elig); err != nil {
		t.Fatalf("decode eligibility: %v", err)
	}
	if elig.Allowed || elig.WaitingFor != "Ana Lopez" {
		t.Fatalf("expected second signer to wait for Ana Lopez, got %+v", elig)
	}

	res := signAs(t, h, mem, first)
	if res.AllSignersCompleted || res.NextSigner == nil || res.NextSigner.ID != second {
		t.Fatalf("unexpected first completion %+v", res)
	}

	res = signAs(t, h, mem, second)
	if !res.AllSignersCompleted {
		t.Fatalf("expected contract completion, got %+v", res)
	}

	rec = do(t, h, http.MethodGet, "/api/contracts/contract-1/progress", "", nil)
	var progress progressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if progress.Signed != 2 || progress.PercentComplete != 100 {
		t.Fatalf("unexpected progress %+v", progress)
	}

	if got := len(mem.Events("contract-1", contract.EventContractCompleted)); got != 1 {
		t.Fatalf("expected one CONTRACT_COMPLETED event, got %d", got)
	}
	rec = do(t, h, http.MethodGet, "/api/contracts/contract-1/timeline", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "CONTRACT_COMPLETED") {
		t.Fatalf("timeline missing completion: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/api/contracts/contract-1/certificates", "", nil)
	var certs struct {
		Certificates []certificateResponse `json:"certificates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &certs); err != nil {
		t.Fatalf("decode certificates: %v", err)
	}
	if len(certs.Certificates) != 3 {
		t.Fatalf("expected 2 signing and 1 completion certificate, got %d", len(certs.Certificates))
	}
}

func TestWrongAccessCodeOverHTTP(t *testing.T) {
	server, mem := newMemoryServer(t)
	h := server.routes()

	created, err := server.invitationService.CreateSigners(context.Background(), "contract-1", []signer.NewSigner{
		{Type: signer.TypeEmployee, Order: 1, Email: "ana@example.com", FullName: "Ana Lopez"},
	}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created[0].ID

	rec := do(t, h, http.MethodPost, "/api/signers/"+id+"/view", "", map[string]string{"accessCode": "WRONG234"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != codeAccessCodeInvalid {
		t.Fatalf("expected %s, got %s", codeAccessCodeInvalid, got)
	}
	if got := mem.Signer(id).Status; got != signer.StatusSent {
		t.Fatalf("expected signer to stay sent, got %s", got)
	}
}
