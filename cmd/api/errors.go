package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"signflow/access"
	"signflow/completion"
	"signflow/contract"
	"signflow/ordering"
	"signflow/signer"
	"signflow/verification"
)

const (
	codeValidationError     = "VALIDATION_ERROR"
	codeUnauthorized        = "UNAUTHORIZED"
	codeSignerNotFound      = "SIGNER_NOT_FOUND"
	codeContractNotFound    = "CONTRACT_NOT_FOUND"
	codeCertificateNotFound = "CERTIFICATE_NOT_FOUND"
	codeAlreadySigned       = "ALREADY_SIGNED"
	codeAlreadyDeclined     = "ALREADY_DECLINED"
	codeOutOfOrder          = "OUT_OF_ORDER"
	codeAccessCodeExpired   = "ACCESS_CODE_EXPIRED"
	codeAccessCodeInvalid   = "ACCESS_CODE_INVALID"
	codeInvalidTransition   = "INVALID_TRANSITION"
	codeContractClosed      = "CONTRACT_CLOSED"
	codeConflict            = "CONFLICT"
	codeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	codeNotFound            = "NOT_FOUND"
	codeInternalError       = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	WaitingFor string `json:"waitingFor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetail(w, status, errorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, status int, detail errorDetail) {
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError maps workflow errors onto the HTTP error envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ooe *ordering.OutOfOrderError
	switch {
	case errors.As(err, &ooe):
		writeErrorDetail(w, http.StatusConflict, errorDetail{
			Code:       codeOutOfOrder,
			Message:    ordering.ReasonWaiting,
			WaitingFor: ooe.WaitingFor,
		})
	case errors.Is(err, signer.ErrSignerNotFound):
		writeError(w, http.StatusNotFound, codeSignerNotFound, "signer not found")
	case errors.Is(err, contract.ErrContractNotFound):
		writeError(w, http.StatusNotFound, codeContractNotFound, "contract not found")
	case errors.Is(err, contract.ErrCertificateNotFound):
		writeError(w, http.StatusNotFound, codeCertificateNotFound, "certificate not found")
	case errors.Is(err, signer.ErrAlreadySigned):
		writeError(w, http.StatusConflict, codeAlreadySigned, "signer has already signed")
	case errors.Is(err, signer.ErrAlreadyDeclined):
		writeError(w, http.StatusConflict, codeAlreadyDeclined, "signer has declined")
	case errors.Is(err, access.ErrAccessCodeExpired):
		writeError(w, http.StatusGone, codeAccessCodeExpired, "access code has expired")
	case errors.Is(err, access.ErrAccessCodeInvalid):
		writeError(w, http.StatusUnauthorized, codeAccessCodeInvalid, "access code is invalid")
	case errors.Is(err, signer.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, contract.ErrContractClosed):
		writeError(w, http.StatusConflict, codeContractClosed, "contract is closed")
	case errors.Is(err, signer.ErrSignersExist):
		writeError(w, http.StatusConflict, codeConflict, "contract already has signers")
	case errors.Is(err, signer.ErrInvalidSigner),
		errors.Is(err, signer.ErrDuplicateOrder),
		errors.Is(err, completion.ErrInvalidPayload),
		errors.Is(err, completion.ErrReasonRequired),
		errors.Is(err, verification.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
