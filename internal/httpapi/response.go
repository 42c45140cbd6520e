package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success       bool        `json:"success"`
	Data          any         `json:"data,omitempty"`
	Message       string      `json:"message,omitempty"`
	Pagination    *pagination `json:"pagination,omitempty"`
	Error         *apiError   `json:"error,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, body envelope) {
	body.CorrelationID = correlation.FromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func sendErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, retryable bool) {
	writeJSON(w, r, statusCode, envelope{
		Error: &apiError{Code: code, Message: message, Retryable: retryable},
	})
}

// writeDomainError converts domain errors to HTTP responses
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		sendErrorResponse(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), false)
	case errors.Is(err, domain.ErrCustomerInactive):
		sendErrorResponse(w, r, http.StatusUnprocessableEntity, "CUSTOMER_INACTIVE", err.Error(), false)
	case errors.Is(err, domain.ErrCustomerNotFound):
		sendErrorResponse(w, r, http.StatusUnprocessableEntity, "CUSTOMER_NOT_FOUND", err.Error(), false)
	case errors.Is(err, domain.ErrCustomerUnresolvable):
		sendErrorResponse(w, r, http.StatusServiceUnavailable, "CUSTOMER_SERVICE_UNAVAILABLE", "customer validation is temporarily unavailable", true)
	case errors.Is(err, domain.ErrTransactionNotFound):
		sendErrorResponse(w, r, http.StatusNotFound, "TRANSACTION_NOT_FOUND", err.Error(), false)
	case errors.Is(err, domain.ErrAccountNotFound):
		sendErrorResponse(w, r, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error(), false)
	case errors.Is(err, domain.ErrPersistence):
		logger.Error("persistence failure", zap.String("correlation_id", correlation.FromContext(r.Context())), zap.Error(err))
		sendErrorResponse(w, r, http.StatusInternalServerError, "PERSISTENCE_ERROR", "transaction store is unavailable", true)
	default:
		logger.Error("unhandled error", zap.String("correlation_id", correlation.FromContext(r.Context())), zap.Error(err))
		sendErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", false)
	}
}
