package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/lifecycle"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/projection"
)

// OutcomeResponse is one row of a customer's outcome history.
type OutcomeResponse struct {
	TransactionID  string    `json:"transactionId"`
	CounterpartyID string    `json:"counterpartyId"`
	Direction      string    `json:"direction"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Amount         string    `json:"amount"`
	Reason         string    `json:"reason,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	ProcessedAt    time.Time `json:"processedAt"`
}

// OutcomeHandler serves the projected outcome history.
type OutcomeHandler struct {
	store  projection.OutcomeStore
	logger *zap.Logger
}

// NewOutcomeHandler creates an OutcomeHandler.
func NewOutcomeHandler(store projection.OutcomeStore, logger *zap.Logger) *OutcomeHandler {
	return &OutcomeHandler{store: store, logger: logger}
}

// Routes mounts the handler under /api.
func (h *OutcomeHandler) Routes(r chi.Router) {
	r.Get("/outcomes/user/{userId}", h.ListUserOutcomes)
}

// ListUserOutcomes returns the newest outcomes of a customer.
func (h *OutcomeHandler) ListUserOutcomes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", lifecycle.DefaultPageLimit)
	if err != nil {
		sendErrorResponse(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", false)
		return
	}
	_, limit = lifecycle.NormalizePage(1, limit)

	rows, err := h.store.ListUserOutcomes(r.Context(), chi.URLParam(r, "userId"), limit)
	if err != nil {
		h.logger.Error("failed to list outcomes", zap.Error(err))
		sendErrorResponse(w, r, http.StatusServiceUnavailable, "OUTCOME_STORE_UNAVAILABLE", "outcome history is temporarily unavailable", true)
		return
	}

	items := make([]OutcomeResponse, 0, len(rows))
	for _, o := range rows {
		items = append(items, OutcomeResponse{
			TransactionID:  o.TransactionID,
			CounterpartyID: o.CounterpartyID,
			Direction:      string(o.Direction),
			Type:           o.Type,
			Status:         o.Status,
			Amount:         o.Amount.StringFixed(2),
			Reason:         o.Reason,
			CorrelationID:  o.CorrelationID,
			ProcessedAt:    o.ProcessedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, envelope{Success: true, Data: items})
}
