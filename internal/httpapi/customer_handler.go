package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/customer"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
)

// CustomerHandler serves the customer-of-record directory.
type CustomerHandler struct {
	customers domain.CustomerRepository
	logger    *zap.Logger
}

// NewCustomerHandler creates a CustomerHandler.
func NewCustomerHandler(customers domain.CustomerRepository, logger *zap.Logger) *CustomerHandler {
	return &CustomerHandler{customers: customers, logger: logger}
}

// Routes mounts the handler under /api.
func (h *CustomerHandler) Routes(r chi.Router) {
	r.Get("/customers/{id}", h.GetCustomer)
	r.Get("/customers/{id}/validate", h.ValidateCustomer)
}

// GetCustomer returns a customer snapshot.
func (h *CustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.customers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			sendErrorResponse(w, r, http.StatusNotFound, "CUSTOMER_NOT_FOUND", err.Error(), false)
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, envelope{Success: true, Data: c})
}

// ValidateCustomer answers whether a customer may take part in a transaction.
// Unknown customers are a 404 so callers can tell them from outages.
func (h *CustomerHandler) ValidateCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := logging.FromContext(r.Context(), h.logger).With(zap.String("customer_id", id))

	c, err := h.customers.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		log.Info("validation of unknown customer")
		writeValidation(w, http.StatusNotFound, customer.ValidationResponse{Error: "customer not found"})
	case err != nil:
		log.Error("failed to load customer", zap.Error(err))
		writeValidation(w, http.StatusInternalServerError, customer.ValidationResponse{Error: "customer lookup failed"})
	case !c.IsActive:
		writeValidation(w, http.StatusOK, customer.ValidationResponse{Customer: c, Error: "customer is inactive"})
	default:
		writeValidation(w, http.StatusOK, customer.ValidationResponse{IsValid: true, Customer: c})
	}
}

func writeValidation(w http.ResponseWriter, statusCode int, body customer.ValidationResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
