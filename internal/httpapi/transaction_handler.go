package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/lifecycle"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
)

// TransactionService is the part of the lifecycle engine served over HTTP.
type TransactionService interface {
	Admit(ctx context.Context, req domain.CreateRequest) (*lifecycle.AdmissionResult, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListUserTransactions(ctx context.Context, userID string, page, limit int) (*lifecycle.Page, error)
}

// AccountReader exposes account balances.
type AccountReader interface {
	GetByUserID(ctx context.Context, userID string) (*domain.Account, error)
}

// CreateTransactionRequest is the body of POST /api/transactions.
// Amount accepts a JSON number or string in major units.
type CreateTransactionRequest struct {
	FromUserID        string          `json:"fromUserId"`
	ToUserID          string          `json:"toUserId"`
	Amount            decimal.Decimal `json:"amount"`
	Type              string          `json:"type"`
	Description       string          `json:"description,omitempty"`
	ExternalReference string          `json:"externalReference,omitempty"`
}

// TransactionResponse is the public view of a transaction.
type TransactionResponse struct {
	ID                string     `json:"id"`
	FromUserID        string     `json:"fromUserId"`
	ToUserID          string     `json:"toUserId"`
	Amount            string     `json:"amount"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	Description       string     `json:"description,omitempty"`
	ExternalReference string     `json:"externalReference,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	CorrelationID     string     `json:"correlationId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
}

// AccountResponse is the public view of an account balance.
type AccountResponse struct {
	UserID    string    `json:"userId"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toTransactionResponse(tx *domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:                tx.ID,
		FromUserID:        tx.FromUserID,
		ToUserID:          tx.ToUserID,
		Amount:            tx.Amount.String(),
		Type:              string(tx.Type),
		Status:            string(tx.Status),
		Description:       tx.Description,
		ExternalReference: tx.ExternalReference,
		FailureReason:     tx.FailureReason,
		CorrelationID:     tx.CorrelationID,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
		ProcessedAt:       tx.ProcessedAt,
	}
}

// TransactionHandler serves the transaction API.
type TransactionHandler struct {
	service  TransactionService
	accounts AccountReader
	logger   *zap.Logger
}

// NewTransactionHandler creates a TransactionHandler. accounts may be nil.
func NewTransactionHandler(service TransactionService, accounts AccountReader, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{service: service, accounts: accounts, logger: logger}
}

// Routes mounts the handler under /api.
func (h *TransactionHandler) Routes(r chi.Router) {
	r.Post("/transactions", h.CreateTransaction)
	r.Get("/transactions/{id}", h.GetTransaction)
	r.Get("/transactions/user/{userId}", h.ListUserTransactions)
	if h.accounts != nil {
		r.Get("/accounts/{userId}", h.GetAccount)
	}
}

// CreateTransaction admits a new transaction.
func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var body CreateTransactionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		sendErrorResponse(w, r, http.StatusBadRequest, "INVALID_REQUEST", "failed to parse request body: "+err.Error(), false)
		return
	}

	amount, err := domain.ParseAmount(body.Amount)
	if err != nil {
		sendErrorResponse(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), false)
		return
	}
	txType, err := domain.ParseTransactionType(body.Type)
	if err != nil {
		sendErrorResponse(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), false)
		return
	}

	result, err := h.service.Admit(r.Context(), domain.CreateRequest{
		FromUserID:        body.FromUserID,
		ToUserID:          body.ToUserID,
		Amount:            amount,
		Type:              txType,
		Description:       body.Description,
		ExternalReference: body.ExternalReference,
	})
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Info("transaction rejected", zap.Error(err))
		writeDomainError(w, r, h.logger, err)
		return
	}

	statusCode, message := http.StatusCreated, "Transaction created successfully"
	if result.Replayed {
		statusCode, message = http.StatusOK, "Transaction already exists for external reference"
	}
	writeJSON(w, r, statusCode, envelope{
		Success: true,
		Data:    toTransactionResponse(result.Transaction),
		Message: message,
	})
}

// GetTransaction returns one transaction.
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, envelope{Success: true, Data: toTransactionResponse(tx)})
}

// ListUserTransactions returns a page of the user's transactions.
func (h *TransactionHandler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		sendErrorResponse(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "page must be an integer", false)
		return
	}
	limit, err := queryInt(r, "limit", lifecycle.DefaultPageLimit)
	if err != nil {
		sendErrorResponse(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", false)
		return
	}

	result, err := h.service.ListUserTransactions(r.Context(), chi.URLParam(r, "userId"), page, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	items := make([]TransactionResponse, 0, len(result.Items))
	for _, tx := range result.Items {
		items = append(items, toTransactionResponse(tx))
	}
	writeJSON(w, r, http.StatusOK, envelope{
		Success:    true,
		Data:       items,
		Pagination: &pagination{Page: result.Page, Limit: result.Limit, Total: result.Total},
	})
}

// GetAccount returns the user's balance.
func (h *TransactionHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetByUserID(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, envelope{
		Success: true,
		Data: AccountResponse{
			UserID:    account.UserID,
			Balance:   account.Balance.String(),
			UpdatedAt: account.UpdatedAt,
		},
	})
}

func queryInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
