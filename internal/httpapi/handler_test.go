package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/db"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/httpapi"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/lifecycle"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/projection"
)

// mockTransactionService implements httpapi.TransactionService for testing
type mockTransactionService struct {
	admitFunc func(ctx context.Context, req domain.CreateRequest) (*lifecycle.AdmissionResult, error)
	getFunc   func(ctx context.Context, id string) (*domain.Transaction, error)
	listFunc  func(ctx context.Context, userID string, page, limit int) (*lifecycle.Page, error)
}

func (m *mockTransactionService) Admit(ctx context.Context, req domain.CreateRequest) (*lifecycle.AdmissionResult, error) {
	if m.admitFunc != nil {
		return m.admitFunc(ctx, req)
	}
	tx := domain.NewTransaction(req, correlation.FromContext(ctx), time.Now().UTC())
	return &lifecycle.AdmissionResult{Transaction: tx}, nil
}

func (m *mockTransactionService) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, domain.ErrTransactionNotFound
}

func (m *mockTransactionService) ListUserTransactions(ctx context.Context, userID string, page, limit int) (*lifecycle.Page, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, userID, page, limit)
	}
	return &lifecycle.Page{Items: []*domain.Transaction{}, Page: page, Limit: limit}, nil
}

type responseBody struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data"`
	Message       string          `json:"message"`
	CorrelationID string          `json:"correlationId"`
	Pagination    *struct {
		Page  int `json:"page"`
		Limit int `json:"limit"`
		Total int `json:"total"`
	} `json:"pagination"`
	Error *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func newServer(service httpapi.TransactionService, accounts httpapi.AccountReader) http.Handler {
	return httpapi.NewRouter(httpapi.RouterOptions{Logger: zap.NewNop(), ServiceName: "transaction-service"},
		httpapi.NewTransactionHandler(service, accounts, zap.NewNop()))
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, responseBody) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp responseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestCreateTransaction_Success(t *testing.T) {
	var got domain.CreateRequest
	service := &mockTransactionService{
		admitFunc: func(ctx context.Context, req domain.CreateRequest) (*lifecycle.AdmissionResult, error) {
			got = req
			if id := correlation.FromContext(ctx); id != "abc-123" {
				t.Errorf("expected correlation id abc-123 in context, got %q", id)
			}
			return &lifecycle.AdmissionResult{Transaction: domain.NewTransaction(req, "abc-123", time.Now().UTC())}, nil
		},
	}

	body := `{"fromUserId":"u1","toUserId":"u2","amount":100.5,"type":"transfer","description":"rent"}`
	rec, resp := do(t, newServer(service, nil), http.MethodPost, "/api/transactions", body,
		map[string]string{correlation.HeaderName: "abc-123"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(correlation.HeaderName) != "abc-123" {
		t.Errorf("expected correlation header echoed, got %q", rec.Header().Get(correlation.HeaderName))
	}
	if !resp.Success || resp.CorrelationID != "abc-123" || resp.Message == "" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if got.Amount != 10050 || got.Type != domain.TransactionTypeTransfer || got.Description != "rent" {
		t.Errorf("unexpected request passed to service: %+v", got)
	}

	var data httpapi.TransactionResponse
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if data.Status != "pending" || data.Amount != "100.50" {
		t.Errorf("unexpected transaction response: %+v", data)
	}
}

func TestCreateTransaction_GeneratesCorrelationID(t *testing.T) {
	rec, resp := do(t, newServer(&mockTransactionService{}, nil), http.MethodPost, "/api/transactions",
		`{"fromUserId":"u1","toUserId":"u2","amount":"5","type":"deposit"}`, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	header := rec.Header().Get(correlation.HeaderName)
	if header == "" || resp.CorrelationID != header {
		t.Errorf("expected generated correlation id in header and body, got %q / %q", header, resp.CorrelationID)
	}
}

func TestCreateTransaction_Replay(t *testing.T) {
	service := &mockTransactionService{
		admitFunc: func(ctx context.Context, req domain.CreateRequest) (*lifecycle.AdmissionResult, error) {
			return &lifecycle.AdmissionResult{Transaction: domain.NewTransaction(req, "", time.Now()), Replayed: true}, nil
		},
	}
	rec, _ := do(t, newServer(service, nil), http.MethodPost, "/api/transactions",
		`{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"transfer","externalReference":"order-1"}`, nil)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for replayed admission, got %d", rec.Code)
	}
}

func TestCreateTransaction_Errors(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		admitErr      error
		wantStatus    int
		wantCode      string
		wantRetryable bool
	}{
		{name: "malformed json", body: `{"fromUserId":`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "unknown field", body: `{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"transfer","currency":"RUB"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "negative amount", body: `{"fromUserId":"u1","toUserId":"u2","amount":-5,"type":"transfer"}`, wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{name: "too many decimals", body: `{"fromUserId":"u1","toUserId":"u2","amount":"1.001","type":"transfer"}`, wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{name: "unknown type", body: `{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"refund"}`, wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{
			name:       "same party",
			body:       `{"fromUserId":"u1","toUserId":"u1","amount":1,"type":"transfer"}`,
			admitErr:   fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrSameParty),
			wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR",
		},
		{
			name:       "inactive customer",
			body:       `{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"transfer"}`,
			admitErr:   domain.ErrCustomerInactive,
			wantStatus: http.StatusUnprocessableEntity, wantCode: "CUSTOMER_INACTIVE",
		},
		{
			name:       "unknown customer",
			body:       `{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"transfer"}`,
			admitErr:   domain.ErrCustomerNotFound,
			wantStatus: http.StatusUnprocessableEntity, wantCode: "CUSTOMER_NOT_FOUND",
		},
		{
			name:       "customer service unavailable",
			body:       `{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"transfer"}`,
			admitErr:   fmt.Errorf("%w: timeout", domain.ErrCustomerUnresolvable),
			wantStatus: http.StatusServiceUnavailable, wantCode: "CUSTOMER_SERVICE_UNAVAILABLE", wantRetryable: true,
		},
		{
			name:       "store unavailable",
			body:       `{"fromUserId":"u1","toUserId":"u2","amount":1,"type":"transfer"}`,
			admitErr:   fmt.Errorf("%w: connection refused", domain.ErrPersistence),
			wantStatus: http.StatusInternalServerError, wantCode: "PERSISTENCE_ERROR", wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockTransactionService{
				admitFunc: func(ctx context.Context, req domain.CreateRequest) (*lifecycle.AdmissionResult, error) {
					if tt.admitErr == nil {
						t.Fatal("service must not be called")
					}
					return nil, tt.admitErr
				},
			}

			rec, resp := do(t, newServer(service, nil), http.MethodPost, "/api/transactions", tt.body,
				map[string]string{correlation.HeaderName: "corr-1"})

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if resp.Success || resp.Error == nil {
				t.Fatalf("expected error envelope, got %+v", resp)
			}
			if resp.Error.Code != tt.wantCode || resp.Error.Retryable != tt.wantRetryable {
				t.Errorf("expected %s retryable=%v, got %+v", tt.wantCode, tt.wantRetryable, resp.Error)
			}
			if resp.CorrelationID != "corr-1" {
				t.Errorf("expected correlation id on error, got %q", resp.CorrelationID)
			}
		})
	}
}

func TestGetTransaction(t *testing.T) {
	tx := domain.NewTransaction(domain.CreateRequest{FromUserID: "u1", ToUserID: "u2", Amount: 100, Type: domain.TransactionTypeTransfer}, "c", time.Now())
	service := &mockTransactionService{
		getFunc: func(ctx context.Context, id string) (*domain.Transaction, error) {
			if id == tx.ID {
				return tx, nil
			}
			return nil, domain.ErrTransactionNotFound
		},
	}
	h := newServer(service, nil)

	rec, resp := do(t, h, http.MethodGet, "/api/transactions/"+tx.ID, "", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec, resp = do(t, h, http.MethodGet, "/api/transactions/missing", "", nil)
	if rec.Code != http.StatusNotFound || resp.Error.Code != "TRANSACTION_NOT_FOUND" {
		t.Errorf("expected 404 TRANSACTION_NOT_FOUND, got %d %+v", rec.Code, resp.Error)
	}
}

func TestListUserTransactions_Pagination(t *testing.T) {
	service := &mockTransactionService{
		listFunc: func(ctx context.Context, userID string, page, limit int) (*lifecycle.Page, error) {
			if userID != "u1" || page != 2 || limit != 10 {
				t.Errorf("unexpected query: %s %d %d", userID, page, limit)
			}
			items := make([]*domain.Transaction, 10)
			for i := range items {
				items[i] = domain.NewTransaction(domain.CreateRequest{FromUserID: "u1", ToUserID: "u2", Amount: 1, Type: domain.TransactionTypeTransfer}, "", time.Now())
			}
			return &lifecycle.Page{Items: items, Page: page, Limit: limit, Total: 25}, nil
		},
	}

	rec, resp := do(t, newServer(service, nil), http.MethodGet, "/api/transactions/user/u1?page=2&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []httpapi.TransactionResponse
	if err := json.Unmarshal(resp.Data, &items); err != nil {
		t.Fatalf("failed to decode items: %v", err)
	}
	if len(items) != 10 {
		t.Errorf("expected 10 items, got %d", len(items))
	}
	if resp.Pagination == nil || resp.Pagination.Total != 25 || resp.Pagination.Page != 2 || resp.Pagination.Limit != 10 {
		t.Errorf("unexpected pagination: %+v", resp.Pagination)
	}
}

func TestListUserTransactions_BadQuery(t *testing.T) {
	rec, _ := do(t, newServer(&mockTransactionService{}, nil), http.MethodGet, "/api/transactions/user/u1?page=two", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetAccount(t *testing.T) {
	store := db.NewMemoryStore()
	store.SeedAccount("u1", 12345)
	h := newServer(&mockTransactionService{}, store)

	rec, resp := do(t, h, http.MethodGet, "/api/accounts/u1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var account httpapi.AccountResponse
	json.Unmarshal(resp.Data, &account)
	if account.Balance != "123.45" {
		t.Errorf("expected balance 123.45, got %s", account.Balance)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/accounts/nobody", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec, resp := do(t, newServer(&mockTransactionService{}, nil), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Errorf("expected healthy response, got %d", rec.Code)
	}
}

func TestValidateCustomer(t *testing.T) {
	store := db.NewMemoryStore()
	customers := store.Customers()
	customers.Upsert(context.Background(), &domain.CustomerSnapshot{ID: "active", Name: "Ann", IsActive: true})
	customers.Upsert(context.Background(), &domain.CustomerSnapshot{ID: "dormant", Name: "Bob", IsActive: false})

	h := httpapi.NewRouter(httpapi.RouterOptions{ServiceName: "customer-service"},
		httpapi.NewCustomerHandler(customers, zap.NewNop()))

	tests := []struct {
		id         string
		wantStatus int
		wantValid  bool
	}{
		{id: "active", wantStatus: http.StatusOK, wantValid: true},
		{id: "dormant", wantStatus: http.StatusOK, wantValid: false},
		{id: "ghost", wantStatus: http.StatusNotFound, wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/customers/"+tt.id+"/validate", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var body struct {
				IsValid  bool                     `json:"isValid"`
				Customer *domain.CustomerSnapshot `json:"customer"`
			}
			json.NewDecoder(rec.Body).Decode(&body)
			if body.IsValid != tt.wantValid {
				t.Errorf("expected isValid=%v, got %v", tt.wantValid, body.IsValid)
			}
		})
	}
}

type failingCustomers struct{}

func (failingCustomers) GetByID(ctx context.Context, id string) (*domain.CustomerSnapshot, error) {
	return nil, errors.New("database is down")
}

func TestValidateCustomer_LookupFailureIsServerError(t *testing.T) {
	h := httpapi.NewRouter(httpapi.RouterOptions{}, httpapi.NewCustomerHandler(failingCustomers{}, zap.NewNop()))

	req := httptest.NewRequest(http.MethodGet, "/api/customers/x/validate", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so the client treats it as unresolvable, got %d", rec.Code)
	}
}

func TestListUserOutcomes(t *testing.T) {
	store := projection.NewMemoryStore()
	store.InsertOutcomes(context.Background(), []projection.Outcome{
		{TransactionID: "tx-1", UserID: "u1", CounterpartyID: "u2", Direction: projection.Debit, Type: "transfer", Status: "completed", Amount: decimal.RequireFromString("10.5"), ProcessedAt: time.Now()},
		{TransactionID: "tx-2", UserID: "u2", CounterpartyID: "u1", Direction: projection.Credit, Type: "transfer", Status: "completed", Amount: decimal.RequireFromString("10.5"), ProcessedAt: time.Now()},
	})
	h := httpapi.NewRouter(httpapi.RouterOptions{}, httpapi.NewOutcomeHandler(store, zap.NewNop()))

	rec, resp := do(t, h, http.MethodGet, "/api/outcomes/user/u1?limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []httpapi.OutcomeResponse
	if err := json.Unmarshal(resp.Data, &items); err != nil {
		t.Fatalf("failed to decode items: %v", err)
	}
	if len(items) != 1 || items[0].Amount != "10.50" || items[0].Direction != "debit" {
		t.Errorf("unexpected outcomes: %+v", items)
	}
}
