package customer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

func TestClient_Validate(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		wantActive bool
	}{
		{
			name:       "active customer",
			status:     http.StatusOK,
			body:       `{"isValid":true,"customer":{"id":"u1","name":"Alice","email":"a@example.com","isActive":true}}`,
			wantActive: true,
		},
		{
			name:    "inactive customer",
			status:  http.StatusOK,
			body:    `{"isValid":false,"customer":{"id":"u1","name":"Alice","isActive":false},"error":"customer is inactive"}`,
			wantErr: domain.ErrCustomerInactive,
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    `{"isValid":false,"error":"customer not found"}`,
			wantErr: domain.ErrCustomerNotFound,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: domain.ErrCustomerUnresolvable,
		},
		{
			name:    "garbage body",
			status:  http.StatusOK,
			body:    `not json`,
			wantErr: domain.ErrCustomerUnresolvable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/customers/u1/validate" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, time.Second, zap.NewNop())
			snapshot, err := client.Validate(context.Background(), "u1")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if snapshot.IsActive != tt.wantActive || snapshot.ID != "u1" {
				t.Errorf("unexpected snapshot: %+v", snapshot)
			}
		})
	}
}

func TestClient_TimeoutIsUnresolvable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 20*time.Millisecond, zap.NewNop())
	_, err := client.Validate(context.Background(), "u1")
	if !errors.Is(err, domain.ErrCustomerUnresolvable) {
		t.Fatalf("expected ErrCustomerUnresolvable, got %v", err)
	}
}

func TestClient_ForwardsCorrelationID(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get(correlation.HeaderName)
		w.Write([]byte(`{"isValid":true,"customer":{"id":"u1","isActive":true}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, zap.NewNop())
	ctx := correlation.WithID(context.Background(), "abc-123")
	if _, err := client.Validate(ctx, "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received != "abc-123" {
		t.Errorf("expected correlation header abc-123, got %q", received)
	}
}
