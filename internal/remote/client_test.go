package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CharlySistemas23/possync"
)

type staticCreds possync.Credentials

func (s staticCreds) Credentials() possync.Credentials { return possync.Credentials(s) }

func TestHTTPClient_Create_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/customers" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok-1")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if in["name"] != "Ana" {
			t.Errorf("name = %v, want Ana", in["name"])
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "3f1c2e9a-8b7d-4c5e-9f00-112233445566", "name": "Ana"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL).WithCredentials(staticCreds{Mode: possync.IdentityBearer, Token: "tok-1"})
	rec, err := client.Create(context.Background(), "customers", possync.Record{"name": "Ana"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID() != "3f1c2e9a-8b7d-4c5e-9f00-112233445566" {
		t.Errorf("ID = %q", rec.ID())
	}
}

func TestHTTPClient_FallbackHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
		if got := r.Header.Get(HeaderBranchID); got != "centro" {
			t.Errorf("%s = %q, want centro", HeaderBranchID, got)
		}
		if got := r.Header.Get(HeaderDeviceID); got != "till-2" {
			t.Errorf("%s = %q, want till-2", HeaderDeviceID, got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL).WithCredentials(staticCreds{
		Mode:     possync.IdentityFallback,
		BranchID: "centro",
		DeviceID: "till-2",
	})
	if err := client.Delete(context.Background(), "payments", "p-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPClient_Delete_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/products/abc" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer server.Close()

	err := NewHTTPClient(server.URL).Delete(context.Background(), "products", "abc")
	if possync.Classify(err) != possync.FailureNotFound {
		t.Errorf("Classify() = %v, want not_found (err: %v)", possync.Classify(err), err)
	}
}

func TestHTTPClient_RateLimited_RetryAfterSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL).Update(context.Background(), "sales", "s-1", possync.Record{"total": 10})

	var syncErr *possync.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %T", err)
	}
	if syncErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", syncErr.StatusCode)
	}
	if syncErr.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v, want 42s", syncErr.RetryAfter)
	}
	if syncErr.Operation != "update_sales" {
		t.Errorf("Operation = %q, want update_sales", syncErr.Operation)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "120", 2 * time.Minute},
		{"negative", "-5", 0},
		{"http date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestHTTPClient_Get_RetriesNetworkErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithGetRetry(3, time.Millisecond))
	_, err := client.Get(context.Background(), "customers", "c-1")
	if possync.Classify(err) != possync.FailureNotFound {
		t.Fatalf("Classify() = %v, want not_found", possync.Classify(err))
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

func TestHTTPClient_Get_NetworkErrorRetried(t *testing.T) {
	var attempts atomic.Int32
	client := NewHTTPClient("http://possync.invalid", WithGetRetry(2, time.Millisecond))
	client.WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})})

	_, err := client.Get(context.Background(), "customers", "c-1")
	if possync.Classify(err) != possync.FailureTransient {
		t.Errorf("Classify() = %v, want transient", possync.Classify(err))
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestHTTPClient_List_EncodesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sku"); got != "A-100" {
			t.Errorf("sku = %q, want A-100", got)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "p-1", "sku": "A-100"}})
	}))
	defer server.Close()

	recs, err := NewHTTPClient(server.URL).List(context.Background(), "products", url.Values{"sku": {"A-100"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].ID() != "p-1" {
		t.Errorf("List() = %v", recs)
	}
}

func TestHTTPClient_Login(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var in loginRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Identity != "cashier" || in.Secret != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok-9"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	token, err := client.Login(context.Background(), "cashier", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-9" {
		t.Errorf("token = %q, want tok-9", token)
	}

	if _, err := client.Login(context.Background(), "cashier", "wrong"); possync.Classify(err) != possync.FailureAuthExpired {
		t.Errorf("bad login Classify() = %v, want auth_expired", possync.Classify(err))
	}
}

func TestHTTPClient_VerifyToken(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   possync.VerifyResult
	}{
		{"ok", http.StatusOK, possync.VerifyValid},
		{"unauthorized", http.StatusUnauthorized, possync.VerifyInvalid},
		{"forbidden", http.StatusForbidden, possync.VerifyInvalid},
		{"server error", http.StatusBadGateway, possync.VerifyInconclusive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			if got := NewHTTPClient(server.URL).VerifyToken(context.Background(), "tok"); got != tt.want {
				t.Errorf("VerifyToken() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPClient_VerifyToken_Unreachable(t *testing.T) {
	client := NewHTTPClient("http://localhost:1")
	if got := client.VerifyToken(context.Background(), "tok"); got != possync.VerifyInconclusive {
		t.Errorf("VerifyToken() = %v, want inconclusive", got)
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := truncateForLog("short", 10); got != "short" {
		t.Errorf("truncateForLog() = %q", got)
	}
	got := truncateForLog("abcdefghij", 4)
	if got != "abcd... [truncated, 10 bytes total]" {
		t.Errorf("truncateForLog() = %q", got)
	}
}
