package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetryOnTooManyRequests(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	body, err := client.Get(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	if string(body) != "success" {
		t.Errorf("Unexpected body %q", body)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestServerErrorsPassThroughWithoutRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("broker down"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Post(context.Background(), "/orders", map[string]string{"symbol": "INFY"})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", apiErr.StatusCode)
	}
	if attempts != 1 {
		t.Errorf("5xx must not retry at the transport, got %d attempts", attempts)
	}
}

func TestCircuitBreakerOpensOnSustainedFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)

	// Policy is 5 failures out of 10.
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	startAttempts := attempts
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Error("Expected error from open circuit breaker, got nil")
	}
	if attempts != startAttempts {
		t.Errorf("Server was reached though the circuit should be open, attempts %d", attempts)
	}
}

type headerSigner struct{ value string }

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-Signature", s.value)
	return nil
}

func TestSignerAttachesAuthHeaders(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, &headerSigner{value: "sig-abc"})
	if _, err := client.Delete(context.Background(), "/orders/1", nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if seen != "sig-abc" {
		t.Errorf("Expected signed header, got %q", seen)
	}
}
