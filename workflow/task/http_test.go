package task

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer token123")
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	res, err := NewHTTP().Execute(context.Background(), execCtx(map[string]any{
		"url": server.URL,
		"headers": map[string]any{
			"Authorization": "Bearer token123",
		},
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.Error)
	}
	if res.Data["statusCode"] != 200 {
		t.Errorf("statusCode = %v, want 200", res.Data["statusCode"])
	}
	if res.Data["body"] != "pong" {
		t.Errorf("body = %v, want %q", res.Data["body"], "pong")
	}
	headers := res.Data["headers"].(map[string]any)
	if headers["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %v, want text/plain", headers["Content-Type"])
	}
}

func TestHTTPPostSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"test"}` {
			t.Errorf("body = %q, want the configured payload", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	res, err := NewHTTP().Execute(context.Background(), execCtx(map[string]any{
		"url":    server.URL,
		"method": "post",
		"body":   `{"name":"test"}`,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.Error)
	}
	if res.Data["statusCode"] != 201 {
		t.Errorf("statusCode = %v, want 201", res.Data["statusCode"])
	}
}

func TestHTTPServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("try later"))
	}))
	defer server.Close()

	res, err := NewHTTP().Execute(context.Background(), execCtx(map[string]any{"url": server.URL}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want failure for 503")
	}
	if res.ShouldRetry == nil || !*res.ShouldRetry {
		t.Error("503 should be marked retryable")
	}
	if res.ErrorDetails["statusCode"] != 503 {
		t.Errorf("ErrorDetails.statusCode = %v, want 503", res.ErrorDetails["statusCode"])
	}
	if res.ErrorDetails["body"] != "try later" {
		t.Errorf("ErrorDetails.body = %v, want the response body", res.ErrorDetails["body"])
	}
}

func TestHTTPClientErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	res, err := NewHTTP().Execute(context.Background(), execCtx(map[string]any{"url": server.URL}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want failure for 404")
	}
	if res.ShouldRetry == nil || *res.ShouldRetry {
		t.Error("404 should not be retried")
	}
}

func TestHTTPTransportErrorIsRetryable(t *testing.T) {
	// Nothing listens here; Do fails at the transport layer.
	res, err := NewHTTP().Execute(context.Background(), execCtx(map[string]any{
		"url": "http://127.0.0.1:1/unreachable",
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want transport failure")
	}
	if res.ShouldRetry != nil {
		t.Error("ShouldRetry set, want nil so engine defaults apply")
	}
}

func TestHTTPContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := NewHTTP().Execute(ctx, execCtx(map[string]any{"url": server.URL}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want failure on timeout")
	}
}

func TestHTTPValidateConfig(t *testing.T) {
	h := NewHTTP()
	if err := h.ValidateConfig(map[string]any{}); err == nil {
		t.Error("ValidateConfig: error = nil, want missing-url error")
	}
	if err := h.ValidateConfig(map[string]any{"url": "http://example.com", "method": "DELETE"}); err == nil {
		t.Error("ValidateConfig: error = nil, want unsupported-method error")
	}
	if err := h.ValidateConfig(map[string]any{"url": "http://example.com", "method": "post"}); err != nil {
		t.Errorf("ValidateConfig: %v, want nil", err)
	}
}
