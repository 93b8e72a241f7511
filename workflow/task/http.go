package task

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stratix/stratix-go/workflow"
)

// maxResponseBody caps how much of a response is pulled into the node's
// output; downstream templates deal in small payloads, not archives.
const maxResponseBody = 4 << 20

// HTTP performs a GET or POST against a configured URL.
//
// Config:
//   - url (required)
//   - method: "GET" (default) or "POST"
//   - headers: map of header name to value
//   - body: request body string, POST only
//
// Output: statusCode, headers, body. Non-2xx statuses are reported as
// retryable failures for 5xx and non-retryable for 4xx; transport
// errors are retryable.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates the http executor. Per-node timeouts come from the
// engine; the client itself sets none.
func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{}}
}

func (h *HTTP) Name() string        { return "http" }
func (h *HTTP) Description() string { return "performs an HTTP GET or POST" }
func (h *HTTP) Version() string     { return "1.0.0" }

func (h *HTTP) ValidateConfig(config map[string]any) error {
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("url is required")
	}
	if m, ok := config["method"].(string); ok && m != "" {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost:
		default:
			return fmt.Errorf("unsupported method %q", m)
		}
	}
	return nil
}

func (h *HTTP) Execute(ctx context.Context, ec *workflow.ExecutionContext) (*workflow.ExecutionResult, error) {
	urlStr, _ := ec.Config["url"].(string)
	method := http.MethodGet
	if m, ok := ec.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := ec.Config["body"].(string); ok && b != "" && method == http.MethodPost {
		body = bytes.NewBufferString(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		no := false
		return &workflow.ExecutionResult{Success: false, Error: err.Error(), ShouldRetry: &no}, nil
	}
	if headers, ok := ec.Config["headers"].(map[string]any); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Transport failures are transient until proven otherwise.
		return &workflow.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &workflow.ExecutionResult{Success: false, Error: fmt.Sprintf("read response: %v", err)}, nil
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[name] = values[0]
		} else {
			respHeaders[name] = values
		}
	}
	data := map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       string(respBody),
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500
		return &workflow.ExecutionResult{
			Success:      false,
			Error:        fmt.Sprintf("%s %s returned %d", method, urlStr, resp.StatusCode),
			ErrorDetails: data,
			ShouldRetry:  &retryable,
		}, nil
	}
	return &workflow.ExecutionResult{Success: true, Data: data}, nil
}
