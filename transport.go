package actionqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 1 << 20

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// BaseURL is prepended to endpoints that are not absolute URLs.
	BaseURL string
	Timeout time.Duration
	// RateLimit is the maximum requests per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	Headers   map[string]string
}

// HTTPTransport replays actions over net/http. Responses with status >= 400
// are returned as *StatusError so the retry rules can classify them.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
	headers map[string]string
	limiter *rate.Limiter
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		limiter: limiter,
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.url(req.Endpoint), body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Code:       responseCode(data),
			Body:       data,
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (t *HTTPTransport) url(endpoint string) string {
	if t.baseURL == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return t.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// responseCode extracts an application error code from a JSON error body of
// the form {"code": "..."} or {"error": {"code": "..."}}.
func responseCode(body []byte) string {
	var envelope struct {
		Code  string          `json:"code"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Code != "" {
		return envelope.Code
	}
	var nested struct {
		Code string `json:"code"`
	}
	if len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &nested) == nil {
		return nested.Code
	}
	return ""
}
