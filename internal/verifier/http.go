package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"backcheck/internal/check"
)

const maxResponseBytes = 1 << 20

// HTTPVerifier calls the verification backend over JSON/HTTP.
type HTTPVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

type HTTPOption func(*HTTPVerifier)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(v *HTTPVerifier) {
		if c != nil {
			v.httpClient = c
		}
	}
}

func WithAPIKey(key string) HTTPOption {
	return func(v *HTTPVerifier) {
		v.apiKey = key
	}
}

func WithHTTPClock(now func() time.Time) HTTPOption {
	return func(v *HTTPVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewHTTPVerifier(baseURL string, opts ...HTTPOption) *HTTPVerifier {
	v := &HTTPVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type verifyRequest struct {
	ComponentKind string   `json:"component_kind"`
	DocumentRefs  []string `json:"document_refs"`
}

type verifyResponse struct {
	Verified   *bool    `json:"verified"`
	Confidence *float64 `json:"confidence_score"`
	Method     string   `json:"verification_method"`
	Issues     []string `json:"issues"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, kind check.ComponentKind, documentRefs []string) (check.Result, error) {
	body, err := json.Marshal(verifyRequest{ComponentKind: string(kind), DocumentRefs: documentRefs})
	if err != nil {
		return check.Result{}, NewError(kind, CategoryRejectedInput, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/verifications", bytes.NewReader(body))
	if err != nil {
		return check.Result{}, NewError(kind, CategoryRejectedInput, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return check.Result{}, NewError(kind, CategoryTimeout, "request timed out", err)
		}
		return check.Result{}, NewError(kind, CategoryUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return check.Result{}, NewError(kind, CategoryUnavailable, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return check.Result{}, NewError(kind, CategoryUnavailable,
			fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(payload)), nil)
	case resp.StatusCode >= 400:
		return check.Result{}, NewError(kind, CategoryRejectedInput,
			fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(payload)), nil)
	case resp.StatusCode != http.StatusOK:
		return check.Result{}, NewError(kind, CategoryBadResponse,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var out verifyResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return check.Result{}, NewError(kind, CategoryBadResponse, "decode response", err)
	}
	if out.Verified == nil || out.Confidence == nil {
		return check.Result{}, NewError(kind, CategoryBadResponse, "response missing verdict", nil)
	}
	result := check.Result{
		Verified:   *out.Verified,
		Confidence: *out.Confidence,
		Method:     out.Method,
		Issues:     out.Issues,
		ProducedAt: v.now(),
	}
	if err := result.Validate(); err != nil {
		return check.Result{}, NewError(kind, CategoryBadResponse, "invalid result", err)
	}
	return result, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
