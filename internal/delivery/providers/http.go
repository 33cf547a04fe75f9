// Package providers holds Sender adapters for notification gateways.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/felixgeelhaar/clinicflow/internal/delivery"
)

const maxErrorBody = 1 << 10

// HTTPSender posts payloads as JSON to an HTTP notification gateway.
type HTTPSender struct {
	client *http.Client
	base   *url.URL
	apiKey string
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSender) { s.client = client }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(s *HTTPSender) { s.apiKey = key }
}

// NewHTTPSender creates an HTTP sender. baseURL resolves relative
// destinations and may be empty.
func NewHTTPSender(baseURL string, opts ...HTTPOption) (*HTTPSender, error) {
	base, err := delivery.ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	s := &HTTPSender{
		client: &http.Client{},
		base:   base,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send posts payload to destination. Non-2xx responses are returned as
// *delivery.StatusError. The request carries the message id as an
// idempotency key so gateways can drop duplicates after a lost response.
func (s *HTTPSender) Send(ctx context.Context, destination string, payload delivery.Payload) error {
	target, err := delivery.ResolveURL(s.base, destination)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrInvalidDestination, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.MessageID)
	if payload.RequestID != "" {
		req.Header.Set("X-Request-ID", payload.RequestID)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &delivery.StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}
