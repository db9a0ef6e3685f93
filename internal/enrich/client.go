// Package enrich wraps the external classification service. Enrichment is
// advisory: callers absorb every error here into "no enrichment available".
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"embarques/internal/config"
	"embarques/internal/domain"
)

const retryBackoff = 250 * time.Millisecond

type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	session  *http.Client
}

// New builds a client from config. The timeout bounds the whole call,
// including the single retry.
func New(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.AITimeoutMs()) * time.Millisecond
	return &Client{
		endpoint: cfg.AI.Endpoint,
		apiKey:   cfg.AI.APIKey,
		timeout:  timeout,
		session:  &http.Client{Timeout: timeout},
	}
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// enrichmentRequest is the outbound payload. Declared value, unit values and
// document references are sensitive and never leave the process.
type enrichmentRequest struct {
	ShipmentID  string        `json:"shipment_id"`
	Status      string        `json:"status"`
	Origin      string        `json:"origin,omitempty"`
	Destination string        `json:"destination,omitempty"`
	Items       []requestItem `json:"items,omitempty"`
}

type requestItem struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
}

type enrichmentResponse struct {
	Classification string            `json:"classification"`
	Confidence     float64           `json:"confidence"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// Enrich calls the classification service for a normalized record. The result
// shape is validated but not reproducible: the provider is non-deterministic.
func (c *Client) Enrich(ctx context.Context, rec domain.ImportRecord) (*domain.EnrichmentResult, error) {
	if strings.TrimSpace(c.endpoint) == "" {
		return nil, errors.New("enrichment endpoint not configured")
	}
	body, err := json.Marshal(redact(rec))
	if err != nil {
		return nil, fmt.Errorf("marshal enrichment request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, bytes.NewReader(body))
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed enrichmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode enrichment response: %w", err)
	}
	if parsed.Classification == "" {
		return nil, errors.New("enrichment response missing classification")
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("enrichment confidence %v out of range", parsed.Confidence)
	}
	return &domain.EnrichmentResult{
		Classification:  parsed.Classification,
		ConfidenceScore: parsed.Confidence,
		ExtractedFields: parsed.Fields,
	}, nil
}

func redact(rec domain.ImportRecord) enrichmentRequest {
	req := enrichmentRequest{
		ShipmentID:  rec.ShipmentID,
		Status:      rec.Status,
		Origin:      rec.Origin,
		Destination: rec.Destination,
	}
	for _, it := range rec.Items {
		req.Items = append(req.Items, requestItem{Description: it.Description, Quantity: it.Quantity})
	}
	return req
}

func (c *Client) newRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries once on transient failure (network error or 5xx) with a
// short fixed backoff. Explicit 4xx rejections are never retried.
func (c *Client) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		resp, err := c.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			retry = he.Code >= 500
		} else {
			var netErr net.Error
			if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				retry = true
			}
		}
		if !retry || attempt == maxAttempts {
			return nil, lastErr
		}
		timer := time.NewTimer(retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}
