package embarquessdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Embarques HTTP API client. WebhookSecret is only
// needed by DeliverEvent; readers authenticate with APIKey or BearerToken.
type Client struct {
	BaseURL         string
	Partner         string
	APIKey          string
	BearerToken     string
	WebhookSecret   string
	SignatureHeader string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:         baseURL,
		Partner:         "orbium",
		SignatureHeader: "X-Orbium-Signature",
		Timeout:         10 * time.Second,
	}
}

// Shipment mirrors the API shipment model.
type Shipment struct {
	ShipmentID     string         `json:"shipment_id"`
	Status         string         `json:"status"`
	Origin         string         `json:"origin,omitempty"`
	Destination    string         `json:"destination,omitempty"`
	DeclaredValue  float64        `json:"declared_value,omitempty"`
	Classification string         `json:"classification,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Version        int64          `json:"version"`
	History        []HistoryEntry `json:"history,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// HistoryEntry is one lifecycle transition.
type HistoryEntry struct {
	Seq        int    `json:"seq"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	EventID    string `json:"event_id"`
	TS         string `json:"ts"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ShipmentID string `json:"shipment_id"`
	EventID    string `json:"event_id"`
	Payload    string `json:"payload_json"`
}

// DeliveryResult reports how the server classified a delivery.
type DeliveryResult struct {
	Outcome string `json:"outcome"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// DeliverEvent signs the raw payload with the webhook secret and posts it to
// the partner webhook endpoint, the same way the partner would.
func (c *Client) DeliverEvent(ctx context.Context, payload []byte) (DeliveryResult, error) {
	var result DeliveryResult
	if c.WebhookSecret == "" {
		return result, fmt.Errorf("webhook secret is required to deliver events")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	endpoint := fmt.Sprintf("%s/v0/webhooks/%s", c.base(), url.PathEscape(c.Partner))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return result, err
	}
	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return result, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	err = json.NewDecoder(resp.Body).Decode(&result)
	return result, err
}

// Shipment fetches one shipment with its history.
func (c *Client) Shipment(ctx context.Context, shipmentID string) (Shipment, error) {
	var resp Shipment
	endpoint := fmt.Sprintf("v0/shipments/%s", url.PathEscape(shipmentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Shipments lists shipments, optionally filtered by status.
func (c *Client) Shipments(ctx context.Context, status string, limit int) ([]Shipment, error) {
	var resp struct {
		Items []Shipment `json:"items"`
	}
	endpoint := "v0/shipments"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated audit event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status returns the integration status summary.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
