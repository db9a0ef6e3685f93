package domain

// Shipment statuses. These are the only values ever written to
// shipments.status or shipment_history.
const (
	StatusPending     = "pending"
	StatusInTransit   = "in_transit"
	StatusCustomsHold = "customs_hold"
	StatusDelivered   = "delivered"
	StatusCancelled   = "cancelled"
)

// ValidStatus reports whether s is one of the canonical shipment statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInTransit, StatusCustomsHold, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// TerminalStatus reports whether s admits no further transitions.
func TerminalStatus(s string) bool {
	return s == StatusDelivered || s == StatusCancelled
}

// RawEvent is the payload as received from the partner webhook, before any
// interpretation. BodyBytes is the exact body the signature was computed over.
type RawEvent struct {
	Signature     string `json:"signature,omitempty"`
	Timestamp     string `json:"timestamp,omitempty" format:"date-time"`
	SourceVersion string `json:"source_version,omitempty"`
	BodyBytes     []byte `json:"-"`
}

// LineItem is one ordered entry of a shipment's manifest.
type LineItem struct {
	SKU         string  `json:"sku,omitempty"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitValue   float64 `json:"unit_value,omitempty"`
}

// DocumentRef points at a customs or freight document held by the partner.
type DocumentRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// ImportRecord is the canonical normalized form of one inbound event.
// Records are immutable once built; derived variants (e.g. with enrichment
// merged) are new values.
type ImportRecord struct {
	EventID          string        `json:"event_id"`
	ShipmentID       string        `json:"shipment_id"`
	Status           string        `json:"status" enum:"pending,in_transit,customs_hold,delivered,cancelled"`
	Origin           string        `json:"origin,omitempty"`
	Destination      string        `json:"destination,omitempty"`
	Items            []LineItem    `json:"items,omitempty"`
	DeclaredValue    float64       `json:"declared_value,omitempty"`
	Documents        []DocumentRef `json:"documents,omitempty"`
	OccurredAt       string        `json:"occurred_at,omitempty" format:"date-time"`
	RawSchemaVersion string        `json:"raw_schema_version"`
}

// EnrichmentResult is the advisory output of the external classification
// service. It never influences the status transition itself.
type EnrichmentResult struct {
	Classification  string            `json:"classification"`
	ConfidenceScore float64           `json:"confidence_score"`
	ExtractedFields map[string]string `json:"extracted_fields,omitempty"`
}

// HistoryEntry is one applied transition. Seq starts at 1 and grows by one
// per applied event; the triggering event id makes redelivery auditable.
type HistoryEntry struct {
	Seq        int    `json:"seq"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	EventID    string `json:"event_id"`
	TS         string `json:"ts" format:"date-time"`
}

// ShipmentState is the durable entity keyed by shipment id. Status is always
// the ToStatus of the last history entry. Version backs the compare-and-swap
// write path.
type ShipmentState struct {
	ShipmentID     string         `json:"shipment_id"`
	Status         string         `json:"status" enum:"pending,in_transit,customs_hold,delivered,cancelled"`
	Origin         string         `json:"origin,omitempty"`
	Destination    string         `json:"destination,omitempty"`
	DeclaredValue  float64        `json:"declared_value,omitempty"`
	Classification string         `json:"classification,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Version        int64          `json:"version"`
	History        []HistoryEntry `json:"history,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ShipmentID string `json:"shipment_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates read-API callers. KeyHash stores a SHA-256 digest,
// never the key itself.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
