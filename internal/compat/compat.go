// Package compat normalizes the accepted partner payload shapes into the
// canonical import record. Schema detection inspects discriminating fields of
// the payload itself; declared version hints are kept as provenance only,
// since legacy producers mislabel them.
package compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"embarques/internal/domain"
)

// SchemaMismatchError rejects payloads that match no known shape, match more
// than one shape, or miss required fields of the matched shape. Redelivery
// cannot fix these, so the partner sees a permanent 4xx.
type SchemaMismatchError struct {
	Reason  string
	Matches []string
}

func (e SchemaMismatchError) Error() string {
	if len(e.Matches) > 1 {
		return fmt.Sprintf("schema mismatch: ambiguous payload matches %s", strings.Join(e.Matches, ", "))
	}
	return "schema mismatch: " + e.Reason
}

type payload map[string]json.RawMessage

// schema pairs a shape predicate with its parser. The list below is ordered
// most specific first; evaluation collects every match so ambiguity fails
// closed instead of silently picking a winner.
type schema struct {
	name  string
	match func(payload) bool
	parse func(payload) (domain.ImportRecord, error)
}

var schemas = []schema{
	{name: SchemaOrbiumV2, match: matchOrbiumV2, parse: parseOrbiumV2},
	{name: SchemaLegacyImportacao, match: matchLegacyImportacao, parse: parseLegacyImportacao},
	{name: SchemaOrbiumV1, match: matchOrbiumV1, parse: parseOrbiumV1},
}

// Normalize converts a raw webhook event into the canonical record. It is a
// pure function: same bytes in, same record out.
func Normalize(raw domain.RawEvent) (domain.ImportRecord, error) {
	var body payload
	if err := json.Unmarshal(raw.BodyBytes, &body); err != nil {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: "body is not a JSON object"}
	}
	var matched []schema
	for _, s := range schemas {
		if s.match(body) {
			matched = append(matched, s)
		}
	}
	switch len(matched) {
	case 0:
		return domain.ImportRecord{}, SchemaMismatchError{Reason: "payload matches no known shape"}
	case 1:
	default:
		names := make([]string, len(matched))
		for i, s := range matched {
			names[i] = s.name
		}
		return domain.ImportRecord{}, SchemaMismatchError{Matches: names}
	}
	rec, err := matched[0].parse(body)
	if err != nil {
		return domain.ImportRecord{}, err
	}
	rec.RawSchemaVersion = matched[0].name
	if rec.ShipmentID == "" {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: matched[0].name + ": shipment id is empty"}
	}
	if !domain.ValidStatus(rec.Status) {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: fmt.Sprintf("%s: unknown status %q", matched[0].name, rec.Status)}
	}
	return rec, nil
}

func stringField(body payload, key string) (string, bool) {
	raw, ok := body[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func requiredString(body payload, schemaName, key string) (string, error) {
	s, ok := stringField(body, key)
	if !ok || s == "" {
		return "", SchemaMismatchError{Reason: fmt.Sprintf("%s: missing required field %q", schemaName, key)}
	}
	return s, nil
}

func floatField(body payload, key string) float64 {
	raw, ok := body[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return f
}
