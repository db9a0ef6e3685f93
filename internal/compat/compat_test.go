package compat_test

import (
	"errors"
	"testing"

	"embarques/internal/compat"
	"embarques/internal/domain"
)

func normalize(t *testing.T, body string) domain.ImportRecord {
	t.Helper()
	rec, err := compat.Normalize(domain.RawEvent{BodyBytes: []byte(body)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return rec
}

func TestNormalizeOrbiumV2(t *testing.T) {
	rec := normalize(t, `{
		"event_id": "evt-1",
		"occurred_at": "2026-02-01T10:00:00Z",
		"shipment": {
			"id": "SHP-100",
			"status": "in_transit",
			"origin": "Shanghai",
			"destination": "Santos",
			"declared_value": 1250.50,
			"items": [{"sku": "A-1", "description": "widgets", "quantity": 10, "unit_value": 125.05}],
			"documents": [{"kind": "invoice", "ref": "INV-9"}]
		}
	}`)
	if rec.RawSchemaVersion != compat.SchemaOrbiumV2 {
		t.Fatalf("schema = %s", rec.RawSchemaVersion)
	}
	if rec.EventID != "evt-1" || rec.ShipmentID != "SHP-100" || rec.Status != domain.StatusInTransit {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Items) != 1 || rec.Items[0].SKU != "A-1" {
		t.Fatalf("items = %+v", rec.Items)
	}
	if rec.DeclaredValue != 1250.50 {
		t.Fatalf("declared_value = %v", rec.DeclaredValue)
	}
}

func TestNormalizeOrbiumV1(t *testing.T) {
	rec := normalize(t, `{
		"event_id": "evt-2",
		"shipment_id": "SHP-200",
		"status": "pending",
		"origin": "Ningbo",
		"destination": "Itajai",
		"declared_value": 99.9,
		"extra_field_from_the_future": true
	}`)
	if rec.RawSchemaVersion != compat.SchemaOrbiumV1 {
		t.Fatalf("schema = %s", rec.RawSchemaVersion)
	}
	if rec.ShipmentID != "SHP-200" || rec.Status != domain.StatusPending {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestNormalizeLegacyImportacao(t *testing.T) {
	rec := normalize(t, `{
		"evento_id": "evt-3",
		"embarque_id": "EMB-300",
		"situacao": "retido_alfandega",
		"origem": "Hamburgo",
		"destino": "Paranagua",
		"valor_declarado": 4200,
		"itens": [{"codigo": "B-2", "descricao": "pecas", "quantidade": 4, "valor": 1050}],
		"documentos": [{"tipo": "di", "referencia": "DI-77"}]
	}`)
	if rec.RawSchemaVersion != compat.SchemaLegacyImportacao {
		t.Fatalf("schema = %s", rec.RawSchemaVersion)
	}
	if rec.Status != domain.StatusCustomsHold {
		t.Fatalf("status = %s", rec.Status)
	}
	if len(rec.Items) != 1 || rec.Items[0].SKU != "B-2" || rec.Items[0].UnitValue != 1050 {
		t.Fatalf("items = %+v", rec.Items)
	}
	if len(rec.Documents) != 1 || rec.Documents[0].Kind != "di" {
		t.Fatalf("documents = %+v", rec.Documents)
	}
}

func TestNormalizeLegacyEventIDFallback(t *testing.T) {
	rec := normalize(t, `{
		"id_evento": "evt-old",
		"embarque_id": "EMB-301",
		"situacao": "pendente"
	}`)
	if rec.EventID != "evt-old" {
		t.Fatalf("event id = %s", rec.EventID)
	}
}

func TestNormalizeAmbiguousFailsClosed(t *testing.T) {
	// Carries discriminators of two shapes at once.
	_, err := compat.Normalize(domain.RawEvent{BodyBytes: []byte(`{
		"event_id": "evt-4",
		"shipment_id": "SHP-400",
		"status": "pending",
		"embarque_id": "EMB-400",
		"situacao": "pendente"
	}`)})
	var sme compat.SchemaMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("expected SchemaMismatchError, got %v", err)
	}
	if len(sme.Matches) != 2 {
		t.Fatalf("matches = %v", sme.Matches)
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := map[string]string{
		"not json object":  `[1,2,3]`,
		"no known shape":   `{"hello": "world"}`,
		"missing event id": `{"shipment_id": "S-1", "status": "pending"}`,
		"unknown status":   `{"event_id": "e", "shipment_id": "S-1", "status": "teleported"}`,
		"unknown situacao": `{"evento_id": "e", "embarque_id": "E-1", "situacao": "perdido"}`,
		"empty shipment id": `{
			"event_id": "e", "shipment_id": "", "status": "pending"
		}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := compat.Normalize(domain.RawEvent{BodyBytes: []byte(body)})
			var sme compat.SchemaMismatchError
			if !errors.As(err, &sme) {
				t.Fatalf("expected SchemaMismatchError, got %v", err)
			}
		})
	}
}

func TestLegacyStatusRoundTrip(t *testing.T) {
	for _, status := range []string{
		domain.StatusPending,
		domain.StatusInTransit,
		domain.StatusCustomsHold,
		domain.StatusDelivered,
		domain.StatusCancelled,
	} {
		legado, ok := compat.LegacyStatusFor(status)
		if !ok {
			t.Fatalf("no legacy value for %s", status)
		}
		rec := normalize(t, `{"evento_id": "e", "embarque_id": "E-1", "situacao": "`+legado+`"}`)
		if rec.Status != status {
			t.Fatalf("round trip %s -> %s -> %s", status, legado, rec.Status)
		}
	}
}
