package compat

import (
	"encoding/json"
	"fmt"

	"embarques/internal/domain"
)

// Schema provenance names recorded in ImportRecord.RawSchemaVersion.
const (
	SchemaOrbiumV2         = "orbium/v2"
	SchemaOrbiumV1         = "orbium/v1"
	SchemaLegacyImportacao = "legado/importacao"
)

// --- orbium/v2: current nested shape ---

type orbiumV2Shipment struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Origin        string               `json:"origin"`
	Destination   string               `json:"destination"`
	Items         []domain.LineItem    `json:"items"`
	DeclaredValue float64              `json:"declared_value"`
	Documents     []domain.DocumentRef `json:"documents"`
}

func matchOrbiumV2(body payload) bool {
	raw, ok := body["shipment"]
	if !ok {
		return false
	}
	var probe map[string]json.RawMessage
	return json.Unmarshal(raw, &probe) == nil
}

func parseOrbiumV2(body payload) (domain.ImportRecord, error) {
	eventID, err := requiredString(body, SchemaOrbiumV2, "event_id")
	if err != nil {
		return domain.ImportRecord{}, err
	}
	var ship orbiumV2Shipment
	if err := json.Unmarshal(body["shipment"], &ship); err != nil {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaOrbiumV2 + ": invalid shipment object"}
	}
	if ship.ID == "" {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaOrbiumV2 + `: missing required field "shipment.id"`}
	}
	if ship.Status == "" {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaOrbiumV2 + `: missing required field "shipment.status"`}
	}
	occurredAt, _ := stringField(body, "occurred_at")
	return domain.ImportRecord{
		EventID:       eventID,
		ShipmentID:    ship.ID,
		Status:        ship.Status,
		Origin:        ship.Origin,
		Destination:   ship.Destination,
		Items:         ship.Items,
		DeclaredValue: ship.DeclaredValue,
		Documents:     ship.Documents,
		OccurredAt:    occurredAt,
	}, nil
}

// --- orbium/v1: legacy flat shape ---

func matchOrbiumV1(body payload) bool {
	_, ok := body["shipment_id"]
	return ok
}

func parseOrbiumV1(body payload) (domain.ImportRecord, error) {
	eventID, err := requiredString(body, SchemaOrbiumV1, "event_id")
	if err != nil {
		return domain.ImportRecord{}, err
	}
	shipmentID, err := requiredString(body, SchemaOrbiumV1, "shipment_id")
	if err != nil {
		return domain.ImportRecord{}, err
	}
	status, err := requiredString(body, SchemaOrbiumV1, "status")
	if err != nil {
		return domain.ImportRecord{}, err
	}
	origin, _ := stringField(body, "origin")
	destination, _ := stringField(body, "destination")
	occurredAt, _ := stringField(body, "occurred_at")
	var items []domain.LineItem
	if raw, ok := body["items"]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaOrbiumV1 + ": invalid items array"}
		}
	}
	var docs []domain.DocumentRef
	if raw, ok := body["documents"]; ok {
		if err := json.Unmarshal(raw, &docs); err != nil {
			return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaOrbiumV1 + ": invalid documents array"}
		}
	}
	return domain.ImportRecord{
		EventID:       eventID,
		ShipmentID:    shipmentID,
		Status:        status,
		Origin:        origin,
		Destination:   destination,
		Items:         items,
		DeclaredValue: floatField(body, "declared_value"),
		Documents:     docs,
		OccurredAt:    occurredAt,
	}, nil
}

// --- legado/importacao: pre-migration Portuguese flat shape ---

// legacyStatus maps the Portuguese situacao values onto the canonical enum.
var legacyStatus = map[string]string{
	"pendente":         domain.StatusPending,
	"em_transito":      domain.StatusInTransit,
	"retido_alfandega": domain.StatusCustomsHold,
	"entregue":         domain.StatusDelivered,
	"cancelado":        domain.StatusCancelled,
}

// LegacyStatusFor returns the legacy situacao value for a canonical status.
// Round-trips with the mapping above; used by compatibility tests and the
// outbound SDK when talking to pre-migration consumers.
func LegacyStatusFor(status string) (string, bool) {
	for legado, canonical := range legacyStatus {
		if canonical == status {
			return legado, true
		}
	}
	return "", false
}

type legacyItem struct {
	Codigo     string  `json:"codigo"`
	Descricao  string  `json:"descricao"`
	Quantidade int     `json:"quantidade"`
	Valor      float64 `json:"valor"`
}

type legacyDocumento struct {
	Tipo       string `json:"tipo"`
	Referencia string `json:"referencia"`
}

func matchLegacyImportacao(body payload) bool {
	_, ok := body["embarque_id"]
	return ok
}

func parseLegacyImportacao(body payload) (domain.ImportRecord, error) {
	embarqueID, err := requiredString(body, SchemaLegacyImportacao, "embarque_id")
	if err != nil {
		return domain.ImportRecord{}, err
	}
	situacao, err := requiredString(body, SchemaLegacyImportacao, "situacao")
	if err != nil {
		return domain.ImportRecord{}, err
	}
	status, ok := legacyStatus[situacao]
	if !ok {
		return domain.ImportRecord{}, SchemaMismatchError{Reason: fmt.Sprintf("%s: unknown situacao %q", SchemaLegacyImportacao, situacao)}
	}
	// Legacy producers used evento_id; very old ones only sent id_evento.
	eventID, ok := stringField(body, "evento_id")
	if !ok || eventID == "" {
		if eventID, ok = stringField(body, "id_evento"); !ok || eventID == "" {
			return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaLegacyImportacao + `: missing required field "evento_id"`}
		}
	}
	origem, _ := stringField(body, "origem")
	destino, _ := stringField(body, "destino")
	occurredAt, _ := stringField(body, "ocorrido_em")

	var itens []legacyItem
	if raw, ok := body["itens"]; ok {
		if err := json.Unmarshal(raw, &itens); err != nil {
			return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaLegacyImportacao + ": invalid itens array"}
		}
	}
	items := make([]domain.LineItem, 0, len(itens))
	for _, it := range itens {
		items = append(items, domain.LineItem{
			SKU:         it.Codigo,
			Description: it.Descricao,
			Quantity:    it.Quantidade,
			UnitValue:   it.Valor,
		})
	}
	var documentos []legacyDocumento
	if raw, ok := body["documentos"]; ok {
		if err := json.Unmarshal(raw, &documentos); err != nil {
			return domain.ImportRecord{}, SchemaMismatchError{Reason: SchemaLegacyImportacao + ": invalid documentos array"}
		}
	}
	docs := make([]domain.DocumentRef, 0, len(documentos))
	for _, d := range documentos {
		docs = append(docs, domain.DocumentRef{Kind: d.Tipo, Ref: d.Referencia})
	}
	if len(items) == 0 {
		items = nil
	}
	if len(docs) == 0 {
		docs = nil
	}
	return domain.ImportRecord{
		EventID:       eventID,
		ShipmentID:    embarqueID,
		Status:        status,
		Origin:        origem,
		Destination:   destino,
		Items:         items,
		DeclaredValue: floatField(body, "valor_declarado"),
		Documents:     docs,
		OccurredAt:    occurredAt,
	}, nil
}
