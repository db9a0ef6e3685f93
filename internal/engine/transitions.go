package engine

import (
	"fmt"
	"time"

	"embarques/internal/domain"
)

// InvalidTransitionError rejects an event whose requested status is not
// reachable from the shipment's current status. Terminal shipments never
// produce this; their events degrade to logged no-ops.
type InvalidTransitionError struct {
	ShipmentID string
	From       string
	To         string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for shipment %s", e.From, e.To, e.ShipmentID)
}

// transitions is the full allowed-transition table. Keeping it as an explicit
// map lets tests enumerate it exhaustively.
var transitions = map[string]map[string]bool{
	domain.StatusPending: {
		domain.StatusInTransit: true,
		domain.StatusCancelled: true,
	},
	domain.StatusInTransit: {
		domain.StatusCustomsHold: true,
		domain.StatusDelivered:   true,
		domain.StatusCancelled:   true,
	},
	domain.StatusCustomsHold: {
		domain.StatusInTransit: true,
		domain.StatusCancelled: true,
	},
	domain.StatusDelivered: {},
	domain.StatusCancelled: {},
}

// AllowedTransition reports whether from -> to is in the transition table.
func AllowedTransition(from, to string) bool {
	return transitions[from][to]
}

// Apply computes the next shipment state for a normalized record. It is a
// pure function of its inputs: no I/O, and the resulting status never depends
// on enrichment, which only fills auxiliary classification fields.
//
// A zero-value current state means the shipment is new and adopts the
// record's status as its first history entry. Events for terminal shipments
// and events requesting the current status return the state unchanged with
// changed=false.
func Apply(current domain.ShipmentState, rec domain.ImportRecord, enr *domain.EnrichmentResult, now time.Time) (domain.ShipmentState, bool, error) {
	ts := rec.OccurredAt
	if ts == "" {
		ts = now.UTC().Format(time.RFC3339)
	}
	if current.ShipmentID == "" {
		next := domain.ShipmentState{
			ShipmentID:    rec.ShipmentID,
			Status:        rec.Status,
			Origin:        rec.Origin,
			Destination:   rec.Destination,
			DeclaredValue: rec.DeclaredValue,
			Version:       1,
			CreatedAt:     now.UTC().Format(time.RFC3339),
			UpdatedAt:     now.UTC().Format(time.RFC3339),
			History: []domain.HistoryEntry{{
				Seq:      1,
				ToStatus: rec.Status,
				EventID:  rec.EventID,
				TS:       ts,
			}},
		}
		mergeEnrichment(&next, enr)
		return next, true, nil
	}
	if domain.TerminalStatus(current.Status) || rec.Status == current.Status {
		return current, false, nil
	}
	if !AllowedTransition(current.Status, rec.Status) {
		return current, false, InvalidTransitionError{ShipmentID: current.ShipmentID, From: current.Status, To: rec.Status}
	}
	next := current
	next.Status = rec.Status
	next.Version = current.Version + 1
	next.UpdatedAt = now.UTC().Format(time.RFC3339)
	if rec.Origin != "" {
		next.Origin = rec.Origin
	}
	if rec.Destination != "" {
		next.Destination = rec.Destination
	}
	if rec.DeclaredValue != 0 {
		next.DeclaredValue = rec.DeclaredValue
	}
	// History length equals version, so the next seq is derivable even when
	// the caller loaded the row without its history.
	next.History = append(append([]domain.HistoryEntry(nil), current.History...), domain.HistoryEntry{
		Seq:        int(current.Version) + 1,
		FromStatus: current.Status,
		ToStatus:   rec.Status,
		EventID:    rec.EventID,
		TS:         ts,
	})
	mergeEnrichment(&next, enr)
	return next, true, nil
}

func mergeEnrichment(s *domain.ShipmentState, enr *domain.EnrichmentResult) {
	if enr == nil {
		return
	}
	s.Classification = enr.Classification
	s.Confidence = enr.ConfidenceScore
}
