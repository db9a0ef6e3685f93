package engine_test

import (
	"errors"
	"testing"
	"time"

	"embarques/internal/domain"
	"embarques/internal/engine"
)

var allStatuses = []string{
	domain.StatusPending,
	domain.StatusInTransit,
	domain.StatusCustomsHold,
	domain.StatusDelivered,
	domain.StatusCancelled,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]string]bool{
		{domain.StatusPending, domain.StatusInTransit}:     true,
		{domain.StatusPending, domain.StatusCancelled}:     true,
		{domain.StatusInTransit, domain.StatusCustomsHold}: true,
		{domain.StatusInTransit, domain.StatusDelivered}:   true,
		{domain.StatusInTransit, domain.StatusCancelled}:   true,
		{domain.StatusCustomsHold, domain.StatusInTransit}: true,
		{domain.StatusCustomsHold, domain.StatusCancelled}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]string{from, to}]
			if got := engine.AllowedTransition(from, to); got != want {
				t.Errorf("AllowedTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesAllowNothing(t *testing.T) {
	for _, from := range []string{domain.StatusDelivered, domain.StatusCancelled} {
		for _, to := range allStatuses {
			if engine.AllowedTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestApplyFreshShipment(t *testing.T) {
	rec := domain.ImportRecord{
		EventID:    "evt-1",
		ShipmentID: "SHP-1",
		Status:     domain.StatusPending,
		Origin:     "Qingdao",
	}
	next, changed, err := engine.Apply(domain.ShipmentState{}, rec, nil, fixedNow())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("expected changed")
	}
	if next.Version != 1 || len(next.History) != 1 {
		t.Fatalf("version=%d history=%d", next.Version, len(next.History))
	}
	h := next.History[0]
	if h.Seq != 1 || h.FromStatus != "" || h.ToStatus != domain.StatusPending || h.EventID != "evt-1" {
		t.Fatalf("history entry: %+v", h)
	}
}

func TestApplyTransition(t *testing.T) {
	current := domain.ShipmentState{
		ShipmentID: "SHP-1",
		Status:     domain.StatusPending,
		Version:    1,
	}
	rec := domain.ImportRecord{EventID: "evt-2", ShipmentID: "SHP-1", Status: domain.StatusInTransit}
	next, changed, err := engine.Apply(current, rec, nil, fixedNow())
	if err != nil || !changed {
		t.Fatalf("apply: changed=%v err=%v", changed, err)
	}
	if next.Version != 2 || next.Status != domain.StatusInTransit {
		t.Fatalf("next: %+v", next)
	}
	// Seq stays derivable even when the caller loaded state without history.
	h := next.History[len(next.History)-1]
	if h.Seq != 2 || h.FromStatus != domain.StatusPending {
		t.Fatalf("history entry: %+v", h)
	}
}

func TestApplyInvalidTransition(t *testing.T) {
	current := domain.ShipmentState{ShipmentID: "SHP-1", Status: domain.StatusPending, Version: 1}
	rec := domain.ImportRecord{EventID: "evt-3", ShipmentID: "SHP-1", Status: domain.StatusCustomsHold}
	_, _, err := engine.Apply(current, rec, nil, fixedNow())
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != domain.StatusPending || ite.To != domain.StatusCustomsHold {
		t.Fatalf("error fields: %+v", ite)
	}
}

func TestApplyTerminalNoOp(t *testing.T) {
	for _, status := range []string{domain.StatusDelivered, domain.StatusCancelled} {
		current := domain.ShipmentState{ShipmentID: "SHP-1", Status: status, Version: 3}
		rec := domain.ImportRecord{EventID: "evt-4", ShipmentID: "SHP-1", Status: domain.StatusInTransit}
		next, changed, err := engine.Apply(current, rec, nil, fixedNow())
		if err != nil {
			t.Fatalf("terminal %s: %v", status, err)
		}
		if changed || next.Version != 3 || next.Status != status {
			t.Fatalf("terminal %s mutated: changed=%v %+v", status, changed, next)
		}
	}
}

func TestApplySameStatusNoOp(t *testing.T) {
	current := domain.ShipmentState{ShipmentID: "SHP-1", Status: domain.StatusInTransit, Version: 2}
	rec := domain.ImportRecord{EventID: "evt-5", ShipmentID: "SHP-1", Status: domain.StatusInTransit}
	next, changed, err := engine.Apply(current, rec, nil, fixedNow())
	if err != nil || changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if next.Version != 2 {
		t.Fatalf("version = %d", next.Version)
	}
}

func TestApplyEnrichmentIsAdvisory(t *testing.T) {
	rec := domain.ImportRecord{EventID: "evt-6", ShipmentID: "SHP-1", Status: domain.StatusPending}
	enr := &domain.EnrichmentResult{Classification: "electronics", ConfidenceScore: 0.94}

	withEnr, _, err := engine.Apply(domain.ShipmentState{}, rec, enr, fixedNow())
	if err != nil {
		t.Fatalf("apply with enrichment: %v", err)
	}
	withoutEnr, _, err := engine.Apply(domain.ShipmentState{}, rec, nil, fixedNow())
	if err != nil {
		t.Fatalf("apply without enrichment: %v", err)
	}
	if withEnr.Classification != "electronics" || withEnr.Confidence != 0.94 {
		t.Fatalf("enrichment not merged: %+v", withEnr)
	}
	// Status and version are identical either way.
	if withEnr.Status != withoutEnr.Status || withEnr.Version != withoutEnr.Version {
		t.Fatalf("enrichment changed the transition: %+v vs %+v", withEnr, withoutEnr)
	}
}
