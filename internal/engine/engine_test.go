package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"embarques/internal/config"
	"embarques/internal/db"
	"embarques/internal/domain"
	"embarques/internal/engine"
	"embarques/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func rawV1(eventID, shipmentID, status string) domain.RawEvent {
	body := fmt.Sprintf(`{"event_id":%q,"shipment_id":%q,"status":%q}`, eventID, shipmentID, status)
	return domain.RawEvent{BodyBytes: []byte(body)}
}

func TestProcessEventLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// Creation arrives in the current nested shape.
	out, err := env.Engine.ProcessEvent(env.Ctx, domain.RawEvent{BodyBytes: []byte(`{
		"event_id": "evt-1",
		"shipment": {"id": "SHP-1", "status": "pending", "origin": "Shenzhen", "destination": "Santos"}
	}`)})
	if err != nil || out != engine.OutcomeAccepted {
		t.Fatalf("create: outcome=%s err=%v", out, err)
	}

	// The next leg lands in the flat v1 shape.
	out, err = env.Engine.ProcessEvent(env.Ctx, rawV1("evt-2", "SHP-1", "in_transit"))
	if err != nil || out != engine.OutcomeAccepted {
		t.Fatalf("transition: outcome=%s err=%v", out, err)
	}

	// A customs hold reported by a legacy Portuguese producer.
	out, err = env.Engine.ProcessEvent(env.Ctx, domain.RawEvent{BodyBytes: []byte(`{
		"evento_id": "evt-3", "embarque_id": "SHP-1", "situacao": "retido_alfandega"
	}`)})
	if err != nil || out != engine.OutcomeAccepted {
		t.Fatalf("legacy transition: outcome=%s err=%v", out, err)
	}

	s, err := env.Engine.Repo.GetShipment(env.Ctx, "SHP-1")
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if s.Status != domain.StatusCustomsHold || s.Version != 3 {
		t.Fatalf("state: %+v", s)
	}
	if len(s.History) != int(s.Version) {
		t.Fatalf("history length %d != version %d", len(s.History), s.Version)
	}
	for i, h := range s.History {
		if h.Seq != i+1 {
			t.Fatalf("history seq gap at %d: %+v", i, h)
		}
	}
	if s.Origin != "Shenzhen" {
		t.Fatalf("origin lost: %+v", s)
	}
}

func TestDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-1", "SHP-2", "pending")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	out, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-1", "SHP-2", "pending"))
	if err != nil || out != engine.OutcomeDuplicate {
		t.Fatalf("redelivery: outcome=%s err=%v", out, err)
	}
	s, err := env.Engine.Repo.GetShipment(env.Ctx, "SHP-2")
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if s.Version != 1 || len(s.History) != 1 {
		t.Fatalf("duplicate mutated state: %+v", s)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-1", "SHP-3", "pending")); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-2", "SHP-3", "delivered"))
	if err == nil {
		t.Fatal("expected error")
	}
	if out != engine.Rejected("invalid_transition") {
		t.Fatalf("outcome = %s", out)
	}
	s, _ := env.Engine.Repo.GetShipment(env.Ctx, "SHP-3")
	if s.Status != domain.StatusPending || s.Version != 1 {
		t.Fatalf("rejected event mutated state: %+v", s)
	}
	// The rejected event id was not consumed; the partner can resend a
	// corrected event under a new id, and the old one stays rejected.
	done, err := env.Engine.Repo.EventProcessed(env.Ctx, "evt-2")
	if err != nil {
		t.Fatalf("event processed: %v", err)
	}
	if done {
		t.Fatal("rejected event must not be marked processed")
	}
}

func TestTerminalShipmentNoOp(t *testing.T) {
	env := newTestEnv(t)
	for i, status := range []string{"pending", "in_transit", "delivered"} {
		if _, err := env.Engine.ProcessEvent(env.Ctx, rawV1(fmt.Sprintf("evt-%d", i), "SHP-4", status)); err != nil {
			t.Fatalf("step %s: %v", status, err)
		}
	}
	out, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-final", "SHP-4", "cancelled"))
	if err != nil || out != engine.OutcomeAccepted {
		t.Fatalf("terminal event: outcome=%s err=%v", out, err)
	}
	s, _ := env.Engine.Repo.GetShipment(env.Ctx, "SHP-4")
	if s.Status != domain.StatusDelivered || s.Version != 3 {
		t.Fatalf("terminal shipment mutated: %+v", s)
	}
	// The no-op still consumed the event id.
	done, _ := env.Engine.Repo.EventProcessed(env.Ctx, "evt-final")
	if !done {
		t.Fatal("terminal no-op must dedup the event")
	}
}

type failingEnricher struct{}

func (failingEnricher) Enrich(context.Context, domain.ImportRecord) (*domain.EnrichmentResult, error) {
	return nil, fmt.Errorf("provider down")
}

type staticEnricher struct{}

func (staticEnricher) Enrich(context.Context, domain.ImportRecord) (*domain.EnrichmentResult, error) {
	return &domain.EnrichmentResult{Classification: "machinery", ConfidenceScore: 0.8}, nil
}

func TestEnrichmentFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.AI.Enabled = true
	env.Engine.Enricher = failingEnricher{}

	out, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-1", "SHP-5", "pending"))
	if err != nil || out != engine.OutcomeAccepted {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	s, _ := env.Engine.Repo.GetShipment(env.Ctx, "SHP-5")
	if s.Classification != "" || s.Confidence != 0 {
		t.Fatalf("failed enrichment leaked into state: %+v", s)
	}
}

func TestEnrichmentDisabledIsNeverCalled(t *testing.T) {
	env := newTestEnv(t)
	// Enabled=false: the enricher must not run even when wired.
	env.Engine.Enricher = staticEnricher{}

	if _, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-1", "SHP-6", "pending")); err != nil {
		t.Fatalf("process: %v", err)
	}
	s, _ := env.Engine.Repo.GetShipment(env.Ctx, "SHP-6")
	if s.Classification != "" {
		t.Fatalf("enrichment ran while disabled: %+v", s)
	}
}

func TestEnrichmentMergedIntoState(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.AI.Enabled = true
	env.Engine.Enricher = staticEnricher{}

	if _, err := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-1", "SHP-7", "pending")); err != nil {
		t.Fatalf("process: %v", err)
	}
	s, _ := env.Engine.Repo.GetShipment(env.Ctx, "SHP-7")
	if s.Classification != "machinery" || s.Confidence != 0.8 {
		t.Fatalf("enrichment missing: %+v", s)
	}
}

func TestConcurrentRedelivery(t *testing.T) {
	env := newTestEnv(t)
	const workers = 5
	outcomes := make([]engine.Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _ := env.Engine.ProcessEvent(env.Ctx, rawV1("evt-race", "SHP-8", "pending"))
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for _, out := range outcomes {
		switch out {
		case engine.OutcomeAccepted:
			accepted++
		case engine.OutcomeDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected outcome %s", out)
		}
	}
	if accepted != 1 || duplicates != workers-1 {
		t.Fatalf("accepted=%d duplicates=%d", accepted, duplicates)
	}
	s, err := env.Engine.Repo.GetShipment(env.Ctx, "SHP-8")
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if s.Version != 1 || len(s.History) != 1 {
		t.Fatalf("race produced extra writes: %+v", s)
	}
}
