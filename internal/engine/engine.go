package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"embarques/internal/compat"
	"embarques/internal/config"
	"embarques/internal/domain"
	"embarques/internal/events"
	"embarques/internal/repo"
)

// Outcome is the per-event result surfaced to the partner and logged.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Rejected builds a rejection outcome with its reason.
func Rejected(reason string) Outcome {
	return Outcome("rejected:" + reason)
}

// Enricher is the advisory classification stage. A nil result without error
// is valid and means "no enrichment available".
type Enricher interface {
	Enrich(ctx context.Context, rec domain.ImportRecord) (*domain.EnrichmentResult, error)
}

// TransitionEvent is published after a state change commits.
type TransitionEvent struct {
	ShipmentID       string `json:"shipment_id"`
	EventID          string `json:"event_id"`
	FromStatus       string `json:"from_status,omitempty"`
	ToStatus         string `json:"to_status"`
	TS               string `json:"ts"`
	RawSchemaVersion string `json:"raw_schema_version"`
	Classification   string `json:"classification,omitempty"`
}

// Emitter forwards committed transitions to an external bus. Emission is
// best effort; failures never undo an already-committed write.
type Emitter interface {
	Emit(ctx context.Context, evt TransitionEvent) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Enricher Enricher
	Emitter  Emitter
	Log      zerolog.Logger
	Now      func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
		locks:  newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProcessEvent runs the full pipeline for one authenticated delivery:
// normalize, enrich, then serialize the state write per shipment id. The
// returned error is nil exactly when the outcome is accepted or duplicate.
func (e Engine) ProcessEvent(ctx context.Context, raw domain.RawEvent) (Outcome, error) {
	rec, err := compat.Normalize(raw)
	if err != nil {
		e.logOutcome(Rejected("schema_mismatch"), "", "", err)
		return Rejected("schema_mismatch"), err
	}

	done, err := e.Repo.EventProcessed(ctx, rec.EventID)
	if err != nil {
		return Rejected("store_error"), fmt.Errorf("dedup lookup: %w", err)
	}
	if done {
		e.logOutcome(OutcomeDuplicate, rec.ShipmentID, rec.EventID, nil)
		return OutcomeDuplicate, nil
	}

	// Enrichment runs before the exclusive section so a slow provider can
	// never stall the per-shipment lock.
	enr := e.enrich(ctx, rec)

	unlock := e.locks.Lock(rec.ShipmentID)
	defer unlock()

	var (
		next    domain.ShipmentState
		changed bool
		outcome Outcome
	)
	attempts := e.Config.MaxWriteAttempts()
	for attempt := 1; ; attempt++ {
		next, changed, outcome, err = e.commitEvent(ctx, rec, enr)
		if err == nil || !errors.Is(err, repo.ErrVersionConflict) || attempt >= attempts {
			break
		}
		e.Log.Warn().Str("shipment_id", rec.ShipmentID).Int("attempt", attempt).Msg("state write conflict, retrying")
	}
	if err != nil {
		var ite InvalidTransitionError
		if errors.As(err, &ite) {
			e.logOutcome(Rejected("invalid_transition"), rec.ShipmentID, rec.EventID, err)
			return Rejected("invalid_transition"), err
		}
		e.logOutcome(Rejected("store_error"), rec.ShipmentID, rec.EventID, err)
		return Rejected("store_error"), fmt.Errorf("state write: %w", err)
	}
	if outcome == OutcomeDuplicate {
		e.logOutcome(OutcomeDuplicate, rec.ShipmentID, rec.EventID, nil)
		return OutcomeDuplicate, nil
	}

	if changed && e.Emitter != nil {
		last := next.History[len(next.History)-1]
		evt := TransitionEvent{
			ShipmentID:       next.ShipmentID,
			EventID:          rec.EventID,
			FromStatus:       last.FromStatus,
			ToStatus:         last.ToStatus,
			TS:               last.TS,
			RawSchemaVersion: rec.RawSchemaVersion,
			Classification:   next.Classification,
		}
		if err := e.Emitter.Emit(ctx, evt); err != nil {
			e.Log.Warn().Err(err).Str("shipment_id", next.ShipmentID).Msg("transition emit failed")
		}
	}
	e.logOutcome(OutcomeAccepted, rec.ShipmentID, rec.EventID, nil)
	return OutcomeAccepted, nil
}

// commitEvent performs the read-modify-write under the caller-held shipment
// lock. Everything durable (state, history, dedup marker, audit event)
// commits in one transaction.
func (e Engine) commitEvent(ctx context.Context, rec domain.ImportRecord, enr *domain.EnrichmentResult) (domain.ShipmentState, bool, Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShipmentState{}, false, "", err
	}
	defer tx.Rollback()

	// Re-check under the lock: a concurrent delivery of the same event may
	// have committed while this one was enriching.
	var seen int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events WHERE event_id=?`, rec.EventID).Scan(&seen)
	if err != nil {
		return domain.ShipmentState{}, false, "", err
	}
	if seen > 0 {
		return domain.ShipmentState{}, false, OutcomeDuplicate, nil
	}

	current, err := e.Repo.GetShipmentTx(ctx, tx, rec.ShipmentID)
	fresh := errors.Is(err, repo.ErrNotFound)
	if err != nil && !fresh {
		return domain.ShipmentState{}, false, "", err
	}
	if fresh {
		current = domain.ShipmentState{}
	}

	next, changed, err := Apply(current, rec, enr, e.now())
	if err != nil {
		return domain.ShipmentState{}, false, "", err
	}

	ts := e.now().UTC().Format(time.RFC3339)
	switch {
	case changed && fresh:
		if err := e.Repo.InsertShipmentTx(ctx, tx, next); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
		if err := e.Repo.AppendHistoryTx(ctx, tx, next.ShipmentID, next.History[len(next.History)-1]); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
		if err := e.Events.Append(ctx, tx, "shipment.created", next.ShipmentID, rec.EventID, events.EventPayload{
			"status": next.Status,
			"schema": rec.RawSchemaVersion,
		}); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
	case changed:
		if err := e.Repo.UpdateShipmentCAS(ctx, tx, next, current.Version); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
		if err := e.Repo.AppendHistoryTx(ctx, tx, next.ShipmentID, next.History[len(next.History)-1]); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
		if err := e.Events.Append(ctx, tx, "shipment.transition", next.ShipmentID, rec.EventID, events.EventPayload{
			"from":   current.Status,
			"to":     next.Status,
			"schema": rec.RawSchemaVersion,
		}); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
	default:
		// Terminal shipment or repeated status: accepted as a no-op so
		// redelivery cannot corrupt history.
		if err := e.Events.Append(ctx, tx, "event.ignored", rec.ShipmentID, rec.EventID, events.EventPayload{
			"status":           current.Status,
			"requested_status": rec.Status,
		}); err != nil {
			return domain.ShipmentState{}, false, "", err
		}
	}
	if err := e.Repo.MarkEventProcessedTx(ctx, tx, rec.EventID, rec.ShipmentID, string(OutcomeAccepted), ts); err != nil {
		return domain.ShipmentState{}, false, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.ShipmentState{}, false, "", err
	}
	return next, changed, OutcomeAccepted, nil
}

// enrich runs the advisory stage. Any failure degrades to no enrichment.
func (e Engine) enrich(ctx context.Context, rec domain.ImportRecord) *domain.EnrichmentResult {
	if e.Config == nil || !e.Config.AI.Enabled || e.Enricher == nil {
		return nil
	}
	enr, err := e.Enricher.Enrich(ctx, rec)
	if err != nil {
		e.Log.Warn().Err(err).Str("shipment_id", rec.ShipmentID).Msg("enrichment unavailable")
		return nil
	}
	return enr
}

func (e Engine) logOutcome(outcome Outcome, shipmentID, eventID string, err error) {
	evt := e.Log.Info()
	if err != nil {
		evt = e.Log.Error().Err(err)
	}
	evt.Str("outcome", string(outcome)).
		Str("shipment_id", shipmentID).
		Str("event_id", eventID).
		Msg("webhook event processed")
}
