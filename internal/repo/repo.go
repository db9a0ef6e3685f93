package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"embarques/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict signals a lost compare-and-swap race on a shipment
	// row. Callers retry with a fresh read, bounded by config.
	ErrVersionConflict = errors.New("shipment version conflict")
)

func scanShipment(row *sql.Row) (domain.ShipmentState, error) {
	var s domain.ShipmentState
	var origin, destination, classification sql.NullString
	var declared, confidence sql.NullFloat64
	err := row.Scan(&s.ShipmentID, &s.Status, &origin, &destination, &declared, &classification, &confidence, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Origin = origin.String
	s.Destination = destination.String
	s.DeclaredValue = declared.Float64
	s.Classification = classification.String
	s.Confidence = confidence.Float64
	return s, nil
}

const shipmentColumns = `shipment_id,status,origin,destination,declared_value,classification,confidence,version,created_at,updated_at`

// GetShipment loads a shipment with its full history.
func (r Repo) GetShipment(ctx context.Context, id string) (domain.ShipmentState, error) {
	s, err := scanShipment(r.DB.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE shipment_id=?`, id))
	if err != nil {
		return s, err
	}
	s.History, err = r.ShipmentHistory(ctx, id)
	return s, err
}

// GetShipmentTx loads the shipment row inside tx without history. Used on the
// read-modify-write path where only status and version matter.
func (r Repo) GetShipmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.ShipmentState, error) {
	return scanShipment(tx.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE shipment_id=?`, id))
}

// ShipmentHistory returns the append-only transition history in seq order.
func (r Repo) ShipmentHistory(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT seq,COALESCE(from_status,''),to_status,event_id,ts FROM shipment_history WHERE shipment_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.Seq, &h.FromStatus, &h.ToStatus, &h.EventID, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// InsertShipmentTx creates a fresh shipment row at version 1.
func (r Repo) InsertShipmentTx(ctx context.Context, tx *sql.Tx, s domain.ShipmentState) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO shipments(`+shipmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ShipmentID, s.Status, nullable(s.Origin), nullable(s.Destination),
		nullableFloat(s.DeclaredValue), nullable(s.Classification), nullableFloat(s.Confidence),
		s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateShipmentCAS writes the new state only when the stored version still
// equals expectedVersion. A lost race returns ErrVersionConflict.
func (r Repo) UpdateShipmentCAS(ctx context.Context, tx *sql.Tx, s domain.ShipmentState, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE shipments SET status=?,origin=?,destination=?,declared_value=?,classification=?,confidence=?,version=?,updated_at=?
		 WHERE shipment_id=? AND version=?`,
		s.Status, nullable(s.Origin), nullable(s.Destination),
		nullableFloat(s.DeclaredValue), nullable(s.Classification), nullableFloat(s.Confidence),
		s.Version, s.UpdatedAt, s.ShipmentID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("shipment %s: %w", s.ShipmentID, ErrVersionConflict)
	}
	return nil
}

// AppendHistoryTx records one applied transition.
func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, shipmentID string, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO shipment_history(shipment_id,seq,from_status,to_status,event_id,ts) VALUES (?,?,?,?,?,?)`,
		shipmentID, h.Seq, nullable(h.FromStatus), h.ToStatus, h.EventID, h.TS)
	return err
}

// EventProcessed reports whether the partner event id was already committed.
func (r Repo) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM processed_events WHERE event_id=? LIMIT 1`, eventID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// MarkEventProcessedTx records the event id in the same transaction as the
// state write, making redelivery a detectable no-op.
func (r Repo) MarkEventProcessedTx(ctx context.Context, tx *sql.Tx, eventID, shipmentID, outcome, ts string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events(event_id,shipment_id,outcome,processed_at) VALUES (?,?,?,?)`,
		eventID, shipmentID, outcome, ts)
	return err
}

// ListShipments returns shipments most recently updated first, optionally
// filtered by status.
func (r Repo) ListShipments(ctx context.Context, status string, limit int) ([]domain.ShipmentState, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + shipmentColumns + ` FROM shipments`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShipmentState
	for rows.Next() {
		var s domain.ShipmentState
		var origin, destination, classification sql.NullString
		var declared, confidence sql.NullFloat64
		if err := rows.Scan(&s.ShipmentID, &s.Status, &origin, &destination, &declared, &classification, &confidence, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Origin = origin.String
		s.Destination = destination.String
		s.DeclaredValue = declared.Float64
		s.Classification = classification.String
		s.Confidence = confidence.Float64
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountShipmentsByStatus powers the status summary.
func (r Repo) CountShipmentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM shipments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// EventsAfter returns up to limit audit events with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(shipment_id,''),COALESCE(event_id,''),payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the id of the newest audit event, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// ListEvents returns recent audit events newest first with optional filters.
func (r Repo) ListEvents(ctx context.Context, limit int, cursor int64, shipmentID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		conds []string
		args  []any
	)
	if cursor > 0 {
		conds = append(conds, "id<?")
		args = append(args, cursor)
	}
	if shipmentID != "" {
		conds = append(conds, "shipment_id=?")
		args = append(args, shipmentID)
	}
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(shipment_id,''),COALESCE(event_id,''),payload_json FROM events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ShipmentID, &e.EventID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}
