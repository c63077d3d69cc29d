package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
)

// AlertRepository persists Alert records and answers the dedup-window
// lookups the alert layer needs before inserting a new one (spec.md §4.5).
// Shaped after trade_repository.go's insert/scan pattern.
type AlertRepository struct {
	log zerolog.Logger
}

func NewAlertRepository(log zerolog.Logger) *AlertRepository {
	return &AlertRepository{log: log.With().Str("repo", "alert").Logger()}
}

const alertSelectColumns = `
	SELECT id, kind, severity, grid_id, symbol, payload_json, dedup_key,
	       created_at, dispatched_at, dispatch_attempts, dispatch_state
	FROM alerts`

func (r *AlertRepository) Create(db DBTX, a *gridmodel.Alert) (int64, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal alert payload: %w", err)
	}
	res, err := db.Exec(
		`INSERT INTO alerts (kind, severity, grid_id, symbol, payload_json, dedup_key, created_at, dispatch_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.Kind), string(a.Severity), a.GridID, a.Symbol, string(payload),
		a.DedupKey, a.CreatedAt.UTC().Format(time.RFC3339), string(gridmodel.DispatchPending),
	)
	if err != nil {
		return 0, fmt.Errorf("create alert: %w", err)
	}
	return res.LastInsertId()
}

// ExistsWithinWindow reports whether a non-bypassed alert with dedupKey was
// created at or after since — the dedup check of spec.md §4.5.
func (r *AlertRepository) ExistsWithinWindow(db DBTX, dedupKey string, since time.Time) (bool, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM alerts WHERE dedup_key = ? AND created_at >= ?`,
		dedupKey, since.UTC().Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check alert dedup window: %w", err)
	}
	return count > 0, nil
}

func (r *AlertRepository) ListUndispatched(db DBTX, limit int) ([]*gridmodel.Alert, error) {
	rows, err := db.Query(
		alertSelectColumns+` WHERE dispatch_state = 'PENDING' ORDER BY created_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list undispatched alerts: %w", err)
	}
	defer rows.Close()

	var out []*gridmodel.Alert
	for rows.Next() {
		a, err := scanAlertRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AlertRepository) MarkSent(db DBTX, id int64, at time.Time) error {
	_, err := db.Exec(
		`UPDATE alerts SET dispatch_state = 'SENT', dispatched_at = ?, dispatch_attempts = dispatch_attempts + 1 WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

// MarkAttemptFailed increments the retry counter, flipping to the terminal
// DISPATCH_FAILED state once attempts reaches maxAttempts (spec.md §4.5
// exponential backoff, N attempts).
func (r *AlertRepository) MarkAttemptFailed(db DBTX, id int64, maxAttempts int) error {
	row := db.QueryRow(`SELECT dispatch_attempts FROM alerts WHERE id = ?`, id)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return fmt.Errorf("read alert attempts: %w", err)
	}
	attempts++
	state := string(gridmodel.DispatchPending)
	if attempts >= maxAttempts {
		state = string(gridmodel.DispatchFailed)
	}
	_, err := db.Exec(
		`UPDATE alerts SET dispatch_attempts = ?, dispatch_state = ? WHERE id = ?`,
		attempts, state, id,
	)
	if err != nil {
		return fmt.Errorf("mark alert attempt failed: %w", err)
	}
	return nil
}

func scanAlertRows(rows *sql.Rows) (*gridmodel.Alert, error) {
	var (
		a                      gridmodel.Alert
		kind, severity, state  string
		gridID                 sql.NullInt64
		payload                string
		createdAt              string
		dispatchedAt           sql.NullString
	)
	err := rows.Scan(
		&a.ID, &kind, &severity, &gridID, &a.Symbol, &payload, &a.DedupKey,
		&createdAt, &dispatchedAt, &a.DispatchAttempts, &state,
	)
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Kind = gridmodel.AlertKind(kind)
	a.Severity = gridmodel.AlertSeverity(severity)
	a.DispatchState = gridmodel.DispatchState(state)
	if gridID.Valid {
		v := gridID.Int64
		a.GridID = &v
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal alert payload: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if dispatchedAt.Valid {
		t, _ := time.Parse(time.RFC3339, dispatchedAt.String)
		a.DispatchedAt = &t
	}
	return &a, nil
}
