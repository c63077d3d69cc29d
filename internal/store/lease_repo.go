package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LeaseRepository backs the scheduler's single-flight guarantee (spec.md
// §4.6): before running a scheduled task, a node must hold the lease row
// for that task name. Grounded on the lease-table pattern rather than a
// distributed lock service, since the datastore here is a single SQLite
// file shared by whichever process owns it.
type LeaseRepository struct{}

func NewLeaseRepository() *LeaseRepository {
	return &LeaseRepository{}
}

// TryAcquire attempts to take or renew the lease for taskName, holding it
// until expiresAt. It succeeds if no lease row exists, the existing lease
// has expired, or holderID already owns it. Returns false (no error) if
// another holder's lease is still live.
func (r *LeaseRepository) TryAcquire(db DBTX, taskName, holderID string, expiresAt time.Time) (bool, error) {
	row := db.QueryRow(`SELECT holder_id, expires_at FROM leases WHERE task_name = ?`, taskName)
	var currentHolder, currentExpiry string
	err := row.Scan(&currentHolder, &currentExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := db.Exec(
			`INSERT INTO leases (task_name, holder_id, expires_at) VALUES (?, ?, ?)`,
			taskName, holderID, expiresAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return false, fmt.Errorf("insert lease: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("read lease: %w", err)
	}

	expiry, _ := time.Parse(time.RFC3339, currentExpiry)
	if currentHolder != holderID && time.Now().Before(expiry) {
		return false, nil
	}
	_, err = db.Exec(
		`UPDATE leases SET holder_id = ?, expires_at = ? WHERE task_name = ?`,
		holderID, expiresAt.UTC().Format(time.RFC3339), taskName,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

// Release drops the lease early, e.g. after a task finishes well before its
// TTL, so the next scheduled run doesn't have to wait out the full lease.
func (r *LeaseRepository) Release(db DBTX, taskName, holderID string) error {
	_, err := db.Exec(`DELETE FROM leases WHERE task_name = ? AND holder_id = ?`, taskName, holderID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
