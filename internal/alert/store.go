package alert

import (
	"time"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/store"
)

// Emitter persists a new Alert after checking the dedup window — the
// single entry point the Monitor and Execution Engine use to raise events
// (spec.md §4.5: "alerts are persisted immediately on creation").
type Emitter struct {
	alerts *store.AlertRepository
}

func NewEmitter(alerts *store.AlertRepository) *Emitter {
	return &Emitter{alerts: alerts}
}

// DedupWindow is how far back ExistsWithinWindow looks for WARN/INFO
// alerts before suppressing a repeat (spec.md §4.5).
var DedupWindow = 15 * time.Minute

// MarketDataGapWindow is the minimum re-alert interval for MARKET_DATA_GAP
// specifically (spec.md §4.5).
var MarketDataGapWindow = time.Hour

// Emit persists a, unless severity is non-CRITICAL and an alert with the
// same dedup key already exists within the relevant window, in which case
// it is silently suppressed (returns false, nil).
func (e *Emitter) Emit(db store.DBTX, a *gridmodel.Alert) (bool, error) {
	if a.Severity != gridmodel.SeverityCritical {
		window := DedupWindow
		if a.Kind == gridmodel.AlertMarketDataGap {
			window = MarketDataGapWindow
		}
		exists, err := e.alerts.ExistsWithinWindow(db, a.DedupKey, time.Now().Add(-window))
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	id, err := e.alerts.Create(db, a)
	if err != nil {
		return false, err
	}
	a.ID = id
	return true, nil
}
