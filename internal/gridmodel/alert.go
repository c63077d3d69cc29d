package gridmodel

import "time"

// AlertKind enumerates the exhaustive set of alert classes the engine emits
// (spec.md §4.5).
type AlertKind string

const (
	AlertGridCreated        AlertKind = "GRID_CREATED"
	AlertOrderFilled        AlertKind = "ORDER_FILLED"
	AlertProfitMilestone    AlertKind = "PROFIT_MILESTONE"
	AlertPriceNearBoundary  AlertKind = "PRICE_NEAR_BOUNDARY"
	AlertPriceAboveRange    AlertKind = "PRICE_ABOVE_RANGE"
	AlertPriceBelowRange    AlertKind = "PRICE_BELOW_RANGE"
	AlertRebalanceSuggested AlertKind = "REBALANCE_SUGGESTED"
	AlertMarketDataGap      AlertKind = "MARKET_DATA_GAP"
	AlertInsufficientCash   AlertKind = "INSUFFICIENT_CASH"
	AlertInsufficientHold   AlertKind = "INSUFFICIENT_HOLDING"
	AlertGridCompleted      AlertKind = "GRID_COMPLETED"
	AlertGridRebalanced     AlertKind = "GRID_REBALANCED"
)

// AlertSeverity gates dedup policy (spec.md §4.5: CRITICAL bypasses dedup).
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarn     AlertSeverity = "WARN"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// DispatchState tracks an Alert's delivery lifecycle.
type DispatchState string

const (
	DispatchPending DispatchState = "PENDING"
	DispatchSent    DispatchState = "SENT"
	DispatchFailed  DispatchState = "DISPATCH_FAILED"
)

// Alert is an immutable record of a notable engine event.
type Alert struct {
	ID               int64
	Kind             AlertKind
	Severity         AlertSeverity
	GridID           *int64
	Symbol           string
	Payload          map[string]any
	DedupKey         string
	CreatedAt        time.Time
	DispatchedAt     *time.Time
	DispatchAttempts int
	DispatchState    DispatchState
}
