package alert

import (
	"context"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
)

// InStoreChannel is a no-op Channel: alerts are already persisted by
// Emitter.Emit before any Channel runs, so the in-store "delivery" the
// spec describes is just the row already sitting in the alerts table,
// readable by the API's alert-feed endpoint. Keeping it as an explicit
// Channel (rather than special-casing "no channels configured") keeps the
// dispatcher's fan-out loop uniform.
type InStoreChannel struct{}

func (InStoreChannel) Name() string { return "in_store" }

func (InStoreChannel) Send(_ context.Context, _ *gridmodel.Alert) error {
	return nil
}
