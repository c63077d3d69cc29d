package alert

import (
	"context"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
)

// Channel delivers one Alert to an external or internal sink. Grounded on
// market_maker/internal/alert/alert.go's Channel interface: Send(ctx, Alert)
// error, with multiple channels registered against one dispatcher.
type Channel interface {
	Name() string
	Send(ctx context.Context, a *gridmodel.Alert) error
}
