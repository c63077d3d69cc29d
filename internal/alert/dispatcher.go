package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/store"
)

// MaxDispatchAttempts is the exponential-backoff attempt ceiling after
// which an alert is marked DISPATCH_FAILED but kept persisted
// (spec.md §4.5).
const MaxDispatchAttempts = 5

// Dispatcher is the scheduler Job that drains PENDING alerts and fans
// them out to every registered Channel, one channel after another, with
// the channel-interface shape of market_maker's AlertManager.Alert, but
// against a persisted queue instead of a fire-and-forget in-memory call.
type Dispatcher struct {
	store    *store.AlertRepository
	db       store.DBTX
	channels []Channel
	log      zerolog.Logger
	mu       sync.RWMutex
}

func NewDispatcher(alerts *store.AlertRepository, db store.DBTX, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store: alerts,
		db:    db,
		log:   log.With().Str("component", "alert_dispatcher").Logger(),
	}
}

func (d *Dispatcher) Name() string { return "alert_dispatcher" }

func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
	d.log.Info().Str("channel", ch.Name()).Msg("registered alert channel")
}

// Run satisfies scheduler.Job. The cron wrapper gives jobs no context, so
// each tick gets a fresh background context bounded only by the per-channel
// send timeout inside dispatchOne.
func (d *Dispatcher) Run() error {
	return d.RunContext(context.Background())
}

// RunContext drains up to batchSize undispatched alerts and attempts
// delivery through every channel. A channel failure increments the alert's
// attempt counter, and the alert is retried on a later scheduler tick once
// its backoff has elapsed: after n failed attempts it waits until
// retryBase*(2^n-1) past its creation time (30s, 90s, 210s, 450s), so the
// gap between attempts doubles each time. The wait is a skip, not an
// in-process sleep, since the dispatcher must not block the scheduler.
// Exposed separately from Run so tests can pass a cancellable context.
func (d *Dispatcher) RunContext(ctx context.Context) error {
	const batchSize = 50
	const retryBase = 30 * time.Second
	pending, err := d.store.ListUndispatched(d.db, batchSize)
	if err != nil {
		return err
	}

	d.mu.RLock()
	channels := append([]Channel(nil), d.channels...)
	d.mu.RUnlock()

	now := time.Now().UTC()
	for _, a := range pending {
		if a.DispatchAttempts > 0 {
			backoff := retryBase * time.Duration((1<<uint(a.DispatchAttempts))-1)
			if now.Before(a.CreatedAt.Add(backoff)) {
				continue
			}
		}
		if err := d.dispatchOne(ctx, a, channels); err != nil {
			d.log.Warn().Err(err).Int64("alert_id", a.ID).Msg("alert dispatch attempt failed")
			if markErr := d.store.MarkAttemptFailed(d.db, a.ID, MaxDispatchAttempts); markErr != nil {
				d.log.Error().Err(markErr).Int64("alert_id", a.ID).Msg("failed to record dispatch attempt")
			}
			continue
		}
		if err := d.store.MarkSent(d.db, a.ID, time.Now().UTC()); err != nil {
			d.log.Error().Err(err).Int64("alert_id", a.ID).Msg("failed to mark alert sent")
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a *gridmodel.Alert, channels []Channel) error {
	var firstErr error
	for _, ch := range channels {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ch.Send(sendCtx, a)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
