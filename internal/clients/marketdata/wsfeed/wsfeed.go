// Package wsfeed is a streaming marketdata.Port implementation, grounded
// on the reconnect-and-decode loop of
// easyspace-ai-upcow/back/momentum/polygon_feed.go: dial, read JSON frames
// in a loop, reconnect with backoff on error. It maintains a per-symbol
// last-price cache rather than emitting a signal channel, since the grid
// monitor wants CurrentPrices(symbols) snapshots, not a push feed.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/apperr"
)

type tick struct {
	price      decimal.Decimal
	observedAt time.Time
}

// Feed maintains a live per-symbol price cache fed by a websocket stream.
// It implements marketdata.Port's CurrentPrices from that cache; it does
// not implement HistoricalCloses (streaming feeds carry no history) —
// callers needing historical closes for DYNAMIC planning use httpfeed.
type Feed struct {
	url     string
	apiKey  string
	dialer  *websocket.Dialer
	log     zerolog.Logger
	maxStale time.Duration

	mu     sync.RWMutex
	cache  map[string]tick
}

func New(streamURL, apiKey string, log zerolog.Logger) *Feed {
	return &Feed{
		url:      streamURL,
		apiKey:   apiKey,
		dialer:   websocket.DefaultDialer,
		log:      log.With().Str("client", "wsfeed").Logger(),
		maxStale: 2 * time.Minute,
	}
}

type frame struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Run dials the feed and processes frames until ctx is cancelled,
// reconnecting with fixed backoff on any read/dial error.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.runOnce(ctx); err != nil {
			f.log.Warn().Err(err).Msg("market data stream disconnected, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	u, err := url.Parse(f.url)
	if err != nil {
		return fmt.Errorf("parse stream url: %w", err)
	}
	if f.apiKey != "" {
		q := u.Query()
		q.Set("apiKey", f.apiKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		var fr frame
		if err := json.Unmarshal(msg, &fr); err != nil {
			f.log.Warn().Err(err).Msg("malformed stream frame")
			continue
		}
		if fr.Symbol == "" {
			continue
		}
		f.mu.Lock()
		if f.cache == nil {
			f.cache = make(map[string]tick)
		}
		f.cache[fr.Symbol] = tick{price: decimal.NewFromFloat(fr.Price), observedAt: time.Now()}
		f.mu.Unlock()
	}
}

// CurrentPrices reads from the live cache; a symbol absent or staler than
// maxStale is omitted, surfacing as a MARKET_DATA_GAP to the monitor.
func (f *Feed) CurrentPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(symbols))
	now := time.Now()
	for _, sym := range symbols {
		t, ok := f.cache[sym]
		if !ok || now.Sub(t.observedAt) > f.maxStale {
			continue
		}
		out[sym] = t.price
	}
	return out, nil
}

// HistoricalCloses is unsupported by a streaming feed.
func (f *Feed) HistoricalCloses(_ context.Context, symbol string, _ int) ([]decimal.Decimal, error) {
	return nil, apperr.New(apperr.DataGap, apperr.CodeInsufficientHistory, "wsfeed does not retain historical closes for "+symbol)
}
