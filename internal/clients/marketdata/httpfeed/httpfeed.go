// Package httpfeed implements marketdata.Port against a public quote API,
// adapted from the teacher's internal/clients/yahoo client: same HTTP
// client shape, header mimicry and exponential-backoff retry, narrowed to
// price-only fields and generalized from one-symbol-at-a-time calls to a
// single batched quote request (spec.md §4.4 step 2) plus a bounded-pool
// historical-closes fetch (spec.md §5: parallel symbol fetches, suggested
// pool 10-20, via golang.org/x/sync).
package httpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/otso-systems/gridtrader/internal/apperr"
)

// Feed is a marketdata.Port backed by a quote HTTP API.
type Feed struct {
	client    *http.Client
	quoteURL  string
	chartURL  string
	poolSize  int64
	maxRetry  int
	log       zerolog.Logger
}

// Option configures a Feed at construction.
type Option func(*Feed)

func WithPoolSize(n int64) Option {
	return func(f *Feed) { f.poolSize = n }
}

func WithMaxRetries(n int) Option {
	return func(f *Feed) { f.maxRetry = n }
}

// New builds a Feed. quoteURL and chartURL are the batched-quote and
// per-symbol-chart endpoints respectively; both accept a "symbols"/"symbol"
// query parameter the way the teacher's Yahoo client did.
func New(quoteURL, chartURL string, log zerolog.Logger, opts ...Option) *Feed {
	f := &Feed{
		client:   &http.Client{Timeout: 15 * time.Second},
		quoteURL: quoteURL,
		chartURL: chartURL,
		poolSize: 15,
		maxRetry: 3,
		log:      log.With().Str("client", "httpfeed").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []map[string]any `json:"result"`
		Error  any              `json:"error"`
	} `json:"quoteResponse"`
}

// CurrentPrices issues one batched HTTP request for all symbols (spec.md
// §4.4 step 2 "single bulk call when supported"). Symbols the backend
// omits from its result set are simply absent from the returned map.
func (f *Feed) CurrentPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("fields", "symbol,regularMarketPrice,currentPrice")
	reqURL := f.quoteURL + "?" + params.Encode()

	body, err := f.getWithRetry(ctx, reqURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, apperr.CodeMarketDataTimeout, err)
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.Transient, apperr.CodeMarketDataTimeout, fmt.Errorf("decode quote response: %w", err))
	}
	if parsed.QuoteResponse.Error != nil {
		return nil, apperr.New(apperr.Transient, apperr.CodeMarketDataTimeout, fmt.Sprintf("quote API error: %v", parsed.QuoteResponse.Error))
	}

	out := make(map[string]decimal.Decimal, len(parsed.QuoteResponse.Result))
	for _, row := range parsed.QuoteResponse.Result {
		sym, _ := row["symbol"].(string)
		if sym == "" {
			continue
		}
		price := numberField(row, "currentPrice")
		if price == nil {
			price = numberField(row, "regularMarketPrice")
		}
		if price == nil {
			continue
		}
		out[sym] = *price
	}
	return out, nil
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"chart"`
}

// HistoricalCloses fetches lookbackDays of daily closes for one symbol.
// Call sites requesting several symbols' history concurrently should bound
// concurrency with the same pool size this Feed uses internally; see
// gridplan.Planner which calls this per-symbol, not in bulk.
func (f *Feed) HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("range", rangeParam(lookbackDays))
	params.Set("interval", "1d")
	reqURL := f.chartURL + "/" + url.PathEscape(symbol) + "?" + params.Encode()

	body, err := f.getWithRetry(ctx, reqURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, apperr.CodeMarketDataTimeout, err)
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.Transient, apperr.CodeMarketDataTimeout, fmt.Errorf("decode chart response: %w", err))
	}
	if parsed.Chart.Error != nil || len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, apperr.New(apperr.DataGap, apperr.CodeInsufficientHistory, "no historical closes available for "+symbol)
	}

	closes := parsed.Chart.Result[0].Indicators.Quote[0].Close
	out := make([]decimal.Decimal, 0, len(closes))
	for _, c := range closes {
		if c == nil {
			continue
		}
		out = append(out, decimal.NewFromFloat(*c))
	}
	if len(out) > lookbackDays {
		out = out[len(out)-lookbackDays:]
	}
	return out, nil
}

// HistoricalClosesBatch fetches several symbols' history concurrently,
// bounded by the Feed's pool size (spec.md §5: "symbol-level market-data
// fetches SHOULD be parallel, bounded pool, suggested 10-20").
func (f *Feed) HistoricalClosesBatch(ctx context.Context, symbols []string, lookbackDays int) (map[string][]decimal.Decimal, error) {
	sem := semaphore.NewWeighted(f.poolSize)
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string][]decimal.Decimal, len(symbols))
	var mu sync.Mutex

	for _, sym := range symbols {
		sym := sym
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			closes, err := f.HistoricalCloses(ctx, sym, lookbackDays)
			if err != nil {
				f.log.Warn().Err(err).Str("symbol", sym).Msg("historical closes fetch failed")
				return nil
			}
			mu.Lock()
			results[sym] = closes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func rangeParam(lookbackDays int) string {
	switch {
	case lookbackDays <= 30:
		return "1mo"
	case lookbackDays <= 90:
		return "3mo"
	case lookbackDays <= 180:
		return "6mo"
	default:
		return "1y"
	}
}

func (f *Feed) getWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetry; attempt++ {
		body, err := f.get(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt < f.maxRetry-1 {
			wait := time.Duration(1<<uint(attempt)) * time.Second
			f.log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("market data fetch failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", f.maxRetry, lastErr)
}

func (f *Feed) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; gridtrader/1.0)")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func numberField(m map[string]any, key string) *decimal.Decimal {
	val, ok := m[key]
	if !ok || val == nil {
		return nil
	}
	switch v := val.(type) {
	case float64:
		d := decimal.NewFromFloat(v)
		return &d
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil
		}
		return &d
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil
		}
		return &d
	}
	return nil
}
