package marketrules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := map[string]Market{
		"600298.SS": CNShanghai,
		"000001.SZ": CNShenzhen,
		"0700.HK":   HongKong,
		"AAPL":      US,
		"":          OtherMarket,
		"ACME.XX":   OtherMarket,
	}
	for symbol, want := range cases {
		assert.Equal(t, want, Classify(symbol), "symbol %q", symbol)
	}
}

func TestAllowsShort(t *testing.T) {
	assert.True(t, AllowsShort(US))
	assert.False(t, AllowsShort(CNShanghai))
	assert.False(t, AllowsShort(CNShenzhen))
	assert.False(t, AllowsShort(HongKong))
	// Unknown suffix defaults to OTHER with allows_short = true (spec.md §4.1).
	assert.True(t, AllowsShort(Classify("ACME.XX")))
}

func TestIsOpenAt_OtherMarketAlwaysOpen(t *testing.T) {
	// A Sunday at midnight UTC should still be "open" for OTHER, by design —
	// the best-effort default documented in spec.md §4.1.
	sunday := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	assert.True(t, IsOpenAt(OtherMarket, sunday))
}

func TestIsOpenAt_USWindow(t *testing.T) {
	loc := mustLoad("America/New_York")
	// Wednesday 2026-08-05, 10:00 ET — inside the 09:30-16:00 window.
	open := time.Date(2026, 8, 5, 10, 0, 0, 0, loc)
	assert.True(t, IsOpenAt(US, open))

	// Same day, 17:00 ET — after close.
	closed := time.Date(2026, 8, 5, 17, 0, 0, 0, loc)
	assert.False(t, IsOpenAt(US, closed))

	// Saturday — weekend.
	weekend := time.Date(2026, 8, 8, 10, 0, 0, 0, loc)
	assert.False(t, IsOpenAt(US, weekend))
}

func TestIsOpenAt_ChinaWindow(t *testing.T) {
	loc := mustLoad("Asia/Shanghai")
	open := time.Date(2026, 8, 5, 10, 0, 0, 0, loc)
	assert.True(t, IsOpenAt(CNShanghai, open))

	afterClose := time.Date(2026, 8, 5, 15, 30, 0, 0, loc)
	assert.False(t, IsOpenAt(CNShanghai, afterClose))
}
