package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func price(t *testing.T, from, to, unit, tier string) Price {
	t.Helper()
	return Price{
		ValidFrom: mustDate(t, from),
		ValidTo:   mustDate(t, to),
		UnitPrice: decimal.RequireFromString(unit),
		Tier:      tier,
	}
}

func TestPrice_ValidOnInclusiveBounds(t *testing.T) {
	p := price(t, "2026-01-01", "2026-01-31", "1.00", "")

	assert.True(t, p.ValidOn(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, p.ValidOn(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, p.ValidOn(time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, p.ValidOn(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPrice_ValidOnUsesLocalCalendarDay(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	p := price(t, "2026-02-01", "2026-02-28", "1.00", "")

	// 00:30 local on Feb 1 is still Jan 31 in UTC.
	at := time.Date(2026, 2, 1, 0, 30, 0, 0, berlin)
	assert.True(t, p.ValidOn(at))
}

func TestCurrentPricePolicy_PicksValidPrice(t *testing.T) {
	article := Article{
		ID: "ART42",
		Prices: []Price{
			price(t, "2020-01-01", "2025-12-31", "2.00", ""),
			price(t, "2026-01-01", "2999-12-31", "2.50", ""),
		},
	}
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	p, ok := CurrentPricePolicy{}.SelectPrice(Member{}, article, at)
	require.True(t, ok)
	assert.Equal(t, "2.5", p.UnitPrice.String())
}

func TestCurrentPricePolicy_NoValidPrice(t *testing.T) {
	article := Article{
		ID:     "ART42",
		Prices: []Price{price(t, "2020-01-01", "2020-12-31", "2.00", "")},
	}

	_, ok := CurrentPricePolicy{}.SelectPrice(Member{}, article, time.Now())
	assert.False(t, ok)
}

func TestCurrentPricePolicy_TierSpecificBeatsGeneral(t *testing.T) {
	article := Article{
		ID: "ART42",
		Prices: []Price{
			price(t, "2020-01-01", "2999-12-31", "1.00", ""),
			price(t, "2020-01-01", "2999-12-31", "1.80", "youth"),
			price(t, "2020-01-01", "2999-12-31", "0.50", "guest"),
		},
	}
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	p, ok := CurrentPricePolicy{}.SelectPrice(Member{Tier: "youth"}, article, at)
	require.True(t, ok)
	assert.Equal(t, "youth", p.Tier)
	assert.Equal(t, "1.8", p.UnitPrice.String())

	// Members without a tier never see tier prices.
	p, ok = CurrentPricePolicy{}.SelectPrice(Member{}, article, at)
	require.True(t, ok)
	assert.Equal(t, "", p.Tier)
	assert.Equal(t, "1", p.UnitPrice.String())
}

func TestCurrentPricePolicy_CheapestWinsWithinTier(t *testing.T) {
	article := Article{
		ID: "ART42",
		Prices: []Price{
			price(t, "2020-01-01", "2999-12-31", "3.00", ""),
			price(t, "2026-10-01", "2026-10-31", "2.00", ""),
			price(t, "2026-01-01", "2999-12-31", "2.50", ""),
		},
	}
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	p, ok := CurrentPricePolicy{}.SelectPrice(Member{}, article, at)
	require.True(t, ok)
	assert.Equal(t, "2", p.UnitPrice.String())
}

func TestPricePolicyFunc(t *testing.T) {
	fixed := Price{UnitPrice: decimal.NewFromInt(7)}
	policy := PricePolicyFunc(func(Member, Article, time.Time) (Price, bool) {
		return fixed, true
	})

	p, ok := policy.SelectPrice(Member{}, Article{}, time.Time{})
	require.True(t, ok)
	assert.True(t, p.UnitPrice.Equal(decimal.NewFromInt(7)))
}
