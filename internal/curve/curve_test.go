package curve

import (
	"testing"

	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := NewConfig(1400, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(4200), cfg.CostScale)
	return cfg
}

func TestPrice(t *testing.T) {
	cfg := testConfig(t)

	tests := []struct {
		supply uint64
		want   string
	}{
		{0, "0"},
		{10, "71428571428571428"},    // ~0.0714
		{100, "7142857142857142857"}, // ~7.142857
		{1400, "1400000000000000000000"},
	}
	for _, tt := range tests {
		got, err := Price(tt.supply, cfg)
		require.NoError(t, err)
		require.Equal(t, tt.want, got.Dec(), "supply %d", tt.supply)
	}
}

func TestBuyCost_KnownValues(t *testing.T) {
	cfg := testConfig(t)

	cost, err := BuyCost(0, 1, cfg)
	require.NoError(t, err)
	require.Equal(t, "238095238095238", cost.Dec()) // ~0.000238

	cost, err = BuyCost(50, 10, cfg)
	require.NoError(t, err)
	require.Equal(t, "21666666666666666667", cost.Dec()) // ~21.666

	require.Equal(t, "21.666666666666666667", fpmath.ToDecimal(cost).String())
}

func TestBuySell_Exactness(t *testing.T) {
	cfg := testConfig(t)

	for s := uint64(0); s < 200; s += 7 {
		for a := uint64(1); a < 150; a += 11 {
			buy, err := BuyCost(s, a, cfg)
			require.NoError(t, err)
			sell, err := SellProceeds(s+a, a, cfg)
			require.NoError(t, err)
			require.Equal(t, buy, sell, "s=%d a=%d", s, a)
		}
	}

	// Large supplies near the maximum
	buy, err := BuyCost(999_000, 1_000, cfg)
	require.NoError(t, err)
	sell, err := SellProceeds(1_000_000, 1_000, cfg)
	require.NoError(t, err)
	require.Equal(t, buy, sell)
}

func TestBuyCost_Additivity(t *testing.T) {
	cfg := testConfig(t)

	for s := uint64(0); s < 120; s += 13 {
		for a := uint64(1); a < 60; a += 9 {
			for b := uint64(1); b < 60; b += 17 {
				first, err := BuyCost(s, a, cfg)
				require.NoError(t, err)
				second, err := BuyCost(s+a, b, cfg)
				require.NoError(t, err)
				whole, err := BuyCost(s, a+b, cfg)
				require.NoError(t, err)

				require.Equal(t, whole, new(uint256.Int).Add(first, second), "s=%d a=%d b=%d", s, a, b)
			}
		}
	}
}

func TestBuyCost_IncreasingAndConvex(t *testing.T) {
	cfg := testConfig(t)

	prev, err := BuyCost(0, 1, cfg)
	require.NoError(t, err)
	prevStep := fpmath.Zero()
	for s := uint64(1); s < 300; s++ {
		next, err := BuyCost(s, 1, cfg)
		require.NoError(t, err)
		require.True(t, next.Gt(prev), "cost must increase at supply %d", s)

		step := new(uint256.Int).Sub(next, prev)
		// Floor rounding can shave one base unit off a step
		require.True(t, new(uint256.Int).AddUint64(step, 1).Cmp(prevStep) >= 0, "convexity at supply %d", s)
		prev, prevStep = next, step
	}
}

func TestCubicDelta(t *testing.T) {
	d, err := CubicDelta(50, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(216_000-125_000), d.Uint64())

	_, err = CubicDelta(^uint64(0), 1)
	require.ErrorIs(t, err, failure.ArithmeticOverflow)
}

func TestCurveErrors(t *testing.T) {
	cfg, err := NewConfig(1400, 100)
	require.NoError(t, err)

	_, err = BuyCost(10, 0, cfg)
	require.ErrorIs(t, err, failure.AmountCannotBeZero)

	_, err = SellProceeds(10, 0, cfg)
	require.ErrorIs(t, err, failure.AmountCannotBeZero)

	_, err = BuyCost(100, 1, cfg)
	require.ErrorIs(t, err, failure.SupplyExceedsMaximum)

	_, err = BuyCost(^uint64(0), 1, cfg)
	require.ErrorIs(t, err, failure.SupplyExceedsMaximum)

	_, err = SellProceeds(5, 6, cfg)
	require.ErrorIs(t, err, failure.InsufficientSupply)

	_, err = AverageBuyPrice(0, 0, cfg)
	require.ErrorIs(t, err, failure.AmountCannotBeZero)
}

func TestNewConfig_Validation(t *testing.T) {
	_, err := NewConfig(0, 100)
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = NewConfig(^uint64(0), 100)
	require.ErrorIs(t, err, failure.ArithmeticOverflow)

	_, err = NewConfigWithUnit(1400, 100, fpmath.Zero())
	require.ErrorIs(t, err, failure.InvalidConfig)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	_, err = NewConfigWithUnit(1, ^uint64(0), huge)
	require.ErrorIs(t, err, failure.ArithmeticOverflow)

	// A full 64-bit supply still fits at WAD scale
	_, err = NewConfig(1, ^uint64(0))
	require.NoError(t, err)
}

func TestLiteralConfigIsValidated(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero value", Config{}},
		{"missing unit", Config{PriceScale: 1400, CostScale: 4200, MaxSupply: 100}},
		{"zero unit", Config{PriceScale: 1400, CostScale: 4200, MaxSupply: 100, Unit: fpmath.Zero()}},
		{"cost scale not 3x", Config{PriceScale: 1400, CostScale: 1400, MaxSupply: 100, Unit: fpmath.WAD()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuyCost(50, 10, tc.cfg)
			require.ErrorIs(t, err, failure.InvalidConfig)

			_, err = SellProceeds(50, 10, tc.cfg)
			require.ErrorIs(t, err, failure.InvalidConfig)

			_, err = Price(10, tc.cfg)
			require.ErrorIs(t, err, failure.InvalidConfig)
		})
	}

	// The same parameters built through NewConfig price normally
	cfg := Config{PriceScale: 1400, CostScale: 4200, MaxSupply: 100, Unit: fpmath.WAD()}
	require.NoError(t, cfg.Validate())
	cost, err := BuyCost(50, 10, cfg)
	require.NoError(t, err)
	require.Equal(t, "21666666666666666667", cost.Dec())
}

func TestAveragePrices(t *testing.T) {
	cfg := testConfig(t)

	avg, err := AverageBuyPrice(50, 10, cfg)
	require.NoError(t, err)
	require.Equal(t, "2166666666666666666", avg.Dec())

	avg, err = AverageSellPrice(60, 10, cfg)
	require.NoError(t, err)
	require.Equal(t, "2166666666666666666", avg.Dec())
}

func TestQuote_FeeSides(t *testing.T) {
	cfg := testConfig(t)
	fees := fee.MustSchedule(1000, 0, 500)

	buy, err := QuoteBuy(50, 10, cfg, fees)
	require.NoError(t, err)
	require.Equal(t, "21666666666666666667", buy.CurveAmount.Dec())
	require.Equal(t, "2166666666666666666", buy.Fees.Fee.Dec())
	require.Equal(t, "23833333333333333333", buy.Total.Dec())
	require.Equal(t, uint64(60), buy.NewSupply)

	sell, err := QuoteSell(60, 10, cfg, fees)
	require.NoError(t, err)
	require.Equal(t, buy.CurveAmount, sell.CurveAmount)
	require.Equal(t, "19500000000000000001", sell.Total.Dec())
	require.Equal(t, uint64(50), sell.NewSupply)
	require.Equal(t, SideSell, sell.Side)

	mcap, err := MarketCap(100, cfg)
	require.NoError(t, err)
	require.Equal(t, "714285714285714285700", mcap.Dec())
}
