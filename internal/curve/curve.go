// Package curve prices creator shares on a cubic bonding curve.
//
// The spot price is supply^2 / PriceScale and the cost of a range of supply is
// its integral, (hi^3 - lo^3) / CostScale with CostScale = 3 * PriceScale.
// Costs are taken as differences of the floored cumulative integral
// F(s) = floor(s^3 * Unit / CostScale), so buy and sell of the same range cost
// exactly the same and splitting a trade never changes its total.
package curve

import (
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/failure"

	"github.com/holiman/uint256"
)

// Config is an immutable curve parameter set
type Config struct {
	PriceScale uint64
	CostScale  uint64
	MaxSupply  uint64
	Unit       *uint256.Int // base units per whole quote unit
}

// NewConfig derives CostScale from priceScale and checks that the cumulative
// integral at maxSupply fits the arithmetic domain.
func NewConfig(priceScale, maxSupply uint64) (Config, error) {
	return NewConfigWithUnit(priceScale, maxSupply, fpmath.WAD())
}

// NewConfigWithUnit is NewConfig with an explicit base-unit multiplier
func NewConfigWithUnit(priceScale, maxSupply uint64, unit *uint256.Int) (Config, error) {
	if priceScale == 0 {
		return Config{}, failure.New(failure.InvalidConfig, "price scale must be positive")
	}
	if priceScale > (^uint64(0))/3 {
		return Config{}, failure.New(failure.ArithmeticOverflow, "cost scale overflows").
			With("price_scale", priceScale)
	}
	if unit == nil || unit.IsZero() {
		return Config{}, failure.New(failure.InvalidConfig, "unit must be positive")
	}

	cfg := Config{
		PriceScale: priceScale,
		CostScale:  3 * priceScale,
		MaxSupply:  maxSupply,
		Unit:       unit.Clone(),
	}

	// F is monotonic, so if F(maxSupply) fits every reachable cost fits
	if _, err := cfg.integral(maxSupply); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects a Config that was not built by NewConfig. A zero Unit or a
// CostScale other than 3 * PriceScale would misprice every trade.
func (c Config) Validate() error {
	if c.PriceScale == 0 {
		return failure.New(failure.InvalidConfig, "price scale must be positive")
	}
	if c.PriceScale > (^uint64(0))/3 || c.CostScale != 3*c.PriceScale {
		return failure.New(failure.InvalidConfig, "cost scale must be three times the price scale").
			With("price_scale", c.PriceScale).
			With("cost_scale", c.CostScale)
	}
	if c.Unit == nil || c.Unit.IsZero() {
		return failure.New(failure.InvalidConfig, "unit must be positive")
	}
	return nil
}

// integral returns F(s) = floor(s^3 * Unit / CostScale)
func (c Config) integral(s uint64) (*uint256.Int, error) {
	return fpmath.MulDiv(fpmath.Cube(s), c.Unit, uint256.NewInt(c.CostScale))
}

// Price returns the spot price at supply, floor(supply^2 * Unit / PriceScale)
func Price(supply uint64, c Config) (*uint256.Int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if supply == 0 {
		return fpmath.Zero(), nil
	}
	return fpmath.MulDiv(fpmath.Square(supply), c.Unit, uint256.NewInt(c.PriceScale))
}

// CubicDelta returns the exact unscaled (supply+amount)^3 - supply^3
func CubicDelta(supply, amount uint64) (*uint256.Int, error) {
	hi, overflow := addSupply(supply, amount)
	if overflow {
		return nil, failure.New(failure.ArithmeticOverflow, "supply overflows 64 bits")
	}
	return fpmath.Sub(fpmath.Cube(hi), fpmath.Cube(supply))
}

// BuyCost is the cost of minting amount shares on top of supply
func BuyCost(supply, amount uint64, c Config) (*uint256.Int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, failure.New(failure.AmountCannotBeZero, "buy amount is zero")
	}
	hi, overflow := addSupply(supply, amount)
	if overflow || hi > c.MaxSupply {
		return nil, failure.New(failure.SupplyExceedsMaximum, "supply would exceed maximum").
			With("supply", supply).
			With("amount", amount).
			With("max_supply", c.MaxSupply)
	}
	return c.rangeCost(supply, hi)
}

// SellProceeds is the amount returned for burning amount shares from supply
func SellProceeds(supply, amount uint64, c Config) (*uint256.Int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, failure.New(failure.AmountCannotBeZero, "sell amount is zero")
	}
	if amount > supply {
		return nil, failure.New(failure.InsufficientSupply, "sell amount exceeds supply").
			With("supply", supply).
			With("amount", amount)
	}
	return c.rangeCost(supply-amount, supply)
}

// AverageBuyPrice is floor(BuyCost / amount)
func AverageBuyPrice(supply, amount uint64, c Config) (*uint256.Int, error) {
	cost, err := BuyCost(supply, amount, c)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(cost, uint256.NewInt(amount)), nil
}

// AverageSellPrice is floor(SellProceeds / amount)
func AverageSellPrice(supply, amount uint64, c Config) (*uint256.Int, error) {
	proceeds, err := SellProceeds(supply, amount, c)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(proceeds, uint256.NewInt(amount)), nil
}

// rangeCost is the single code path behind both buy and sell
func (c Config) rangeCost(lo, hi uint64) (*uint256.Int, error) {
	fHi, err := c.integral(hi)
	if err != nil {
		return nil, err
	}
	fLo, err := c.integral(lo)
	if err != nil {
		return nil, err
	}
	return fpmath.Sub(fHi, fLo)
}

func addSupply(supply, amount uint64) (uint64, bool) {
	hi := supply + amount
	return hi, hi < supply
}
