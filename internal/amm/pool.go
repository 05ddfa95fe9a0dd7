// Package amm prices outcome shares against real reserves plus a constant
// virtual liquidity per outcome.
//
// A Pool is an immutable snapshot. Pricing never mutates it; Apply returns the
// next snapshot so the caller can commit reserves and shares in one step.
package amm

import (
	"fmt"

	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/holiman/uint256"
)

// MinOutcomes is the smallest number of outcomes a market may have
const MinOutcomes = 2

// Pool is the pricing state of one market
type Pool struct {
	Reserves         []*uint256.Int
	VirtualLiquidity *uint256.Int
	Fees             fee.Schedule
}

// BetQuote is the price of a bet computed against the pre-trade snapshot
type BetQuote struct {
	OutcomeIndex int
	Gross        *uint256.Int
	Fee          *uint256.Int
	Net          *uint256.Int
	SharesOut    *uint256.Int
	Price        *uint256.Int // average WAD price per share, net / sharesOut
	Split        fee.Split
}

// NewPool checks the outcome count and copies the reserves
func NewPool(reserves []*uint256.Int, virtualLiquidity *uint256.Int, fees fee.Schedule) (Pool, error) {
	if len(reserves) < MinOutcomes {
		return Pool{}, failure.New(failure.InvalidConfig, "market needs at least %d outcomes", MinOutcomes).
			With("outcomes", len(reserves))
	}
	if virtualLiquidity == nil {
		virtualLiquidity = fpmath.Zero()
	}
	cp := make([]*uint256.Int, len(reserves))
	for i, r := range reserves {
		if r == nil {
			cp[i] = fpmath.Zero()
			continue
		}
		cp[i] = r.Clone()
	}
	return Pool{Reserves: cp, VirtualLiquidity: virtualLiquidity.Clone(), Fees: fees}, nil
}

// Outcomes returns the number of outcomes
func (p Pool) Outcomes() int {
	return len(p.Reserves)
}

func (p Pool) checkIndex(i int) error {
	if i < 0 || i >= len(p.Reserves) {
		return failure.New(failure.InvalidOutcomeIndex, "outcome index out of range").
			With("index", i).
			With("outcomes", len(p.Reserves))
	}
	return nil
}

// EffectiveReserve is reserves[i] + virtualLiquidity
func (p Pool) EffectiveReserve(i int) (*uint256.Int, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	return fpmath.Add(p.Reserves[i], p.VirtualLiquidity)
}

// TotalEffective is the sum of effective reserves
func (p Pool) TotalEffective() (*uint256.Int, error) {
	total := fpmath.Zero()
	for i := range p.Reserves {
		eff, err := p.EffectiveReserve(i)
		if err != nil {
			return nil, err
		}
		total, err = fpmath.Add(total, eff)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Pooled is the sum of real reserves only
func (p Pool) Pooled() (*uint256.Int, error) {
	total := fpmath.Zero()
	for _, r := range p.Reserves {
		var err error
		total, err = fpmath.Add(total, r)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Probabilities returns every outcome's probability as a WAD fraction.
//
// probability(i) = (T - E_i) / ((N-1) * T), which is (T - E_i) / T for two
// outcomes. Each entry except the last is floored and held at least 1; the
// last takes the remainder so the vector sums to exactly WAD.
func (p Pool) Probabilities() ([]*uint256.Int, error) {
	total, err := p.TotalEffective()
	if err != nil {
		return nil, err
	}
	n := len(p.Reserves)
	if total.IsZero() {
		// No virtual liquidity and no stake: every outcome is equally likely
		return uniform(n), nil
	}

	denom, err := fpmath.Mul(total, uint256.NewInt(uint64(n-1)))
	if err != nil {
		return nil, err
	}

	out := make([]*uint256.Int, n)
	sum := fpmath.Zero()
	for i := 0; i < n-1; i++ {
		eff, err := p.EffectiveReserve(i)
		if err != nil {
			return nil, err
		}
		num := new(uint256.Int).Sub(total, eff) // eff <= total
		prob, err := fpmath.MulDiv(num, fpmath.WAD(), denom)
		if err != nil {
			return nil, err
		}
		if prob.IsZero() && !p.VirtualLiquidity.IsZero() {
			prob.SetOne()
		}
		out[i] = prob
		sum.Add(sum, prob)
	}

	last, err := fpmath.Sub(fpmath.WAD(), sum)
	if err != nil {
		return nil, fmt.Errorf("probability vector exceeds one: %w", err)
	}
	out[n-1] = last

	return out, nil
}

// Probability returns outcome i's entry of Probabilities
func (p Pool) Probability(i int) (*uint256.Int, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	probs, err := p.Probabilities()
	if err != nil {
		return nil, err
	}
	return probs[i], nil
}

// QuoteBet prices a bet of gross on outcome i. Shares are
// floor(net * T / E_i) with T and E_i read before the bet is applied.
func (p Pool) QuoteBet(i int, gross *uint256.Int) (*BetQuote, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	if gross == nil || gross.IsZero() {
		return nil, failure.New(failure.AmountCannotBeZero, "bet amount is zero")
	}

	split, err := p.Fees.Split(gross)
	if err != nil {
		return nil, err
	}
	if split.Net.IsZero() {
		return nil, failure.New(failure.AmountCannotBeZero, "bet amount is zero after fees").
			With("gross", gross.Dec())
	}

	eff, err := p.EffectiveReserve(i)
	if err != nil {
		return nil, err
	}
	if eff.IsZero() {
		// Without virtual liquidity the first bet on an outcome has no price
		return nil, failure.New(failure.InvalidConfig, "outcome has no effective reserve").
			With("index", i)
	}
	total, err := p.TotalEffective()
	if err != nil {
		return nil, err
	}

	shares, err := fpmath.MulDiv(split.Net, total, eff)
	if err != nil {
		return nil, err
	}

	price := fpmath.Zero()
	if !shares.IsZero() {
		price, err = fpmath.MulDiv(split.Net, fpmath.WAD(), shares)
		if err != nil {
			return nil, err
		}
	}

	return &BetQuote{
		OutcomeIndex: i,
		Gross:        gross.Clone(),
		Fee:          split.Fee,
		Net:          split.Net,
		SharesOut:    shares,
		Price:        price,
		Split:        split,
	}, nil
}

// Apply returns the pool after q's net amount is added to its outcome reserve
func (p Pool) Apply(q *BetQuote) (Pool, error) {
	if err := p.checkIndex(q.OutcomeIndex); err != nil {
		return Pool{}, err
	}
	next, err := NewPool(p.Reserves, p.VirtualLiquidity, p.Fees)
	if err != nil {
		return Pool{}, err
	}
	next.Reserves[q.OutcomeIndex], err = fpmath.Add(next.Reserves[q.OutcomeIndex], q.Net)
	if err != nil {
		return Pool{}, err
	}
	// Reject a reserve state whose pricing math would overflow later
	if _, err := next.TotalEffective(); err != nil {
		return Pool{}, err
	}
	return next, nil
}

func uniform(n int) []*uint256.Int {
	out := make([]*uint256.Int, n)
	share := new(uint256.Int).Div(fpmath.WAD(), uint256.NewInt(uint64(n)))
	sum := fpmath.Zero()
	for i := 0; i < n-1; i++ {
		out[i] = share.Clone()
		sum.Add(sum, share)
	}
	out[n-1] = new(uint256.Int).Sub(fpmath.WAD(), sum)
	return out
}
