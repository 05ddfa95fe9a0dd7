// internal/math/payout.go
package math

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Stake is one position's claim on a market's pooled funds
type Stake struct {
	UserID       uuid.UUID
	OutcomeIndex int
	Shares       *uint256.Int
	CostBasis    *uint256.Int
}

// PayoutLine is the amount owed to one position
type PayoutLine struct {
	UserID       uuid.UUID
	OutcomeIndex int
	Shares       *uint256.Int
	Amount       *uint256.Int
}

// Settlement is the full set of amounts owed when a market terminates
type Settlement struct {
	Pooled   *uint256.Int
	Lines    []PayoutLine
	Total    *uint256.Int
	Residual *uint256.Int // Pooled - Total, retained by the protocol
}

// sortStakes orders stakes by (user_id, outcome) so settlement output is
// identical on every replica.
func sortStakes(stakes []Stake) {
	sort.Slice(stakes, func(i, j int) bool {
		if c := bytes.Compare(stakes[i].UserID[:], stakes[j].UserID[:]); c != 0 {
			return c < 0
		}
		return stakes[i].OutcomeIndex < stakes[j].OutcomeIndex
	})
}

// ComputeResolutionSettlement pays each winning stake
// shares * pooled / winningShares, floored. Stakes on other outcomes redeem 0
// and are omitted. With no winning shares nobody can redeem, so every stake
// is refunded its principal as if the market had been cancelled.
func ComputeResolutionSettlement(
	pooled *uint256.Int,
	winningOutcome int,
	winningShares *uint256.Int,
	stakes []Stake,
) (*Settlement, error) {
	if winningShares.IsZero() {
		return ComputeRefundSettlement(pooled, stakes)
	}
	sortStakes(stakes)

	lines := make([]PayoutLine, 0, len(stakes))
	total := Zero()

	for _, s := range stakes {
		if s.OutcomeIndex != winningOutcome || s.Shares.IsZero() {
			continue
		}

		amount, err := MulDiv(s.Shares, pooled, winningShares)
		if err != nil {
			return nil, err
		}

		total, err = Add(total, amount)
		if err != nil {
			return nil, err
		}

		lines = append(lines, PayoutLine{
			UserID:       s.UserID,
			OutcomeIndex: s.OutcomeIndex,
			Shares:       s.Shares.Clone(),
			Amount:       amount,
		})
	}

	residual, err := Sub(pooled, total)
	if err != nil {
		return nil, err
	}

	return &Settlement{
		Pooled:   pooled.Clone(),
		Lines:    lines,
		Total:    total,
		Residual: residual,
	}, nil
}

// ComputeRefundSettlement returns every stake's recorded net principal.
// Refunds are not derived from shares.
func ComputeRefundSettlement(pooled *uint256.Int, stakes []Stake) (*Settlement, error) {
	sortStakes(stakes)

	lines := make([]PayoutLine, 0, len(stakes))
	total := Zero()

	for _, s := range stakes {
		if s.CostBasis.IsZero() {
			continue
		}

		var err error
		total, err = Add(total, s.CostBasis)
		if err != nil {
			return nil, err
		}

		lines = append(lines, PayoutLine{
			UserID:       s.UserID,
			OutcomeIndex: s.OutcomeIndex,
			Shares:       s.Shares.Clone(),
			Amount:       s.CostBasis.Clone(),
		})
	}

	// Principal can never exceed the pool; an underflow here means the
	// conservation invariant was broken upstream.
	residual, err := Sub(pooled, total)
	if err != nil {
		return nil, err
	}

	return &Settlement{
		Pooled:   pooled.Clone(),
		Lines:    lines,
		Total:    total,
		Residual: residual,
	}, nil
}
