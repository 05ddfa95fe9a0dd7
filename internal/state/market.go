package state

import (
	"fmt"
	"time"

	"MarketCore/internal/amm"
	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NoWinner marks a market that has not resolved
const NoWinner = -1

// Outcome is one mutually exclusive resolution branch
type Outcome struct {
	Index             int
	Label             string
	SharesOutstanding *uint256.Int
	TotalStaked       *uint256.Int // gross amount bet on this outcome
}

// Market is the aggregate for one prediction market. Reserves, shares,
// positions and volume only change together through ApplyBet.
type Market struct {
	ID               string
	MarketType       string
	Outcomes         []Outcome
	Reserves         []*uint256.Int
	VirtualLiquidity *uint256.Int
	Fees             fee.Schedule
	Status           Status
	EndTime          time.Time
	TotalVolume      *uint256.Int
	FeesCollected    *uint256.Int
	WinningOutcome   int
	Positions        *PositionBook
	CreatedAt        time.Time

	// Hash chain head
	Sequence int64
	LastHash [32]byte
}

// MarketParams are the inputs for a new market
type MarketParams struct {
	ID               string
	MarketType       string
	Labels           []string
	VirtualLiquidity *uint256.Int
	Fees             fee.Schedule
	EndTime          time.Time
}

// TransitionParams carries the inputs a target state needs
type TransitionParams struct {
	WinningOutcome int           // Resolved only
	ExtendBy       time.Duration // Active -> Active only
	Reason         string
}

// TransitionResult describes a committed transition
type TransitionResult struct {
	From       Status
	To         Status
	EndTime    time.Time
	Settlement *fpmath.Settlement // set for Resolved and Cancelled
}

// NewMarket creates an Active market with zero reserves
func NewMarket(p MarketParams, now time.Time) (*Market, error) {
	if p.ID == "" {
		return nil, failure.New(failure.InvalidConfig, "market id is empty")
	}
	if len(p.Labels) < amm.MinOutcomes {
		return nil, failure.New(failure.InvalidConfig, "market needs at least %d outcomes", amm.MinOutcomes).
			With("outcomes", len(p.Labels))
	}
	if !p.EndTime.After(now) {
		return nil, failure.New(failure.InvalidConfig, "end time is not in the future").
			With("end_time", p.EndTime)
	}
	vl := p.VirtualLiquidity
	if vl == nil || vl.IsZero() {
		return nil, failure.New(failure.InvalidConfig, "virtual liquidity must be positive").
			With("market_id", p.ID)
	}

	outcomes := make([]Outcome, len(p.Labels))
	reserves := make([]*uint256.Int, len(p.Labels))
	for i, label := range p.Labels {
		outcomes[i] = Outcome{
			Index:             i,
			Label:             label,
			SharesOutstanding: fpmath.Zero(),
			TotalStaked:       fpmath.Zero(),
		}
		reserves[i] = fpmath.Zero()
	}

	m := &Market{
		ID:               p.ID,
		MarketType:       p.MarketType,
		Outcomes:         outcomes,
		Reserves:         reserves,
		VirtualLiquidity: vl.Clone(),
		Fees:             p.Fees,
		Status:           StatusActive,
		EndTime:          p.EndTime,
		TotalVolume:      fpmath.Zero(),
		FeesCollected:    fpmath.Zero(),
		WinningOutcome:   NoWinner,
		Positions:        NewPositionBook(),
		CreatedAt:        now,
	}

	// Reject virtual liquidity so large that pricing would overflow
	if _, err := m.Pool(); err != nil {
		return nil, err
	}
	if _, err := m.Probabilities(); err != nil {
		return nil, err
	}

	return m, nil
}

// Pool returns the pricing snapshot of the market
func (m *Market) Pool() (amm.Pool, error) {
	return amm.NewPool(m.Reserves, m.VirtualLiquidity, m.Fees)
}

// Probabilities returns the WAD probability of every outcome
func (m *Market) Probabilities() ([]*uint256.Int, error) {
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	return pool.Probabilities()
}

// CheckTradable rejects bets unless the market is Active and before end time
func (m *Market) CheckTradable(now time.Time) error {
	switch {
	case m.Status == StatusResolved:
		return failure.New(failure.MarketAlreadyResolved, "market %s is resolved", m.ID)
	case m.Status != StatusActive:
		return failure.New(failure.MarketNotActive, "market %s is not active", m.ID).
			With("status", m.Status.String())
	case !now.Before(m.EndTime):
		return failure.New(failure.MarketExpired, "market %s has passed its end time", m.ID).
			With("end_time", m.EndTime)
	}
	return nil
}

// QuoteBet prices a bet without changing the market
func (m *Market) QuoteBet(outcome int, gross *uint256.Int) (*amm.BetQuote, error) {
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	return pool.QuoteBet(outcome, gross)
}

// ApplyBet commits a quoted bet. Every new value is computed before any field
// is assigned, so an error leaves the market untouched.
func (m *Market) ApplyBet(userID uuid.UUID, q *amm.BetQuote, now time.Time) error {
	if err := m.CheckTradable(now); err != nil {
		return err
	}

	pool, err := m.Pool()
	if err != nil {
		return err
	}
	next, err := pool.Apply(q)
	if err != nil {
		return err
	}

	i := q.OutcomeIndex
	shares, err := fpmath.Add(m.Outcomes[i].SharesOutstanding, q.SharesOut)
	if err != nil {
		return err
	}
	staked, err := fpmath.Add(m.Outcomes[i].TotalStaked, q.Gross)
	if err != nil {
		return err
	}
	volume, err := fpmath.Add(m.TotalVolume, q.Gross)
	if err != nil {
		return err
	}
	fees, err := fpmath.Add(m.FeesCollected, q.Fee)
	if err != nil {
		return err
	}

	var posShares, posBasis *uint256.Int
	if existing := m.Positions.Get(userID, i); existing != nil {
		if posShares, err = fpmath.Add(existing.SharesOwned, q.SharesOut); err != nil {
			return err
		}
		if posBasis, err = fpmath.Add(existing.CostBasis, q.Net); err != nil {
			return err
		}
	} else {
		posShares = q.SharesOut.Clone()
		posBasis = q.Net.Clone()
	}

	// Commit
	m.Reserves = next.Reserves
	m.Outcomes[i].SharesOutstanding = shares
	m.Outcomes[i].TotalStaked = staked
	m.TotalVolume = volume
	m.FeesCollected = fees

	pos := m.Positions.GetOrCreate(m.ID, userID, i)
	pos.SharesOwned = posShares
	pos.CostBasis = posBasis

	return nil
}

// Transition moves the market to target if the state machine allows it.
// On error the market is unchanged.
func (m *Market) Transition(target Status, p TransitionParams, now time.Time) (*TransitionResult, error) {
	if m.Status == StatusResolved {
		return nil, failure.New(failure.MarketAlreadyResolved, "market %s is resolved", m.ID).
			With("target", target.String())
	}
	if !m.Status.CanTransitionTo(target) {
		return nil, failure.New(failure.InvalidStateTransition, "%s -> %s not allowed", m.Status, target).
			With("market_id", m.ID)
	}

	result := &TransitionResult{From: m.Status, To: target, EndTime: m.EndTime}

	switch target {
	case StatusActive:
		if p.ExtendBy < MinExtension || p.ExtendBy > MaxExtension {
			return nil, failure.New(failure.InvalidStateTransition, "extension must be between %s and %s",
				MinExtension, MaxExtension).
				With("extend_by", p.ExtendBy.String())
		}
		result.EndTime = m.EndTime.Add(p.ExtendBy)

	case StatusPendingResolution:
		if now.Before(m.EndTime) {
			return nil, failure.New(failure.InvalidStateTransition, "market %s has not reached its end time", m.ID).
				With("end_time", m.EndTime)
		}

	case StatusResolved:
		if p.WinningOutcome < 0 || p.WinningOutcome >= len(m.Outcomes) {
			return nil, failure.New(failure.InvalidOutcomeIndex, "winning outcome out of range").
				With("index", p.WinningOutcome).
				With("outcomes", len(m.Outcomes))
		}
		settlement, err := m.resolutionSettlement(p.WinningOutcome)
		if err != nil {
			return nil, err
		}
		result.Settlement = settlement

	case StatusCancelled:
		settlement, err := m.refundSettlement()
		if err != nil {
			return nil, err
		}
		result.Settlement = settlement
	}

	// Commit
	m.Status = target
	m.EndTime = result.EndTime
	if target == StatusResolved {
		m.WinningOutcome = p.WinningOutcome
	}

	return result, nil
}

// Settlement returns what every position is owed once the market is terminal
func (m *Market) Settlement() (*fpmath.Settlement, error) {
	switch m.Status {
	case StatusResolved:
		return m.resolutionSettlement(m.WinningOutcome)
	case StatusCancelled:
		return m.refundSettlement()
	default:
		return nil, failure.New(failure.InvalidStateTransition, "market %s is not settled", m.ID).
			With("status", m.Status.String())
	}
}

func (m *Market) resolutionSettlement(winner int) (*fpmath.Settlement, error) {
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	pooled, err := pool.Pooled()
	if err != nil {
		return nil, err
	}
	return fpmath.ComputeResolutionSettlement(
		pooled,
		winner,
		m.Outcomes[winner].SharesOutstanding,
		m.Positions.Stakes(),
	)
}

func (m *Market) refundSettlement() (*fpmath.Settlement, error) {
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	pooled, err := pool.Pooled()
	if err != nil {
		return nil, err
	}
	return fpmath.ComputeRefundSettlement(pooled, m.Positions.Stakes())
}

// ClaimPayout marks a user's positions claimed and returns what they are owed
func (m *Market) ClaimPayout(userID uuid.UUID) ([]fpmath.PayoutLine, error) {
	settlement, err := m.Settlement()
	if err != nil {
		return nil, err
	}

	positions := m.Positions.UserPositions(userID)
	if len(positions) == 0 {
		return nil, failure.New(failure.InvalidStateTransition, "user has no position in market %s", m.ID).
			With("user_id", userID.String())
	}
	for _, pos := range positions {
		if pos.Claimed {
			return nil, failure.New(failure.InvalidStateTransition, "payout already claimed").
				With("user_id", userID.String()).
				With("outcome", pos.OutcomeIndex)
		}
	}

	var lines []fpmath.PayoutLine
	for _, line := range settlement.Lines {
		if line.UserID == userID {
			lines = append(lines, line)
		}
	}

	for _, pos := range positions {
		pos.Claimed = true
	}

	return lines, nil
}

// CheckInvariants verifies the aggregate after a mutation
func (m *Market) CheckInvariants() error {
	if len(m.Reserves) != len(m.Outcomes) {
		return fmt.Errorf("market %s: %d reserves for %d outcomes", m.ID, len(m.Reserves), len(m.Outcomes))
	}

	for i := range m.Outcomes {
		held := m.Positions.SharesOn(i)
		if !held.Eq(m.Outcomes[i].SharesOutstanding) {
			return fmt.Errorf("market %s outcome %d: shares outstanding %s != positions %s",
				m.ID, i, m.Outcomes[i].SharesOutstanding.Dec(), held.Dec())
		}
	}

	pool, err := m.Pool()
	if err != nil {
		return err
	}
	pooled, err := pool.Pooled()
	if err != nil {
		return err
	}
	if basis := m.Positions.TotalCostBasis(); !basis.Eq(pooled) {
		return fmt.Errorf("market %s: pooled %s != principal %s", m.ID, pooled.Dec(), basis.Dec())
	}

	probs, err := pool.Probabilities()
	if err != nil {
		return err
	}
	sum := fpmath.Zero()
	for i, p := range probs {
		if !m.VirtualLiquidity.IsZero() && (p.IsZero() || !p.Lt(fpmath.WAD())) {
			return fmt.Errorf("market %s outcome %d: probability %s outside (0, 1)", m.ID, i, p.Dec())
		}
		sum.Add(sum, p)
	}
	if !sum.Eq(fpmath.WAD()) {
		return fmt.Errorf("market %s: probabilities sum to %s", m.ID, sum.Dec())
	}

	if (m.Status == StatusResolved) != (m.WinningOutcome != NoWinner) {
		return fmt.Errorf("market %s: status %s with winning outcome %d", m.ID, m.Status, m.WinningOutcome)
	}
	if m.WinningOutcome != NoWinner && (m.WinningOutcome < 0 || m.WinningOutcome >= len(m.Outcomes)) {
		return fmt.Errorf("market %s: winning outcome %d out of range [0, %d)", m.ID, m.WinningOutcome, len(m.Outcomes))
	}

	return nil
}

// Clone deep-copies the market so a mutation can be tried and discarded
func (m *Market) Clone() *Market {
	cp := *m
	cp.Outcomes = make([]Outcome, len(m.Outcomes))
	for i, o := range m.Outcomes {
		cp.Outcomes[i] = Outcome{
			Index:             o.Index,
			Label:             o.Label,
			SharesOutstanding: o.SharesOutstanding.Clone(),
			TotalStaked:       o.TotalStaked.Clone(),
		}
	}
	cp.Reserves = make([]*uint256.Int, len(m.Reserves))
	for i, r := range m.Reserves {
		cp.Reserves[i] = r.Clone()
	}
	cp.VirtualLiquidity = m.VirtualLiquidity.Clone()
	cp.TotalVolume = m.TotalVolume.Clone()
	cp.FeesCollected = m.FeesCollected.Clone()
	cp.Positions = m.Positions.Clone()
	return &cp
}
