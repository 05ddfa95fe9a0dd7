package state

import (
	"testing"
	"time"

	"MarketCore/internal/curve"
	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	userA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	userB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newBinary(t *testing.T) *Market {
	t.Helper()
	m, err := NewMarket(MarketParams{
		ID:               "m",
		MarketType:       "binary",
		Labels:           []string{"YES", "NO"},
		VirtualLiquidity: fpmath.Units(5000),
		Fees:             fee.MustSchedule(150, 0, 0),
		EndTime:          t0.Add(time.Hour),
	}, t0)
	require.NoError(t, err)
	return m
}

func bet(t *testing.T, m *Market, user uuid.UUID, outcome int, units uint64) {
	t.Helper()
	q, err := m.QuoteBet(outcome, fpmath.Units(units))
	require.NoError(t, err)
	require.NoError(t, m.ApplyBet(user, q, t0))
	require.NoError(t, m.CheckInvariants())
}

func TestStatus_TransitionTable(t *testing.T) {
	all := []Status{StatusActive, StatusPendingResolution, StatusResolved, StatusDisputed, StatusCancelled}
	allowed := map[Status][]Status{
		StatusActive:            {StatusActive, StatusPendingResolution, StatusCancelled},
		StatusPendingResolution: {StatusResolved, StatusDisputed, StatusCancelled},
		StatusDisputed:          {StatusResolved, StatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			require.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	require.True(t, StatusResolved.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusDisputed.IsTerminal())

	for _, s := range all {
		parsed, ok := ParseStatus(s.String())
		require.True(t, ok)
		require.Equal(t, s, parsed)
	}
	_, ok := ParseStatus("Frozen")
	require.False(t, ok)
}

func TestApplyBet_UpdatesInLockstep(t *testing.T) {
	m := newBinary(t)

	bet(t, m, userA, 0, 100)
	bet(t, m, userA, 0, 50)
	bet(t, m, userB, 1, 20)

	pos := m.Positions.Get(userA, 0)
	require.NotNil(t, pos)
	require.Equal(t, m.Outcomes[0].SharesOutstanding, pos.SharesOwned)
	require.Equal(t, m.Reserves[0], pos.CostBasis)
	require.Equal(t, fpmath.Units(150), m.Outcomes[0].TotalStaked)
	require.Equal(t, fpmath.Units(170), m.TotalVolume)
	require.Equal(t, 2, len(m.Positions.All()))
}

func TestApplyBet_RejectedLeavesMarketUntouched(t *testing.T) {
	m := newBinary(t)
	bet(t, m, userA, 0, 10)
	before := m.Clone()

	q, err := m.QuoteBet(1, fpmath.Units(5))
	require.NoError(t, err)
	err = m.ApplyBet(userB, q, t0.Add(time.Hour))
	require.ErrorIs(t, err, failure.MarketExpired)

	require.Equal(t, before.Reserves, m.Reserves)
	require.Equal(t, before.TotalVolume, m.TotalVolume)
	require.Nil(t, m.Positions.Get(userB, 1))
}

func TestClone_IsDeep(t *testing.T) {
	m := newBinary(t)
	bet(t, m, userA, 0, 10)

	cp := m.Clone()
	bet(t, cp, userA, 0, 10)

	require.NotEqual(t, m.Reserves[0], cp.Reserves[0])
	require.NotEqual(t, m.Positions.Get(userA, 0).SharesOwned, cp.Positions.Get(userA, 0).SharesOwned)
	require.NoError(t, m.CheckInvariants())
}

func TestCheckInvariants_DetectsDrift(t *testing.T) {
	m := newBinary(t)
	bet(t, m, userA, 0, 10)

	broken := m.Clone()
	broken.Outcomes[0].SharesOutstanding = new(uint256.Int).AddUint64(broken.Outcomes[0].SharesOutstanding, 1)
	require.Error(t, broken.CheckInvariants())

	broken = m.Clone()
	broken.Reserves[1] = uint256.NewInt(1)
	require.Error(t, broken.CheckInvariants())

	broken = m.Clone()
	broken.WinningOutcome = 0
	require.Error(t, broken.CheckInvariants(), "winner without Resolved status")

	broken = m.Clone()
	broken.Status = StatusResolved
	broken.WinningOutcome = len(broken.Outcomes)
	require.Error(t, broken.CheckInvariants(), "winner outside the outcome range")
}

func TestTransition_ResolutionSettlement(t *testing.T) {
	m := newBinary(t)
	bet(t, m, userA, 0, 100)
	bet(t, m, userB, 1, 100)

	_, err := m.Transition(StatusPendingResolution, TransitionParams{}, t0.Add(time.Hour))
	require.NoError(t, err)
	res, err := m.Transition(StatusResolved, TransitionParams{WinningOutcome: 0}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, StatusPendingResolution, res.From)
	require.Len(t, res.Settlement.Lines, 1)
	require.NoError(t, m.CheckInvariants())

	// Sole winner takes the whole pool less at most one base unit
	pooled := new(uint256.Int).Add(m.Reserves[0], m.Reserves[1])
	require.Equal(t, pooled, new(uint256.Int).Add(res.Settlement.Total, res.Settlement.Residual))
	require.True(t, res.Settlement.Residual.Lt(uint256.NewInt(2)))

	lines, err := m.ClaimPayout(userA)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	_, err = m.ClaimPayout(userA)
	require.ErrorIs(t, err, failure.InvalidStateTransition)

	_, err = m.ClaimPayout(uuid.New())
	require.ErrorIs(t, err, failure.InvalidStateTransition)
}

func TestClaimPayout_RequiresTerminalStatus(t *testing.T) {
	m := newBinary(t)
	bet(t, m, userA, 0, 1)

	_, err := m.ClaimPayout(userA)
	require.ErrorIs(t, err, failure.InvalidStateTransition)
}

func TestCreatorCurve_Lifecycle(t *testing.T) {
	cfg, err := curve.NewConfig(1400, 50)
	require.NoError(t, err)
	c, err := NewCreatorCurve("c", userB, cfg, fee.MustSchedule(100, 0, 100), t0)
	require.NoError(t, err)

	_, err = c.Buy(userA, 30)
	require.NoError(t, err)
	_, err = c.Buy(userB, 20)
	require.NoError(t, err)
	require.NoError(t, c.CheckInvariants())

	_, err = c.Buy(userB, 1)
	require.ErrorIs(t, err, failure.SupplyExceedsMaximum)

	_, err = c.Sell(userB, 21)
	require.ErrorIs(t, err, failure.InsufficientSupply)

	before := c.Clone()
	_, err = c.Sell(userA, 30)
	require.NoError(t, err)
	require.NoError(t, c.CheckInvariants())
	_, held := c.Holdings[userA]
	require.False(t, held, "empty holdings are removed")
	require.Equal(t, uint64(50), before.Supply, "clone is independent")

	q, err := c.Sell(userB, 20)
	require.NoError(t, err)
	require.Equal(t, uint64(0), c.Supply)
	require.True(t, c.Reserve.IsZero(), "last seller drains the reserve exactly")
	require.True(t, q.Total.Lt(q.CurveAmount))
	require.Empty(t, c.SortedHoldings())
}

func TestNewMarket_Validation(t *testing.T) {
	_, err := NewMarket(MarketParams{ID: "", Labels: []string{"a", "b"}, EndTime: t0.Add(time.Hour)}, t0)
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = NewMarket(MarketParams{ID: "x", Labels: []string{"a"}, EndTime: t0.Add(time.Hour)}, t0)
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = NewMarket(MarketParams{ID: "x", Labels: []string{"a", "b"}, EndTime: t0}, t0)
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = NewMarket(MarketParams{ID: "x", Labels: []string{"a", "b"}, EndTime: t0.Add(time.Minute)}, t0)
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = NewMarket(MarketParams{
		ID:               "x",
		Labels:           []string{"a", "b"},
		EndTime:          t0.Add(time.Minute),
		VirtualLiquidity: fpmath.Zero(),
	}, t0)
	require.ErrorIs(t, err, failure.InvalidConfig)

	m, err := NewMarket(MarketParams{
		ID:               "x",
		Labels:           []string{"a", "b"},
		EndTime:          t0.Add(time.Minute),
		VirtualLiquidity: fpmath.Units(1),
	}, t0)
	require.NoError(t, err)
	require.Equal(t, NoWinner, m.WinningOutcome)
	require.NoError(t, m.CheckInvariants())
}
