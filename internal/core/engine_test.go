package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"MarketCore/internal/core"
	"MarketCore/internal/curve"
	"MarketCore/internal/event"
	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	carol = uuid.MustParse("00000000-0000-0000-0000-00000000000c")

	genesisTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func binaryType() core.MarketType {
	return core.MarketType{
		Name:             "binary",
		VirtualLiquidity: fpmath.Units(5000),
		Fees:             fee.MustSchedule(150, 50, 50),
		Outcomes:         []string{"YES", "NO"},
		Duration:         24 * time.Hour,
	}
}

// newTestEngine creates an engine with buffered channels and a fixed clock.
func newTestEngine(t *testing.T, opts ...core.Option) (*core.Engine, *fakeClock, chan core.CoreOutput) {
	t.Helper()
	clock := &fakeClock{now: genesisTime}
	persistChan := make(chan core.CoreOutput, 1024)
	opts = append([]core.Option{core.WithMarketTypes(binaryType())}, opts...)
	e := core.NewEngine(clock, persistChan, nil, zerolog.Nop(), opts...)
	return e, clock, persistChan
}

func mustMarket(t *testing.T, e *core.Engine, id string) *state.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), core.MarketSpec{ID: id, MarketType: "binary"})
	require.NoError(t, err)
	return m
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func sum(xs []*uint256.Int) *uint256.Int {
	total := fpmath.Zero()
	for _, x := range xs {
		total.Add(total, x)
	}
	return total
}

// --- Markets ---

func TestPlaceBet_QuotedExample(t *testing.T) {
	e, _, persistChan := newTestEngine(t)
	mustMarket(t, e, "m1")

	probs, err := e.Probabilities("m1")
	require.NoError(t, err)
	half := new(uint256.Int).Div(fpmath.WAD(), uint256.NewInt(2))
	require.Equal(t, half, probs[0])
	require.Equal(t, half, probs[1])

	q, err := e.QuoteBet("m1", 0, fpmath.Units(100))
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", q.Fee.Dec())
	require.Equal(t, "98500000000000000000", q.Net.Dec())
	require.Equal(t, fpmath.Units(197), q.SharesOut)

	res, err := e.PlaceBet(context.Background(), "m1", alice, 0, fpmath.Units(100))
	require.NoError(t, err)
	require.Equal(t, q.SharesOut, res.SharesOut)
	require.Equal(t, fpmath.WAD(), sum(res.Probabilities))
	for _, p := range res.Probabilities {
		require.False(t, p.IsZero())
		require.True(t, p.Lt(fpmath.WAD()))
	}

	require.Equal(t, event.ActionBet, res.Trade.Action)
	require.Equal(t, int64(2), res.Trade.Sequence)

	m, err := e.Market("m1")
	require.NoError(t, err)
	require.Equal(t, q.Net, m.Reserves[0])
	require.True(t, m.Reserves[1].IsZero())
	require.Equal(t, fpmath.Units(100), m.TotalVolume)
	require.Equal(t, q.SharesOut, m.Outcomes[0].SharesOutstanding)

	outputs := drain(persistChan)
	require.Len(t, outputs, 2)
	require.Equal(t, event.EventTypeMarketCreated, outputs[0].Envelope.EventType)
	require.Equal(t, event.EventTypeBetPlaced, outputs[1].Envelope.EventType)
}

func TestPlaceBet_HashChain(t *testing.T) {
	e, _, persistChan := newTestEngine(t)
	mustMarket(t, e, "m1")

	for i := 0; i < 3; i++ {
		_, err := e.PlaceBet(context.Background(), "m1", alice, i%2, fpmath.Units(10))
		require.NoError(t, err)
	}

	outputs := drain(persistChan)
	require.Len(t, outputs, 4)

	prev := core.GenesisHash("m1")
	for i, out := range outputs {
		env := out.Envelope
		require.Equal(t, int64(i+1), env.Sequence)
		require.Equal(t, prev, env.PrevHash)

		h := core.ResumeStateHasher(prev)
		require.Equal(t, h.ComputeHash(env.Sequence, env.Digest()), env.StateHash)

		for _, tr := range env.Trades {
			require.Equal(t, env.StateHash, tr.Hash)
			require.Equal(t, prev, tr.PrevHash)
		}
		prev = env.StateHash
	}

	m, err := e.Market("m1")
	require.NoError(t, err)
	require.Equal(t, prev, m.LastHash)
}

func TestPlaceBet_RejectionsLeaveStateUnchanged(t *testing.T) {
	e, clock, persistChan := newTestEngine(t)
	mustMarket(t, e, "m1")
	drain(persistChan)

	tests := []struct {
		name    string
		outcome int
		amount  *uint256.Int
		kind    failure.Kind
	}{
		{"zero amount", 0, fpmath.Zero(), failure.AmountCannotBeZero},
		{"bad outcome", 2, fpmath.Units(1), failure.InvalidOutcomeIndex},
		{"negative outcome", -1, fpmath.Units(1), failure.InvalidOutcomeIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.PlaceBet(context.Background(), "m1", alice, tt.outcome, tt.amount)
			require.ErrorIs(t, err, tt.kind)
		})
	}

	_, err := e.PlaceBet(context.Background(), "missing", alice, 0, fpmath.Units(1))
	require.ErrorIs(t, err, failure.MarketNotFound)

	clock.Advance(24 * time.Hour)
	_, err = e.PlaceBet(context.Background(), "m1", alice, 0, fpmath.Units(1))
	require.ErrorIs(t, err, failure.MarketExpired)

	m, err := e.Market("m1")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Sequence)
	require.True(t, m.TotalVolume.IsZero())
	require.Empty(t, drain(persistChan))
}

func TestTransition_StateMachine(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "m1")

	_, err := e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 0})
	require.ErrorIs(t, err, failure.InvalidStateTransition)

	_, err = e.Transition(ctx, "m1", state.StatusPendingResolution, state.TransitionParams{})
	require.ErrorIs(t, err, failure.InvalidStateTransition, "end time not reached")

	clock.Advance(24 * time.Hour)
	st, err := e.Transition(ctx, "m1", state.StatusPendingResolution, state.TransitionParams{})
	require.NoError(t, err)
	require.Equal(t, state.StatusPendingResolution, st)

	_, err = e.PlaceBet(ctx, "m1", alice, 0, fpmath.Units(1))
	require.ErrorIs(t, err, failure.MarketNotActive)

	_, err = e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 2})
	require.ErrorIs(t, err, failure.InvalidOutcomeIndex)

	st, err = e.Transition(ctx, "m1", state.StatusDisputed, state.TransitionParams{Reason: "oracle mismatch"})
	require.NoError(t, err)
	require.Equal(t, state.StatusDisputed, st)

	st, err = e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 1})
	require.NoError(t, err)
	require.Equal(t, state.StatusResolved, st)

	for _, target := range []state.Status{state.StatusCancelled, state.StatusDisputed, state.StatusActive} {
		_, err = e.Transition(ctx, "m1", target, state.TransitionParams{ExtendBy: time.Hour})
		require.ErrorIs(t, err, failure.MarketAlreadyResolved)
	}
	_, err = e.PlaceBet(ctx, "m1", alice, 0, fpmath.Units(1))
	require.ErrorIs(t, err, failure.MarketAlreadyResolved)

	m, err := e.Market("m1")
	require.NoError(t, err)
	require.Equal(t, 1, m.WinningOutcome)
}

func TestTransition_Extension(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	created := mustMarket(t, e, "m1")

	for _, d := range []time.Duration{0, 30 * time.Minute, 721 * time.Hour} {
		_, err := e.Transition(ctx, "m1", state.StatusActive, state.TransitionParams{ExtendBy: d})
		require.ErrorIs(t, err, failure.InvalidStateTransition, d.String())
	}

	st, err := e.Transition(ctx, "m1", state.StatusActive, state.TransitionParams{ExtendBy: 48 * time.Hour})
	require.NoError(t, err)
	require.Equal(t, state.StatusActive, st)

	m, err := e.Market("m1")
	require.NoError(t, err)
	require.Equal(t, created.EndTime.Add(48*time.Hour), m.EndTime)
}

func TestCancel_RefundsEveryPrincipal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "m1")

	deposits := fpmath.Zero()
	bets := []struct {
		user    uuid.UUID
		outcome int
		amount  uint64
	}{
		{alice, 0, 100},
		{bob, 1, 250},
		{alice, 1, 7},
		{carol, 0, 33},
	}
	for _, b := range bets {
		res, err := e.PlaceBet(ctx, "m1", b.user, b.outcome, fpmath.Units(b.amount))
		require.NoError(t, err)
		deposits.Add(deposits, res.Quote.Net)
	}

	_, err := e.Refunds("m1")
	require.ErrorIs(t, err, failure.InvalidStateTransition)

	_, err = e.Transition(ctx, "m1", state.StatusCancelled, state.TransitionParams{Reason: "void"})
	require.NoError(t, err)

	refunds, err := e.Refunds("m1")
	require.NoError(t, err)
	require.Equal(t, deposits, refunds.Total)
	require.True(t, refunds.Residual.IsZero())
	require.Len(t, refunds.Lines, 4)

	claimed := fpmath.Zero()
	for _, user := range []uuid.UUID{alice, bob, carol} {
		res, err := e.ClaimPayout(ctx, "m1", user)
		require.NoError(t, err)
		for _, tr := range res.Trades {
			require.Equal(t, event.ActionRefund, tr.Action)
		}
		claimed.Add(claimed, res.Total)
	}
	require.Equal(t, deposits, claimed)

	_, err = e.ClaimPayout(ctx, "m1", alice)
	require.ErrorIs(t, err, failure.InvalidStateTransition)
}

func TestResolve_PayoutsSplitPool(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "m1")

	for _, b := range []struct {
		user    uuid.UUID
		outcome int
		amount  uint64
	}{
		{alice, 0, 100},
		{bob, 0, 300},
		{carol, 1, 500},
	} {
		_, err := e.PlaceBet(ctx, "m1", b.user, b.outcome, fpmath.Units(b.amount))
		require.NoError(t, err)
	}

	clock.Advance(25 * time.Hour)
	_, err := e.Transition(ctx, "m1", state.StatusPendingResolution, state.TransitionParams{})
	require.NoError(t, err)
	_, err = e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 0})
	require.NoError(t, err)

	payouts, err := e.Payouts("m1")
	require.NoError(t, err)
	require.Len(t, payouts.Lines, 2)

	total := new(uint256.Int).Add(payouts.Total, payouts.Residual)
	require.Equal(t, payouts.Pooled, total)
	// Floor rounding leaves at most one base unit per line
	require.True(t, payouts.Residual.Lt(uint256.NewInt(uint64(len(payouts.Lines)))))

	res, err := e.ClaimPayout(ctx, "m1", carol)
	require.NoError(t, err)
	require.Empty(t, res.Lines, "losing shares redeem nothing")

	res, err = e.ClaimPayout(ctx, "m1", bob)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	require.Equal(t, event.ActionPayout, res.Trades[0].Action)
}

func TestResolve_NoWinningSharesRefunds(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "m1")

	_, err := e.PlaceBet(ctx, "m1", alice, 0, fpmath.Units(100))
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	_, err = e.Transition(ctx, "m1", state.StatusPendingResolution, state.TransitionParams{})
	require.NoError(t, err)
	_, err = e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 1})
	require.NoError(t, err)

	payouts, err := e.Payouts("m1")
	require.NoError(t, err)
	require.True(t, payouts.Residual.IsZero())
	require.Equal(t, payouts.Pooled, payouts.Total)

	res, err := e.ClaimPayout(ctx, "m1", alice)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	require.Equal(t, "98.5", fpmath.ToDecimal(res.Total).String())
	require.Equal(t, event.ActionRefund, res.Trades[0].Action)
}

func TestSweepExpired(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "early")
	_, err := e.CreateMarket(ctx, core.MarketSpec{
		ID:         "late",
		MarketType: "binary",
		EndTime:    genesisTime.Add(72 * time.Hour),
	})
	require.NoError(t, err)

	swept, err := e.SweepExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, swept)

	clock.Advance(24 * time.Hour)
	swept, err = e.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"early"}, swept)

	m, err := e.Market("late")
	require.NoError(t, err)
	require.Equal(t, state.StatusActive, m.Status)
}

func TestCreateMarket_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateMarket(ctx, core.MarketSpec{ID: "x", MarketType: "unknown"})
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = e.CreateMarket(ctx, core.MarketSpec{ID: "x", MarketType: "binary", Labels: []string{"only"}})
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = e.CreateMarket(ctx, core.MarketSpec{ID: "x", MarketType: "binary", EndTime: genesisTime})
	require.ErrorIs(t, err, failure.InvalidConfig)

	mustMarket(t, e, "dup")
	_, err = e.CreateMarket(ctx, core.MarketSpec{ID: "dup", MarketType: "binary"})
	require.ErrorIs(t, err, failure.InvalidConfig)

	m, err := e.CreateMarket(ctx, core.MarketSpec{
		MarketType: "binary",
		Labels:     []string{"A", "B", "C"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)

	probs, err := e.Probabilities(m.ID)
	require.NoError(t, err)
	require.Len(t, probs, 3)
	require.Equal(t, fpmath.WAD(), sum(probs))

	_, err = e.CreateMarket(ctx, core.MarketSpec{
		ID:               "flat",
		MarketType:       "binary",
		VirtualLiquidity: fpmath.Zero(),
	})
	require.ErrorIs(t, err, failure.InvalidConfig)
}

// --- Curves ---

func newCurve(t *testing.T, e *core.Engine) curve.Config {
	t.Helper()
	cfg, err := curve.NewConfig(1400, 1000)
	require.NoError(t, err)
	_, err = e.CreateCurve(context.Background(), core.CurveSpec{
		ID:        "c1",
		CreatorID: carol,
		Config:    cfg,
		Fees:      fee.MustSchedule(500, 0, 250),
	})
	require.NoError(t, err)
	return cfg
}

func TestCurve_BuySell(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	cfg := newCurve(t, e)

	buy, err := e.BuyShares(ctx, "c1", alice, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), buy.Supply)
	require.Equal(t, event.ActionCurveBuy, buy.Trade.Action)

	expectedCost, err := e.QuoteCurveBuy(0, 10, cfg)
	require.NoError(t, err)
	require.Equal(t, expectedCost, buy.Quote.CurveAmount)
	require.True(t, buy.Quote.Total.Gt(buy.Quote.CurveAmount), "fee is charged on top")

	_, err = e.BuyShares(ctx, "c1", bob, 5)
	require.NoError(t, err)

	sell, err := e.SellShares(ctx, "c1", alice, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(11), sell.Supply)
	require.True(t, sell.Quote.Total.Lt(sell.Quote.CurveAmount), "fee is taken from proceeds")

	_, err = e.SellShares(ctx, "c1", bob, 6)
	require.ErrorIs(t, err, failure.InsufficientSupply)

	_, err = e.BuyShares(ctx, "c1", bob, 990)
	require.ErrorIs(t, err, failure.SupplyExceedsMaximum)

	_, err = e.BuyShares(ctx, "c1", bob, 0)
	require.ErrorIs(t, err, failure.AmountCannotBeZero)

	c, err := e.Curve("c1")
	require.NoError(t, err)
	require.Equal(t, uint64(11), c.Supply)
	require.Equal(t, uint64(6), c.Holdings[alice])
	require.Equal(t, uint64(5), c.Holdings[bob])
	require.NoError(t, c.CheckInvariants())
	require.Equal(t, int64(4), c.Sequence)
}

func TestCurve_NotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.BuyShares(context.Background(), "nope", alice, 1)
	require.ErrorIs(t, err, failure.CurveNotFound)
	_, err = e.QuoteCurve("nope", curve.SideBuy, 1)
	require.ErrorIs(t, err, failure.CurveNotFound)
}

func TestCurve_UncheckedConfigRejected(t *testing.T) {
	e, _, persistChan := newTestEngine(t)

	noUnit := curve.Config{PriceScale: 1400, CostScale: 4200, MaxSupply: 100}
	_, err := e.QuoteCurveBuy(0, 1, noUnit)
	require.ErrorIs(t, err, failure.InvalidConfig)
	_, err = e.QuoteCurveSell(5, 1, noUnit)
	require.ErrorIs(t, err, failure.InvalidConfig)

	skewed := curve.Config{PriceScale: 1400, CostScale: 1400, MaxSupply: 100, Unit: fpmath.WAD()}
	_, err = e.QuoteCurveBuy(50, 10, skewed)
	require.ErrorIs(t, err, failure.InvalidConfig)

	_, err = e.CreateCurve(context.Background(), core.CurveSpec{
		ID:        "bad",
		CreatorID: carol,
		Config:    skewed,
		Fees:      fee.MustSchedule(500, 0, 250),
	})
	require.ErrorIs(t, err, failure.InvalidConfig)
	_, err = e.Curve("bad")
	require.ErrorIs(t, err, failure.CurveNotFound)
	require.Empty(t, drain(persistChan))
}

// --- Concurrency ---

func TestConcurrentBets_SameMarketSerialized(t *testing.T) {
	e, _, persistChan := newTestEngine(t)
	mustMarket(t, e, "m1")
	mustMarket(t, e, "m2")

	const workers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	shares := [2]*uint256.Int{fpmath.Zero(), fpmath.Zero()}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			market := []string{"m1", "m2"}[i%2]
			user := uuid.New()
			res, err := e.PlaceBet(context.Background(), market, user, i%2, fpmath.Units(uint64(i+1)))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			shares[i%2].Add(shares[i%2], res.SharesOut)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	m1, err := e.Market("m1")
	require.NoError(t, err)
	require.Equal(t, int64(workers/2+1), m1.Sequence)
	require.Equal(t, shares[0], m1.Outcomes[0].SharesOutstanding)
	require.NoError(t, m1.CheckInvariants())

	m2, err := e.Market("m2")
	require.NoError(t, err)
	require.Equal(t, shares[1], m2.Outcomes[1].SharesOutstanding)

	// Per-aggregate sequences arrive in order on the persist channel
	last := map[string]int64{}
	for _, out := range drain(persistChan) {
		id := out.Envelope.AggregateID
		require.Equal(t, last[id]+1, out.Envelope.Sequence)
		last[id] = out.Envelope.Sequence
	}
}

// --- Collaborators ---

type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, failure.New(failure.AggregateBusy, "held elsewhere")
}

func TestGuard_BusyRejectsBeforeMutation(t *testing.T) {
	e, _, _ := newTestEngine(t, core.WithGuard(busyGuard{}))
	mustMarket(t, e, "m1")

	_, err := e.PlaceBet(context.Background(), "m1", alice, 0, fpmath.Units(1))
	require.ErrorIs(t, err, failure.AggregateBusy)

	m, err := e.Market("m1")
	require.NoError(t, err)
	require.True(t, m.TotalVolume.IsZero())
}

func TestPublish_DropsWhenFull(t *testing.T) {
	clock := &fakeClock{now: genesisTime}
	persistChan := make(chan core.CoreOutput, 16)
	publishChan := make(chan core.CoreOutput) // never drained
	e := core.NewEngine(clock, persistChan, publishChan, zerolog.Nop(), core.WithMarketTypes(binaryType()))

	mustMarket(t, e, "m1")
	_, err := e.PlaceBet(context.Background(), "m1", alice, 0, fpmath.Units(1))
	require.NoError(t, err)

	require.Len(t, drain(persistChan), 2)
}

func TestSnapshotRestore(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "m1")
	newCurve(t, e)

	_, err := e.PlaceBet(ctx, "m1", alice, 1, fpmath.Units(42))
	require.NoError(t, err)
	_, err = e.BuyShares(ctx, "c1", bob, 3)
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Markets, 1)
	require.Len(t, snap.Curves, 1)

	restored, _, _ := newTestEngine(t)
	require.NoError(t, restored.Restore(snap))

	want, err := e.Probabilities("m1")
	require.NoError(t, err)
	got, err := restored.Probabilities("m1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	orig, _ := e.Market("m1")
	back, _ := restored.Market("m1")
	require.Equal(t, orig.LastHash, back.LastHash)
	require.Equal(t, orig.Sequence, back.Sequence)

	// The chain continues where it left off
	res, err := restored.PlaceBet(ctx, "m1", bob, 0, fpmath.Units(1))
	require.NoError(t, err)
	require.Equal(t, orig.LastHash, res.Trade.PrevHash)

	require.Error(t, restored.Restore(snap), "ids already held")
}

func TestRestore_RejectsWinnerOutOfRange(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	mustMarket(t, e, "m1")
	clock.Advance(25 * time.Hour)
	_, err := e.Transition(ctx, "m1", state.StatusPendingResolution, state.TransitionParams{})
	require.NoError(t, err)
	_, err = e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 0})
	require.NoError(t, err)

	snap := e.Snapshot()
	snap.Markets[0].WinningOutcome = 7

	restored, _, _ := newTestEngine(t)
	require.Error(t, restored.Restore(snap))
	_, err = restored.Market("m1")
	require.ErrorIs(t, err, failure.MarketNotFound)
}

// --- Replay ---

// loggedHistory commits one of every change kind and returns the envelopes
func loggedHistory(t *testing.T) (*core.Engine, []*event.Envelope) {
	t.Helper()
	e, clock, persistChan := newTestEngine(t)
	ctx := context.Background()

	mustMarket(t, e, "m1")
	newCurve(t, e)
	_, err := e.PlaceBet(ctx, "m1", alice, 0, fpmath.Units(100))
	require.NoError(t, err)
	_, err = e.PlaceBet(ctx, "m1", bob, 1, fpmath.Units(40))
	require.NoError(t, err)
	_, err = e.BuyShares(ctx, "c1", bob, 10)
	require.NoError(t, err)
	_, err = e.SellShares(ctx, "c1", bob, 4)
	require.NoError(t, err)
	_, err = e.Transition(ctx, "m1", state.StatusActive, state.TransitionParams{ExtendBy: 48 * time.Hour})
	require.NoError(t, err)

	clock.Advance(73 * time.Hour)
	_, err = e.Transition(ctx, "m1", state.StatusPendingResolution, state.TransitionParams{Reason: "expired"})
	require.NoError(t, err)
	_, err = e.Transition(ctx, "m1", state.StatusResolved, state.TransitionParams{WinningOutcome: 0})
	require.NoError(t, err)
	_, err = e.ClaimPayout(ctx, "m1", alice)
	require.NoError(t, err)

	var envs []*event.Envelope
	for _, o := range drain(persistChan) {
		envs = append(envs, o.Envelope)
	}
	require.Len(t, envs, 10)
	return e, envs
}

func TestReplay_ReproducesLoggedChain(t *testing.T) {
	e, envs := loggedHistory(t)
	ctx := context.Background()

	restored, _, persistChan := newTestEngine(t)
	for _, env := range envs {
		applied, err := restored.Replay(ctx, env)
		require.NoError(t, err, env.EventType.String())
		require.True(t, applied)
	}
	require.Empty(t, drain(persistChan), "replayed changes are not emitted")

	orig, _ := e.Market("m1")
	back, err := restored.Market("m1")
	require.NoError(t, err)
	require.Equal(t, orig.Sequence, back.Sequence)
	require.Equal(t, orig.LastHash, back.LastHash)
	require.Equal(t, state.StatusResolved, back.Status)
	require.Equal(t, orig.EndTime, back.EndTime)
	require.Equal(t, orig.Reserves, back.Reserves)
	require.Equal(t, orig.TotalVolume, back.TotalVolume)

	origCurve, _ := e.Curve("c1")
	backCurve, err := restored.Curve("c1")
	require.NoError(t, err)
	require.Equal(t, origCurve.LastHash, backCurve.LastHash)
	require.Equal(t, uint64(6), backCurve.Supply)
	require.Equal(t, origCurve.Reserve, backCurve.Reserve)

	// Already applied
	applied, err := restored.Replay(ctx, envs[0])
	require.NoError(t, err)
	require.False(t, applied)
}

func TestReplay_RejectsGapAndDivergence(t *testing.T) {
	_, envs := loggedHistory(t)
	ctx := context.Background()
	created, firstBet := envs[0], envs[2]
	require.Equal(t, event.EventTypeBetPlaced, firstBet.EventType)

	restored, _, _ := newTestEngine(t)

	var mismatch *core.ReplayMismatchError
	_, err := restored.Replay(ctx, firstBet)
	require.True(t, errors.As(err, &mismatch), "gap before creation")

	_, err = restored.Replay(ctx, created)
	require.NoError(t, err)

	trade := *firstBet.Trades[0]
	trade.GrossAmount = fpmath.Units(99)
	tampered := *firstBet
	tampered.Trades = []*event.Trade{&trade}

	_, err = restored.Replay(ctx, &tampered)
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, "m1", mismatch.AggregateID)

	m, err := restored.Market("m1")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Sequence, "diverging change discarded")

	applied, err := restored.Replay(ctx, firstBet)
	require.NoError(t, err)
	require.True(t, applied)
}
