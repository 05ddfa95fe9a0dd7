package persistence

import (
	"context"
	"testing"
	"time"

	"MarketCore/internal/core"
	"MarketCore/internal/curve"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	snapUser    = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	snapCreator = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
)

func populatedEngine(t *testing.T) *core.Engine {
	t.Helper()
	e := core.NewEngine(core.SystemClock{}, nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := e.CreateMarket(ctx, core.MarketSpec{
		ID:               "m1",
		MarketType:       "custom",
		Labels:           []string{"YES", "NO", "MAYBE"},
		EndTime:          time.Now().Add(24 * time.Hour),
		VirtualLiquidity: fpmath.Units(1000),
		Fees:             ptr(fee.MustSchedule(200, 100, 0)),
	})
	require.NoError(t, err)
	_, err = e.PlaceBet(ctx, "m1", snapUser, 2, fpmath.Units(40))
	require.NoError(t, err)

	cfg, err := curve.NewConfig(1400, 10_000)
	require.NoError(t, err)
	_, err = e.CreateCurve(ctx, core.CurveSpec{ID: "c1", CreatorID: snapCreator, Config: cfg, Fees: fee.MustSchedule(500, 0, 250)})
	require.NoError(t, err)
	_, err = e.BuyShares(ctx, "c1", snapUser, 25)
	require.NoError(t, err)

	return e
}

func ptr[T any](v T) *T { return &v }

func TestSnapshot_EncodeDecode(t *testing.T) {
	src := populatedEngine(t)
	snap := src.Snapshot()

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	got, err := DecodeSnapshot(data)
	require.NoError(t, err)

	require.Len(t, got.Markets, 1)
	require.Len(t, got.Curves, 1)

	want, m := snap.Markets[0], got.Markets[0]
	require.NoError(t, m.CheckInvariants())
	require.Equal(t, want.Reserves, m.Reserves)
	require.Equal(t, want.VirtualLiquidity, m.VirtualLiquidity)
	require.Equal(t, want.Fees, m.Fees)
	require.Equal(t, want.Status, m.Status)
	require.Equal(t, want.Sequence, m.Sequence)
	require.Equal(t, want.LastHash, m.LastHash)
	require.Equal(t, "MAYBE", m.Outcomes[2].Label)
	require.Equal(t, want.Positions.Get(snapUser, 2).SharesOwned, m.Positions.Get(snapUser, 2).SharesOwned)

	wantC, c := snap.Curves[0], got.Curves[0]
	require.NoError(t, c.CheckInvariants())
	require.Equal(t, wantC.Config, c.Config)
	require.Equal(t, wantC.Reserve, c.Reserve)
	require.Equal(t, uint64(25), c.Holdings[snapUser])
	require.Equal(t, wantC.LastHash, c.LastHash)
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	src := populatedEngine(t)
	data, err := EncodeSnapshot(src.Snapshot())
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)

	ctx := context.Background()
	restored := core.NewEngine(core.SystemClock{}, nil, nil, zerolog.Nop())
	require.NoError(t, restored.Restore(snap))

	// Both engines price and chain the next bet identically
	a, err := src.PlaceBet(ctx, "m1", snapUser, 0, fpmath.Units(5))
	require.NoError(t, err)
	b, err := restored.PlaceBet(ctx, "m1", snapUser, 0, fpmath.Units(5))
	require.NoError(t, err)
	require.Equal(t, a.SharesOut, b.SharesOut)
	require.Equal(t, a.Trade.Sequence, b.Trade.Sequence)
	require.Equal(t, a.Trade.PrevHash, b.Trade.PrevHash)

	sold, err := restored.SellShares(ctx, "c1", snapUser, 25)
	require.NoError(t, err)
	require.Equal(t, uint64(0), sold.Supply)
}

func TestDecodeSnapshot_Rejects(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"markets":[{"id":"m","status":"Frozen"}]}`))
	require.Error(t, err)

	_, err = DecodeSnapshot([]byte(`{"markets":[{"id":"m","status":"Active","fees":{"fee_bps":20000}}]}`))
	require.Error(t, err)

	_, err = DecodeSnapshot([]byte(`{"curves":[{"id":"c","price_scale":1,"unit":"1","reserve":"x","last_hash":""}]}`))
	require.Error(t, err)

	_, err = DecodeSnapshot([]byte(`not json`))
	require.Error(t, err)

	// Unknown market status is caught before amounts are parsed
	_, err = DecodeSnapshot([]byte(`{"markets":[{"id":"m","status":"` + state.StatusUnknown.String() + `"}]}`))
	require.Error(t, err)
}
