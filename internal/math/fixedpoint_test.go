package math

import (
	"testing"

	"MarketCore/internal/failure"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCheckedOps(t *testing.T) {
	top := new(uint256.Int).SetAllOne()

	_, err := Add(top, uint256.NewInt(1))
	require.ErrorIs(t, err, failure.ArithmeticOverflow)

	_, err = Sub(uint256.NewInt(1), uint256.NewInt(2))
	require.ErrorIs(t, err, failure.ArithmeticOverflow)

	_, err = Mul(top, uint256.NewInt(2))
	require.ErrorIs(t, err, failure.ArithmeticOverflow)

	_, err = MulDiv(Units(1), Units(1), Zero())
	require.ErrorIs(t, err, failure.ArithmeticOverflow)

	got, err := MulDiv(top, uint256.NewInt(6), uint256.NewInt(3))
	require.ErrorIs(t, err, failure.ArithmeticOverflow)
	require.Nil(t, got)

	// The 512-bit intermediate lets a product above 2^256 divide back down
	got, err = MulDiv(top, top, top)
	require.NoError(t, err)
	require.Equal(t, top, got)
}

func TestCubeAndSquare(t *testing.T) {
	require.Equal(t, uint64(1_000_000), Cube(100).Uint64())
	require.Equal(t, uint64(10_000), Square(100).Uint64())

	cube := Cube(^uint64(0))
	require.Equal(t, 192, cube.BitLen())
}

func TestApplyBps(t *testing.T) {
	got, err := ApplyBps(Units(100), 150)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", got.Dec())
}

func TestDecimalConversion(t *testing.T) {
	require.Equal(t, "98.5", ToDecimal(uint256.MustFromDecimal("98500000000000000000")).String())
	require.Equal(t, "0", ToDecimal(nil).String())

	x, err := FromDecimal(decimal.RequireFromString("21.666666666666666667"))
	require.NoError(t, err)
	require.Equal(t, "21666666666666666667", x.Dec())

	x, err = FromDecimal(decimal.RequireFromString("0.0000000000000000019"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), x.Uint64(), "truncated below one base unit")

	_, err = FromDecimal(decimal.NewFromInt(-1))
	require.Error(t, err)

	x, err = ParseAmount("1500000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1.5", ToDecimal(x).String())

	_, err = ParseAmount("1.5")
	require.Error(t, err)
}

func TestMin(t *testing.T) {
	a, b := uint256.NewInt(3), uint256.NewInt(7)
	require.Same(t, a, Min(a, b))
	require.Same(t, a, Min(b, a))
}

func stake(user byte, outcome int, shares, basis uint64) Stake {
	var id uuid.UUID
	id[15] = user
	return Stake{
		UserID:       id,
		OutcomeIndex: outcome,
		Shares:       uint256.NewInt(shares),
		CostBasis:    uint256.NewInt(basis),
	}
}

func TestResolutionSettlement(t *testing.T) {
	stakes := []Stake{
		stake(3, 0, 100, 50),
		stake(1, 0, 200, 90),
		stake(2, 1, 500, 160),
	}

	s, err := ComputeResolutionSettlement(uint256.NewInt(300), 0, uint256.NewInt(300), stakes)
	require.NoError(t, err)
	require.Len(t, s.Lines, 2)

	// Sorted by user id
	require.Equal(t, byte(1), s.Lines[0].UserID[15])
	require.Equal(t, uint64(200), s.Lines[0].Amount.Uint64())
	require.Equal(t, byte(3), s.Lines[1].UserID[15])
	require.Equal(t, uint64(100), s.Lines[1].Amount.Uint64())
	require.True(t, s.Residual.IsZero())
}

func TestResolutionSettlement_RoundingResidual(t *testing.T) {
	stakes := []Stake{
		stake(1, 0, 1, 1),
		stake(2, 0, 1, 1),
		stake(3, 0, 1, 1),
	}

	s, err := ComputeResolutionSettlement(uint256.NewInt(100), 0, uint256.NewInt(3), stakes)
	require.NoError(t, err)
	for _, line := range s.Lines {
		require.Equal(t, uint64(33), line.Amount.Uint64())
	}
	require.Equal(t, uint64(99), s.Total.Uint64())
	require.Equal(t, uint64(1), s.Residual.Uint64())
}

func TestResolutionSettlement_NoWinnersRefunds(t *testing.T) {
	stakes := []Stake{stake(1, 1, 20, 10), stake(2, 1, 12, 6)}

	s, err := ComputeResolutionSettlement(uint256.NewInt(16), 0, Zero(), stakes)
	require.NoError(t, err)
	require.Len(t, s.Lines, 2)
	require.Equal(t, uint64(10), s.Lines[0].Amount.Uint64())
	require.Equal(t, uint64(6), s.Lines[1].Amount.Uint64())
	require.Equal(t, uint64(16), s.Total.Uint64())
	require.True(t, s.Residual.IsZero())
}

func TestRefundSettlement(t *testing.T) {
	stakes := []Stake{
		stake(2, 1, 500, 160),
		stake(1, 0, 200, 90),
		stake(1, 1, 0, 0),
	}

	s, err := ComputeRefundSettlement(uint256.NewInt(250), stakes)
	require.NoError(t, err)
	require.Len(t, s.Lines, 2)
	require.Equal(t, uint64(250), s.Total.Uint64())
	require.True(t, s.Residual.IsZero())

	_, err = ComputeRefundSettlement(uint256.NewInt(249), stakes)
	require.ErrorIs(t, err, failure.ArithmeticOverflow, "principal above pool")
}
