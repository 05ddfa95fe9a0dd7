package curve

import (
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/holiman/uint256"
)

// Side of a curve trade
type Side int32

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Quote is a fee-inclusive curve trade price
type Quote struct {
	Side         Side
	Supply       uint64
	Amount       uint64
	CurveAmount  *uint256.Int // cost or proceeds before fees
	Fees         fee.Split
	Total        *uint256.Int // buyer pays / seller receives
	AveragePrice *uint256.Int
	NewSupply    uint64
}

// QuoteBuy prices a buy with the fee charged on top of the curve cost
func QuoteBuy(supply, amount uint64, c Config, fees fee.Schedule) (*Quote, error) {
	cost, err := BuyCost(supply, amount, c)
	if err != nil {
		return nil, err
	}
	split, err := fees.OnTop(cost)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Side:         SideBuy,
		Supply:       supply,
		Amount:       amount,
		CurveAmount:  cost,
		Fees:         split,
		Total:        split.Gross,
		AveragePrice: new(uint256.Int).Div(cost, uint256.NewInt(amount)),
		NewSupply:    supply + amount,
	}, nil
}

// QuoteSell prices a sell with the fee taken out of the curve proceeds
func QuoteSell(supply, amount uint64, c Config, fees fee.Schedule) (*Quote, error) {
	proceeds, err := SellProceeds(supply, amount, c)
	if err != nil {
		return nil, err
	}
	split, err := fees.Split(proceeds)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Side:         SideSell,
		Supply:       supply,
		Amount:       amount,
		CurveAmount:  proceeds,
		Fees:         split,
		Total:        split.Net,
		AveragePrice: new(uint256.Int).Div(proceeds, uint256.NewInt(amount)),
		NewSupply:    supply - amount,
	}, nil
}

// MarketCap is supply * spot price, a display figure
func MarketCap(supply uint64, c Config) (*uint256.Int, error) {
	p, err := Price(supply, c)
	if err != nil {
		return nil, err
	}
	return fpmath.Mul(p, uint256.NewInt(supply))
}
