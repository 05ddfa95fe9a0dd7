package server

import (
	"time"

	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amounts cross the API as decimal strings in whole units ("98.5"), never
// floats. Probabilities and prices are decimal fractions ("0.5").

type QuoteCurveRequest struct {
	// Either CurveID, or Supply with an optional curve configuration
	CurveID    string `json:"curve_id,omitempty"`
	Supply     uint64 `json:"supply"`
	Amount     uint64 `json:"amount"`
	PriceScale uint64 `json:"price_scale,omitempty"`
	MaxSupply  uint64 `json:"max_supply,omitempty"`
}

type QuoteCurveResponse struct {
	CurveAmount  string `json:"curve_amount"`
	Fee          string `json:"fee,omitempty"`
	Total        string `json:"total,omitempty"`
	AveragePrice string `json:"average_price,omitempty"`
	NewSupply    uint64 `json:"new_supply"`
}

type QuoteBetRequest struct {
	MarketID string `json:"market_id"`
	Outcome  int    `json:"outcome"`
	Amount   string `json:"amount"`
}

type QuoteBetResponse struct {
	Fee       string `json:"fee"`
	Net       string `json:"net"`
	SharesOut string `json:"shares_out"`
	Price     string `json:"price"`
}

type PlaceBetRequest struct {
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
	Outcome  int    `json:"outcome"`
	Amount   string `json:"amount"`
}

type PlaceBetResponse struct {
	TradeID       string   `json:"trade_id"`
	Sequence      int64    `json:"sequence"`
	Fee           string   `json:"fee"`
	Net           string   `json:"net"`
	SharesOut     string   `json:"shares_out"`
	Price         string   `json:"price"`
	Probabilities []string `json:"probabilities"`
}

type ProbabilityRequest struct {
	MarketID string `json:"market_id"`
	// Nil returns every outcome
	Outcome *int `json:"outcome,omitempty"`
}

type ProbabilityResponse struct {
	Probability   string   `json:"probability,omitempty"`
	Probabilities []string `json:"probabilities,omitempty"`
}

type TransitionRequest struct {
	MarketID       string `json:"market_id"`
	Target         string `json:"target"`
	WinningOutcome int    `json:"winning_outcome,omitempty"`
	ExtendBy       string `json:"extend_by,omitempty"` // Go duration, e.g. "48h"
	Reason         string `json:"reason,omitempty"`
}

type TransitionResponse struct {
	Status string `json:"status"`
}

type CreateMarketRequest struct {
	MarketID         string     `json:"market_id,omitempty"`
	MarketType       string     `json:"market_type"`
	Labels           []string   `json:"labels,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	VirtualLiquidity string     `json:"virtual_liquidity,omitempty"`
	FeeBps           *uint64    `json:"fee_bps,omitempty"`
	PlatformBps      uint64     `json:"platform_bps,omitempty"`
	CreatorBps       uint64     `json:"creator_bps,omitempty"`
}

type GetMarketRequest struct {
	MarketID string `json:"market_id"`
}

type OutcomeView struct {
	Index             int    `json:"index"`
	Label             string `json:"label"`
	Reserve           string `json:"reserve"`
	SharesOutstanding string `json:"shares_outstanding"`
	TotalStaked       string `json:"total_staked"`
	Probability       string `json:"probability"`
}

type MarketView struct {
	MarketID         string        `json:"market_id"`
	MarketType       string        `json:"market_type"`
	Status           string        `json:"status"`
	EndTime          time.Time     `json:"end_time"`
	VirtualLiquidity string        `json:"virtual_liquidity"`
	FeeBps           uint64        `json:"fee_bps"`
	Outcomes         []OutcomeView `json:"outcomes"`
	TotalVolume      string        `json:"total_volume"`
	FeesCollected    string        `json:"fees_collected"`
	WinningOutcome   *int          `json:"winning_outcome,omitempty"`
	Sequence         int64         `json:"sequence"`
}

type CreateCurveRequest struct {
	CurveID     string  `json:"curve_id,omitempty"`
	CreatorID   string  `json:"creator_id"`
	PriceScale  uint64  `json:"price_scale,omitempty"`
	MaxSupply   uint64  `json:"max_supply,omitempty"`
	FeeBps      *uint64 `json:"fee_bps,omitempty"`
	PlatformBps uint64  `json:"platform_bps,omitempty"`
	CreatorBps  uint64  `json:"creator_bps,omitempty"`
}

type GetCurveRequest struct {
	CurveID string `json:"curve_id"`
}

type CurveView struct {
	CurveID    string `json:"curve_id"`
	CreatorID  string `json:"creator_id"`
	PriceScale uint64 `json:"price_scale"`
	MaxSupply  uint64 `json:"max_supply"`
	FeeBps     uint64 `json:"fee_bps"`
	Supply     uint64 `json:"supply"`
	Holders    int    `json:"holders"`
	Reserve    string `json:"reserve"`
	Price      string `json:"price"`
	MarketCap  string `json:"market_cap"`
	Sequence   int64  `json:"sequence"`
}

type CurveTradeRequest struct {
	CurveID string `json:"curve_id"`
	UserID  string `json:"user_id"`
	Amount  uint64 `json:"amount"`
}

type CurveTradeResponse struct {
	TradeID     string `json:"trade_id"`
	Sequence    int64  `json:"sequence"`
	CurveAmount string `json:"curve_amount"`
	Fee         string `json:"fee"`
	Total       string `json:"total"`
	Supply      uint64 `json:"supply"`
	Price       string `json:"price"`
}

type ClaimPayoutRequest struct {
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
}

type PayoutLineView struct {
	Outcome int    `json:"outcome"`
	Shares  string `json:"shares"`
	Amount  string `json:"amount"`
}

type ClaimPayoutResponse struct {
	Total string           `json:"total"`
	Lines []PayoutLineView `json:"lines"`
}

type ListTradesRequest struct {
	AggregateID   string `json:"aggregate_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type TradeView struct {
	TradeID     string    `json:"trade_id"`
	AggregateID string    `json:"aggregate_id"`
	Sequence    int64     `json:"sequence"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	Outcome     int       `json:"outcome"`
	Gross       string    `json:"gross"`
	Fee         string    `json:"fee"`
	Net         string    `json:"net"`
	Shares      string    `json:"shares"`
	Price       string    `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
}

type ListTradesResponse struct {
	Trades []TradeView `json:"trades"`
}

// units renders a base-unit amount in whole units
func units(x *uint256.Int) string {
	return fpmath.ToDecimal(x).String()
}

func unitsList(xs []*uint256.Int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = units(x)
	}
	return out
}

// parseUnits parses a whole-unit decimal string into base units
func parseUnits(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, invalidArgument("%s is required", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, invalidArgument("invalid %s: %v", field, err)
	}
	x, err := fpmath.FromDecimal(d)
	if err != nil {
		return nil, invalidArgument("invalid %s: %v", field, err)
	}
	return x, nil
}

func marketView(m *state.Market, probs []*uint256.Int) MarketView {
	v := MarketView{
		MarketID:         m.ID,
		MarketType:       m.MarketType,
		Status:           m.Status.String(),
		EndTime:          m.EndTime,
		VirtualLiquidity: units(m.VirtualLiquidity),
		FeeBps:           m.Fees.FeeBps(),
		TotalVolume:      units(m.TotalVolume),
		FeesCollected:    units(m.FeesCollected),
		Sequence:         m.Sequence,
	}
	for i, o := range m.Outcomes {
		ov := OutcomeView{
			Index:             o.Index,
			Label:             o.Label,
			Reserve:           units(m.Reserves[i]),
			SharesOutstanding: units(o.SharesOutstanding),
			TotalStaked:       units(o.TotalStaked),
		}
		if i < len(probs) {
			ov.Probability = units(probs[i])
		}
		v.Outcomes = append(v.Outcomes, ov)
	}
	if m.WinningOutcome != state.NoWinner {
		w := m.WinningOutcome
		v.WinningOutcome = &w
	}
	return v
}
