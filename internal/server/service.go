package server

import (
	"context"
	"time"

	"MarketCore/internal/amm"
	"MarketCore/internal/core"
	"MarketCore/internal/curve"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/query"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is the pricing core as seen by the API. *core.Engine implements it.
type Engine interface {
	QuoteCurveBuy(supply, amount uint64, cfg curve.Config) (*uint256.Int, error)
	QuoteCurveSell(supply, amount uint64, cfg curve.Config) (*uint256.Int, error)
	QuoteCurve(curveID string, side curve.Side, amount uint64) (*curve.Quote, error)
	CreateCurve(ctx context.Context, spec core.CurveSpec) (*state.CreatorCurve, error)
	BuyShares(ctx context.Context, curveID string, userID uuid.UUID, amount uint64) (*core.CurveTradeResult, error)
	SellShares(ctx context.Context, curveID string, userID uuid.UUID, amount uint64) (*core.CurveTradeResult, error)
	Curve(curveID string) (*state.CreatorCurve, error)

	CreateMarket(ctx context.Context, spec core.MarketSpec) (*state.Market, error)
	QuoteBet(marketID string, outcome int, gross *uint256.Int) (*amm.BetQuote, error)
	PlaceBet(ctx context.Context, marketID string, userID uuid.UUID, outcome int, gross *uint256.Int) (*core.BetResult, error)
	Probability(marketID string, outcome int) (*uint256.Int, error)
	Probabilities(marketID string) ([]*uint256.Int, error)
	Transition(ctx context.Context, marketID string, target state.Status, params state.TransitionParams) (state.Status, error)
	ClaimPayout(ctx context.Context, marketID string, userID uuid.UUID) (*core.ClaimResult, error)
	Market(marketID string) (*state.Market, error)
}

// PricingServer is the PricingService contract shared by the gRPC and HTTP
// transports.
type PricingServer interface {
	QuoteCurveBuy(context.Context, *QuoteCurveRequest) (*QuoteCurveResponse, error)
	QuoteCurveSell(context.Context, *QuoteCurveRequest) (*QuoteCurveResponse, error)
	CreateCurve(context.Context, *CreateCurveRequest) (*CurveView, error)
	GetCurve(context.Context, *GetCurveRequest) (*CurveView, error)
	BuyShares(context.Context, *CurveTradeRequest) (*CurveTradeResponse, error)
	SellShares(context.Context, *CurveTradeRequest) (*CurveTradeResponse, error)

	CreateMarket(context.Context, *CreateMarketRequest) (*MarketView, error)
	GetMarket(context.Context, *GetMarketRequest) (*MarketView, error)
	QuoteBet(context.Context, *QuoteBetRequest) (*QuoteBetResponse, error)
	PlaceBet(context.Context, *PlaceBetRequest) (*PlaceBetResponse, error)
	Probability(context.Context, *ProbabilityRequest) (*ProbabilityResponse, error)
	Transition(context.Context, *TransitionRequest) (*TransitionResponse, error)
	ClaimPayout(context.Context, *ClaimPayoutRequest) (*ClaimPayoutResponse, error)

	ListTrades(context.Context, *ListTradesRequest) (*ListTradesResponse, error)
}

// TradeHistory reads persisted trades. *query.QueryService implements it.
type TradeHistory interface {
	ListTrades(ctx context.Context, f query.TradeFilter) ([]query.TradeRecord, error)
}

// PricingService validates requests, converts units and calls the engine.
type PricingService struct {
	engine    Engine
	history   TradeHistory
	curveCfg  curve.Config
	curveFees fee.Schedule
}

// ServiceOption configures a PricingService
type ServiceOption func(*PricingService)

// WithTradeHistory enables ListTrades
func WithTradeHistory(h TradeHistory) ServiceOption {
	return func(s *PricingService) { s.history = h }
}

var _ PricingServer = (*PricingService)(nil)

// NewPricingService creates the service. curveCfg and curveFees fill in
// whatever a CreateCurve or stateless quote request leaves unset.
func NewPricingService(engine Engine, curveCfg curve.Config, curveFees fee.Schedule, opts ...ServiceOption) *PricingService {
	s := &PricingService{engine: engine, curveCfg: curveCfg, curveFees: curveFees}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Curves
// ============================================================================

func (s *PricingService) QuoteCurveBuy(ctx context.Context, req *QuoteCurveRequest) (*QuoteCurveResponse, error) {
	return s.quoteCurve(req, curve.SideBuy)
}

func (s *PricingService) QuoteCurveSell(ctx context.Context, req *QuoteCurveRequest) (*QuoteCurveResponse, error) {
	return s.quoteCurve(req, curve.SideSell)
}

func (s *PricingService) quoteCurve(req *QuoteCurveRequest, side curve.Side) (*QuoteCurveResponse, error) {
	if req.Amount == 0 {
		return nil, invalidArgument("amount must be positive")
	}

	if req.CurveID != "" {
		q, err := s.engine.QuoteCurve(req.CurveID, side, req.Amount)
		if err != nil {
			return nil, toStatus(err)
		}
		return &QuoteCurveResponse{
			CurveAmount:  units(q.CurveAmount),
			Fee:          units(q.Fees.Fee),
			Total:        units(q.Total),
			AveragePrice: units(q.AveragePrice),
			NewSupply:    q.NewSupply,
		}, nil
	}

	cfg, err := s.curveConfig(req.PriceScale, req.MaxSupply)
	if err != nil {
		return nil, err
	}

	var amount *uint256.Int
	var newSupply uint64
	if side == curve.SideBuy {
		amount, err = s.engine.QuoteCurveBuy(req.Supply, req.Amount, cfg)
		newSupply = req.Supply + req.Amount
	} else {
		amount, err = s.engine.QuoteCurveSell(req.Supply, req.Amount, cfg)
		newSupply = req.Supply - req.Amount
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &QuoteCurveResponse{CurveAmount: units(amount), NewSupply: newSupply}, nil
}

// curveConfig overlays request overrides on the default curve
func (s *PricingService) curveConfig(priceScale, maxSupply uint64) (curve.Config, error) {
	if priceScale == 0 && maxSupply == 0 {
		return s.curveCfg, nil
	}
	if priceScale == 0 {
		priceScale = s.curveCfg.PriceScale
	}
	if maxSupply == 0 {
		maxSupply = s.curveCfg.MaxSupply
	}
	cfg, err := curve.NewConfigWithUnit(priceScale, maxSupply, s.curveCfg.Unit)
	if err != nil {
		return curve.Config{}, toStatus(err)
	}
	return cfg, nil
}

func (s *PricingService) CreateCurve(ctx context.Context, req *CreateCurveRequest) (*CurveView, error) {
	creator, err := parseUUID("creator_id", req.CreatorID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.curveConfig(req.PriceScale, req.MaxSupply)
	if err != nil {
		return nil, err
	}
	fees := s.curveFees
	if req.FeeBps != nil {
		if fees, err = fee.NewSchedule(*req.FeeBps, req.PlatformBps, req.CreatorBps); err != nil {
			return nil, toStatus(err)
		}
	}

	c, err := s.engine.CreateCurve(ctx, core.CurveSpec{
		ID:        req.CurveID,
		CreatorID: creator,
		Config:    cfg,
		Fees:      fees,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return curveView(c)
}

func (s *PricingService) GetCurve(ctx context.Context, req *GetCurveRequest) (*CurveView, error) {
	if req.CurveID == "" {
		return nil, invalidArgument("curve_id is required")
	}
	c, err := s.engine.Curve(req.CurveID)
	if err != nil {
		return nil, toStatus(err)
	}
	return curveView(c)
}

func (s *PricingService) BuyShares(ctx context.Context, req *CurveTradeRequest) (*CurveTradeResponse, error) {
	return s.curveTrade(ctx, req, s.engine.BuyShares)
}

func (s *PricingService) SellShares(ctx context.Context, req *CurveTradeRequest) (*CurveTradeResponse, error) {
	return s.curveTrade(ctx, req, s.engine.SellShares)
}

type curveTradeFunc func(ctx context.Context, curveID string, userID uuid.UUID, amount uint64) (*core.CurveTradeResult, error)

func (s *PricingService) curveTrade(ctx context.Context, req *CurveTradeRequest, trade curveTradeFunc) (*CurveTradeResponse, error) {
	if req.CurveID == "" {
		return nil, invalidArgument("curve_id is required")
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}

	res, err := trade(ctx, req.CurveID, userID, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CurveTradeResponse{
		TradeID:     res.Trade.TradeID.String(),
		Sequence:    res.Trade.Sequence,
		CurveAmount: units(res.Quote.CurveAmount),
		Fee:         units(res.Quote.Fees.Fee),
		Total:       units(res.Quote.Total),
		Supply:      res.Supply,
		Price:       units(res.Price),
	}, nil
}

func curveView(c *state.CreatorCurve) (*CurveView, error) {
	price, err := c.Price()
	if err != nil {
		return nil, toStatus(err)
	}
	mcap, err := fpmath.Mul(price, uint256.NewInt(c.Supply))
	if err != nil {
		return nil, toStatus(err)
	}
	return &CurveView{
		CurveID:    c.ID,
		CreatorID:  c.CreatorID.String(),
		PriceScale: c.Config.PriceScale,
		MaxSupply:  c.Config.MaxSupply,
		FeeBps:     c.Fees.FeeBps(),
		Supply:     c.Supply,
		Holders:    len(c.Holdings),
		Reserve:    units(c.Reserve),
		Price:      units(price),
		MarketCap:  units(mcap),
		Sequence:   c.Sequence,
	}, nil
}

// ============================================================================
// Markets
// ============================================================================

func (s *PricingService) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*MarketView, error) {
	if req.MarketType == "" {
		return nil, invalidArgument("market_type is required")
	}

	spec := core.MarketSpec{
		ID:         req.MarketID,
		MarketType: req.MarketType,
		Labels:     req.Labels,
	}
	if req.EndTime != nil {
		spec.EndTime = req.EndTime.UTC()
	}
	if req.VirtualLiquidity != "" {
		vl, err := parseUnits("virtual_liquidity", req.VirtualLiquidity)
		if err != nil {
			return nil, err
		}
		spec.VirtualLiquidity = vl
	}
	if req.FeeBps != nil {
		fees, err := fee.NewSchedule(*req.FeeBps, req.PlatformBps, req.CreatorBps)
		if err != nil {
			return nil, toStatus(err)
		}
		spec.Fees = &fees
	}

	m, err := s.engine.CreateMarket(ctx, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return marketViewOf(m)
}

func (s *PricingService) GetMarket(ctx context.Context, req *GetMarketRequest) (*MarketView, error) {
	if req.MarketID == "" {
		return nil, invalidArgument("market_id is required")
	}
	m, err := s.engine.Market(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return marketViewOf(m)
}

func marketViewOf(m *state.Market) (*MarketView, error) {
	probs, err := m.Probabilities()
	if err != nil {
		return nil, toStatus(err)
	}
	v := marketView(m, probs)
	return &v, nil
}

func (s *PricingService) QuoteBet(ctx context.Context, req *QuoteBetRequest) (*QuoteBetResponse, error) {
	if req.MarketID == "" {
		return nil, invalidArgument("market_id is required")
	}
	gross, err := parseUnits("amount", req.Amount)
	if err != nil {
		return nil, err
	}

	q, err := s.engine.QuoteBet(req.MarketID, req.Outcome, gross)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QuoteBetResponse{
		Fee:       units(q.Fee),
		Net:       units(q.Net),
		SharesOut: units(q.SharesOut),
		Price:     units(q.Price),
	}, nil
}

func (s *PricingService) PlaceBet(ctx context.Context, req *PlaceBetRequest) (*PlaceBetResponse, error) {
	if req.MarketID == "" {
		return nil, invalidArgument("market_id is required")
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	gross, err := parseUnits("amount", req.Amount)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.PlaceBet(ctx, req.MarketID, userID, req.Outcome, gross)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PlaceBetResponse{
		TradeID:       res.Trade.TradeID.String(),
		Sequence:      res.Trade.Sequence,
		Fee:           units(res.Quote.Fee),
		Net:           units(res.Quote.Net),
		SharesOut:     units(res.SharesOut),
		Price:         units(res.Quote.Price),
		Probabilities: unitsList(res.Probabilities),
	}, nil
}

func (s *PricingService) Probability(ctx context.Context, req *ProbabilityRequest) (*ProbabilityResponse, error) {
	if req.MarketID == "" {
		return nil, invalidArgument("market_id is required")
	}

	if req.Outcome != nil {
		p, err := s.engine.Probability(req.MarketID, *req.Outcome)
		if err != nil {
			return nil, toStatus(err)
		}
		return &ProbabilityResponse{Probability: units(p)}, nil
	}

	probs, err := s.engine.Probabilities(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ProbabilityResponse{Probabilities: unitsList(probs)}, nil
}

func (s *PricingService) Transition(ctx context.Context, req *TransitionRequest) (*TransitionResponse, error) {
	if req.MarketID == "" {
		return nil, invalidArgument("market_id is required")
	}
	target, ok := state.ParseStatus(req.Target)
	if !ok {
		return nil, invalidArgument("unknown target status %q", req.Target)
	}

	params := state.TransitionParams{
		WinningOutcome: req.WinningOutcome,
		Reason:         req.Reason,
	}
	if req.ExtendBy != "" {
		d, err := time.ParseDuration(req.ExtendBy)
		if err != nil {
			return nil, invalidArgument("invalid extend_by: %v", err)
		}
		params.ExtendBy = d
	}

	st, err := s.engine.Transition(ctx, req.MarketID, target, params)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TransitionResponse{Status: st.String()}, nil
}

func (s *PricingService) ClaimPayout(ctx context.Context, req *ClaimPayoutRequest) (*ClaimPayoutResponse, error) {
	if req.MarketID == "" {
		return nil, invalidArgument("market_id is required")
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.ClaimPayout(ctx, req.MarketID, userID)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &ClaimPayoutResponse{Total: units(res.Total), Lines: make([]PayoutLineView, 0, len(res.Lines))}
	for _, l := range res.Lines {
		resp.Lines = append(resp.Lines, PayoutLineView{
			Outcome: l.OutcomeIndex,
			Shares:  units(l.Shares),
			Amount:  units(l.Amount),
		})
	}
	return resp, nil
}

// ============================================================================
// History
// ============================================================================

func (s *PricingService) ListTrades(ctx context.Context, req *ListTradesRequest) (*ListTradesResponse, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "trade history is not configured")
	}
	if req.Limit < 0 || req.AfterSequence < 0 {
		return nil, invalidArgument("limit and after_sequence must not be negative")
	}

	filter := query.TradeFilter{
		AggregateID:   req.AggregateID,
		AfterSequence: req.AfterSequence,
		Limit:         req.Limit,
	}
	if req.UserID != "" {
		userID, err := parseUUID("user_id", req.UserID)
		if err != nil {
			return nil, err
		}
		filter.UserID = uuid.NullUUID{UUID: userID, Valid: true}
	}

	trades, err := s.history.ListTrades(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &ListTradesResponse{Trades: make([]TradeView, 0, len(trades))}
	for _, t := range trades {
		resp.Trades = append(resp.Trades, TradeView{
			TradeID:     t.TradeID.String(),
			AggregateID: t.AggregateID,
			Sequence:    t.Sequence,
			UserID:      t.UserID.String(),
			Action:      t.Action,
			Outcome:     t.OutcomeIndex,
			Gross:       units(t.GrossAmount),
			Fee:         units(t.Fee),
			Net:         units(t.NetAmount),
			Shares:      units(t.SharesDelta),
			Price:       units(t.Price),
			Timestamp:   t.Timestamp,
		})
	}
	return resp, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, invalidArgument("%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, invalidArgument("invalid %s: %v", field, err)
	}
	return id, nil
}
