package core

import (
	"context"
	"time"

	"MarketCore/internal/curve"
	"MarketCore/internal/event"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CurveSpec describes a creator curve to create
type CurveSpec struct {
	ID        string
	CreatorID uuid.UUID
	Config    curve.Config
	Fees      fee.Schedule
}

// CurveTradeResult is the outcome of a committed curve trade
type CurveTradeResult struct {
	Quote  *curve.Quote
	Supply uint64
	Price  *uint256.Int // spot price after the trade
	Trade  *event.Trade
}

// QuoteCurveBuy is the curve cost of minting amount shares on top of supply
func (e *Engine) QuoteCurveBuy(supply, amount uint64, cfg curve.Config) (*uint256.Int, error) {
	return curve.BuyCost(supply, amount, cfg)
}

// QuoteCurveSell is the curve proceeds of burning amount shares from supply
func (e *Engine) QuoteCurveSell(supply, amount uint64, cfg curve.Config) (*uint256.Int, error) {
	return curve.SellProceeds(supply, amount, cfg)
}

// QuoteCurve prices a fee-inclusive trade against a registered curve
func (e *Engine) QuoteCurve(curveID string, side curve.Side, amount uint64) (*curve.Quote, error) {
	c, err := e.loadCurve(curveID)
	if err != nil {
		return nil, err
	}
	if side == curve.SideSell {
		return c.QuoteSell(amount)
	}
	return c.QuoteBuy(amount)
}

// CreateCurve registers an empty creator curve and emits CurveCreated
func (e *Engine) CreateCurve(ctx context.Context, spec CurveSpec) (*state.CreatorCurve, error) {
	return e.createCurve(spec, nil)
}

func (e *Engine) createCurve(spec CurveSpec, logged *event.Envelope) (*state.CreatorCurve, error) {
	const op = "create_curve"
	start := time.Now()
	now := e.clock.Now()
	if logged != nil {
		now = logged.Timestamp
	}

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	c, err := state.NewCreatorCurve(spec.ID, spec.CreatorID, spec.Config, spec.Fees, now)
	if err != nil {
		e.reject(op, spec.ID, err)
		return nil, err
	}

	env := &event.Envelope{
		EventType: event.EventTypeCurveCreated,
		Payload: map[string]any{
			"creator_id":   spec.CreatorID.String(),
			"price_scale":  spec.Config.PriceScale,
			"cost_scale":   spec.Config.CostScale,
			"max_supply":   spec.Config.MaxSupply,
			"unit":         spec.Config.Unit.Dec(),
			"fee_bps":      spec.Fees.FeeBps(),
			"platform_bps": spec.Fees.PlatformBps(),
			"creator_bps":  spec.Fees.CreatorBps(),
		},
	}
	c.Sequence, c.LastHash = e.seal(env, event.AggregateCurve, c.ID, 0, GenesisHash(c.ID), now)
	if logged != nil {
		if err := matchLogged(env, logged); err != nil {
			return nil, err
		}
	}

	if err := e.registerCurve(c); err != nil {
		e.reject(op, c.ID, err)
		return nil, err
	}
	if logged != nil {
		return c.Clone(), nil
	}
	e.emit(CoreOutput{Envelope: env})
	e.applied(op, start)

	e.log.Info().
		Str("curve_id", c.ID).
		Str("creator_id", c.CreatorID.String()).
		Uint64("max_supply", c.Config.MaxSupply).
		Msg("curve created")

	return c.Clone(), nil
}

// BuyShares mints amount curve shares to userID
func (e *Engine) BuyShares(ctx context.Context, curveID string, userID uuid.UUID, amount uint64) (*CurveTradeResult, error) {
	return e.curveTrade(ctx, "buy_shares", curveID, userID, amount, curve.SideBuy)
}

// SellShares burns amount of userID's curve shares
func (e *Engine) SellShares(ctx context.Context, curveID string, userID uuid.UUID, amount uint64) (*CurveTradeResult, error) {
	return e.curveTrade(ctx, "sell_shares", curveID, userID, amount, curve.SideSell)
}

func (e *Engine) curveTrade(ctx context.Context, op, curveID string, userID uuid.UUID, amount uint64, side curve.Side) (*CurveTradeResult, error) {
	var result CurveTradeResult

	_, _, err := e.mutateCurve(ctx, op, curveID, curveTradeMutation(userID, amount, side, &result))
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.CurveTrades.WithLabelValues(side.String()).Inc()
		e.metrics.FeesCollected.WithLabelValues("curve").Add(fpmath.ToDecimal(result.Quote.Fees.Fee).InexactFloat64())
	}
	return &result, nil
}

func curveTradeMutation(userID uuid.UUID, amount uint64, side curve.Side, result *CurveTradeResult) curveMutation {
	return func(next *state.CreatorCurve, now time.Time) (*event.Envelope, error) {
		var (
			q   *curve.Quote
			err error
		)
		action := event.ActionCurveBuy
		if side == curve.SideSell {
			action = event.ActionCurveSell
			q, err = next.Sell(userID, amount)
		} else {
			q, err = next.Buy(userID, amount)
		}
		if err != nil {
			return nil, err
		}

		price, err := next.Price()
		if err != nil {
			return nil, err
		}

		trade := &event.Trade{
			UserID:       userID,
			Action:       action,
			OutcomeIndex: -1,
			GrossAmount:  q.Fees.Gross,
			Fee:          q.Fees.Fee,
			NetAmount:    q.Fees.Net,
			SharesDelta:  uint256.NewInt(amount),
			Price:        q.AveragePrice,
		}
		*result = CurveTradeResult{Quote: q, Supply: next.Supply, Price: price, Trade: trade}

		return &event.Envelope{
			EventType: event.EventTypeCurveTrade,
			Trades:    []*event.Trade{trade},
			Payload: map[string]any{
				"side":         side.String(),
				"amount":       amount,
				"curve_amount": q.CurveAmount.Dec(),
				"supply":       next.Supply,
				"spot_price":   price.Dec(),
				"creator_fee":  q.Fees.CreatorFee.Dec(),
			},
		}, nil
	}
}

// Curve returns a copy of the committed curve
func (e *Engine) Curve(curveID string) (*state.CreatorCurve, error) {
	c, err := e.loadCurve(curveID)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}
