package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MarketCore/internal/curve"
	"MarketCore/internal/event"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/google/uuid"
)

// ReplayMismatchError means a re-applied change did not reproduce the logged
// envelope. The aggregate is left at the last matching sequence.
type ReplayMismatchError struct {
	AggregateID string
	Sequence    int64
	Reason      string
}

func (e *ReplayMismatchError) Error() string {
	return fmt.Sprintf("replay %s/%d: %s", e.AggregateID, e.Sequence, e.Reason)
}

// Replay re-applies a persisted envelope on top of the restored state. The
// change is recomputed at its logged timestamp and must reproduce the logged
// sequence and state hash. Envelopes at or below the aggregate's current
// sequence are skipped. Replayed changes are not emitted.
func (e *Engine) Replay(ctx context.Context, env *event.Envelope) (bool, error) {
	cur, known := e.sequenceOf(env.AggregateKind, env.AggregateID)
	if known && env.Sequence <= cur {
		return false, nil
	}
	if env.Sequence != cur+1 {
		return false, &ReplayMismatchError{
			AggregateID: env.AggregateID,
			Sequence:    env.Sequence,
			Reason:      fmt.Sprintf("gap after sequence %d", cur),
		}
	}

	const op = "replay"
	var err error
	switch env.EventType {
	case event.EventTypeMarketCreated:
		var spec MarketSpec
		if spec, err = marketSpecFromLog(env); err == nil {
			_, err = e.createMarket(spec, env)
		}

	case event.EventTypeBetPlaced:
		var t *event.Trade
		if t, err = singleTrade(env); err == nil {
			var result BetResult
			_, _, err = e.applyMarket(ctx, op, env.AggregateID, betMutation(t.UserID, t.OutcomeIndex, t.GrossAmount, &result), env)
		}

	case event.EventTypeMarketExtended, event.EventTypeMarketPendingResolution, event.EventTypeMarketResolved,
		event.EventTypeMarketDisputed, event.EventTypeMarketCancelled:
		var params state.TransitionParams
		if params, err = transitionFromLog(env); err == nil {
			var result *state.TransitionResult
			_, _, err = e.applyMarket(ctx, op, env.AggregateID, transitionMutation(transitionTarget(env.EventType), params, &result), env)
		}

	case event.EventTypePayoutClaimed:
		var p struct {
			UserID uuid.UUID `json:"user_id"`
		}
		if err = decodePayload(env, &p); err == nil {
			var (
				result ClaimResult
				action event.Action
			)
			_, _, err = e.applyMarket(ctx, op, env.AggregateID, claimMutation(p.UserID, &result, &action), env)
		}

	case event.EventTypeCurveCreated:
		var spec CurveSpec
		if spec, err = curveSpecFromLog(env); err == nil {
			_, err = e.createCurve(spec, env)
		}

	case event.EventTypeCurveTrade:
		var t *event.Trade
		if t, err = singleTrade(env); err == nil {
			side := curve.SideBuy
			if t.Action == event.ActionCurveSell {
				side = curve.SideSell
			}
			if t.SharesDelta == nil || !t.SharesDelta.IsUint64() {
				err = fmt.Errorf("curve trade amount out of range")
			} else {
				var result CurveTradeResult
				_, _, err = e.applyCurve(ctx, op, env.AggregateID, curveTradeMutation(t.UserID, t.SharesDelta.Uint64(), side, &result), env)
			}
		}

	default:
		err = fmt.Errorf("unknown event type %s", env.EventType)
	}
	if err != nil {
		return false, fmt.Errorf("replay %s/%d %s: %w", env.AggregateID, env.Sequence, env.EventType, err)
	}

	if e.metrics != nil {
		e.metrics.EventsReplayed.WithLabelValues(env.AggregateKind.String()).Inc()
	}
	return true, nil
}

// sequenceOf returns the committed sequence of an aggregate, 0 when unknown
func (e *Engine) sequenceOf(kind event.AggregateKind, id string) (int64, bool) {
	if kind == event.AggregateCurve {
		c, err := e.loadCurve(id)
		if err != nil {
			return 0, false
		}
		return c.Sequence, true
	}
	m, err := e.loadMarket(id)
	if err != nil {
		return 0, false
	}
	return m.Sequence, true
}

// matchLogged checks a freshly sealed envelope against its logged counterpart
func matchLogged(env, logged *event.Envelope) error {
	mismatch := func(reason string) error {
		return &ReplayMismatchError{AggregateID: logged.AggregateID, Sequence: logged.Sequence, Reason: reason}
	}
	switch {
	case env.AggregateID != logged.AggregateID || env.AggregateKind != logged.AggregateKind:
		return mismatch("aggregate differs")
	case env.Sequence != logged.Sequence:
		return mismatch(fmt.Sprintf("sequence %d, logged %d", env.Sequence, logged.Sequence))
	case env.EventType != logged.EventType:
		return mismatch(fmt.Sprintf("event %s, logged %s", env.EventType, logged.EventType))
	case env.PrevHash != logged.PrevHash:
		return mismatch("previous hash differs")
	case env.StateHash != logged.StateHash:
		return mismatch("state hash differs")
	}
	return nil
}

func transitionTarget(et event.EventType) state.Status {
	switch et {
	case event.EventTypeMarketExtended:
		return state.StatusActive
	case event.EventTypeMarketPendingResolution:
		return state.StatusPendingResolution
	case event.EventTypeMarketResolved:
		return state.StatusResolved
	case event.EventTypeMarketDisputed:
		return state.StatusDisputed
	case event.EventTypeMarketCancelled:
		return state.StatusCancelled
	default:
		return state.StatusUnknown
	}
}

// decodePayload maps a payload onto dst. Payloads built in process hold Go
// values while logged ones come back as decoded JSON, so both take the same
// round trip.
func decodePayload(env *event.Envelope, dst any) error {
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func singleTrade(env *event.Envelope) (*event.Trade, error) {
	if len(env.Trades) != 1 {
		return nil, fmt.Errorf("expected 1 trade, logged %d", len(env.Trades))
	}
	return env.Trades[0], nil
}

func transitionFromLog(env *event.Envelope) (state.TransitionParams, error) {
	var p struct {
		WinningOutcome *int   `json:"winning_outcome"`
		ExtendBy       string `json:"extend_by"`
		Reason         string `json:"reason"`
	}
	if err := decodePayload(env, &p); err != nil {
		return state.TransitionParams{}, err
	}

	params := state.TransitionParams{WinningOutcome: state.NoWinner, Reason: p.Reason}
	if p.WinningOutcome != nil {
		params.WinningOutcome = *p.WinningOutcome
	}
	if p.ExtendBy != "" {
		d, err := time.ParseDuration(p.ExtendBy)
		if err != nil {
			return state.TransitionParams{}, fmt.Errorf("extend_by: %w", err)
		}
		params.ExtendBy = d
	}
	return params, nil
}

func marketSpecFromLog(env *event.Envelope) (MarketSpec, error) {
	var p struct {
		MarketType       string    `json:"market_type"`
		Outcomes         []string  `json:"outcomes"`
		EndTime          time.Time `json:"end_time"`
		VirtualLiquidity string    `json:"virtual_liquidity"`
		FeeBps           uint64    `json:"fee_bps"`
		PlatformBps      uint64    `json:"platform_bps"`
		CreatorBps       uint64    `json:"creator_bps"`
	}
	if err := decodePayload(env, &p); err != nil {
		return MarketSpec{}, err
	}

	vl, err := fpmath.ParseAmount(p.VirtualLiquidity)
	if err != nil {
		return MarketSpec{}, fmt.Errorf("virtual_liquidity: %w", err)
	}
	fees, err := fee.NewSchedule(p.FeeBps, p.PlatformBps, p.CreatorBps)
	if err != nil {
		return MarketSpec{}, err
	}
	return MarketSpec{
		ID:               env.AggregateID,
		MarketType:       p.MarketType,
		Labels:           p.Outcomes,
		EndTime:          p.EndTime,
		VirtualLiquidity: vl,
		Fees:             &fees,
	}, nil
}

func curveSpecFromLog(env *event.Envelope) (CurveSpec, error) {
	var p struct {
		CreatorID   uuid.UUID `json:"creator_id"`
		PriceScale  uint64    `json:"price_scale"`
		CostScale   uint64    `json:"cost_scale"`
		MaxSupply   uint64    `json:"max_supply"`
		Unit        string    `json:"unit"`
		FeeBps      uint64    `json:"fee_bps"`
		PlatformBps uint64    `json:"platform_bps"`
		CreatorBps  uint64    `json:"creator_bps"`
	}
	if err := decodePayload(env, &p); err != nil {
		return CurveSpec{}, err
	}

	unit, err := fpmath.ParseAmount(p.Unit)
	if err != nil {
		return CurveSpec{}, fmt.Errorf("unit: %w", err)
	}
	fees, err := fee.NewSchedule(p.FeeBps, p.PlatformBps, p.CreatorBps)
	if err != nil {
		return CurveSpec{}, err
	}
	return CurveSpec{
		ID:        env.AggregateID,
		CreatorID: p.CreatorID,
		Config: curve.Config{
			PriceScale: p.PriceScale,
			CostScale:  p.CostScale,
			MaxSupply:  p.MaxSupply,
			Unit:       unit,
		},
		Fees: fees,
	}, nil
}
