package core

import (
	"context"
	"time"

	"MarketCore/internal/amm"
	"MarketCore/internal/event"
	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MarketSpec describes a market to create. Zero fields fall back to the
// market type preset.
type MarketSpec struct {
	ID               string
	MarketType       string
	Labels           []string
	EndTime          time.Time
	VirtualLiquidity *uint256.Int
	Fees             *fee.Schedule
}

// BetResult is the outcome of a committed bet
type BetResult struct {
	Quote         *amm.BetQuote
	SharesOut     *uint256.Int
	Probabilities []*uint256.Int
	Trade         *event.Trade
}

// ClaimResult lists what a claim paid out
type ClaimResult struct {
	Lines  []fpmath.PayoutLine
	Total  *uint256.Int
	Trades []*event.Trade
}

// CreateMarket registers an Active market and emits MarketCreated
func (e *Engine) CreateMarket(ctx context.Context, spec MarketSpec) (*state.Market, error) {
	return e.createMarket(spec, nil)
}

func (e *Engine) createMarket(spec MarketSpec, logged *event.Envelope) (*state.Market, error) {
	const op = "create_market"
	start := time.Now()
	now := e.clock.Now()
	if logged != nil {
		now = logged.Timestamp
	}

	params, err := e.resolveMarketSpec(spec, now)
	if err != nil {
		e.reject(op, spec.ID, err)
		return nil, err
	}

	m, err := state.NewMarket(params, now)
	if err != nil {
		e.reject(op, params.ID, err)
		return nil, err
	}

	env := &event.Envelope{
		EventType: event.EventTypeMarketCreated,
		Payload: map[string]any{
			"market_type":       m.MarketType,
			"outcomes":          params.Labels,
			"end_time":          m.EndTime,
			"virtual_liquidity": m.VirtualLiquidity.Dec(),
			"fee_bps":           m.Fees.FeeBps(),
			"platform_bps":      m.Fees.PlatformBps(),
			"creator_bps":       m.Fees.CreatorBps(),
		},
	}
	m.Sequence, m.LastHash = e.seal(env, event.AggregateMarket, m.ID, 0, GenesisHash(m.ID), now)
	if logged != nil {
		if err := matchLogged(env, logged); err != nil {
			return nil, err
		}
	}

	if err := e.registerMarket(m); err != nil {
		e.reject(op, m.ID, err)
		return nil, err
	}
	if logged != nil {
		return m.Clone(), nil
	}
	e.emit(CoreOutput{Envelope: env})
	e.applied(op, start)

	e.log.Info().
		Str("market_id", m.ID).
		Str("market_type", m.MarketType).
		Int("outcomes", len(m.Outcomes)).
		Time("end_time", m.EndTime).
		Msg("market created")

	return m.Clone(), nil
}

func (e *Engine) resolveMarketSpec(spec MarketSpec, now time.Time) (state.MarketParams, error) {
	params := state.MarketParams{
		ID:               spec.ID,
		MarketType:       spec.MarketType,
		Labels:           spec.Labels,
		EndTime:          spec.EndTime,
		VirtualLiquidity: spec.VirtualLiquidity,
	}
	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	preset, ok := e.marketTypes[spec.MarketType]
	if !ok && (spec.VirtualLiquidity == nil || spec.Fees == nil) {
		return state.MarketParams{}, failure.New(failure.InvalidConfig, "unknown market type %q", spec.MarketType)
	}

	if spec.Fees != nil {
		params.Fees = *spec.Fees
	} else {
		params.Fees = preset.Fees
	}
	if params.VirtualLiquidity == nil {
		params.VirtualLiquidity = preset.VirtualLiquidity
	}
	if len(params.Labels) == 0 {
		params.Labels = preset.Outcomes
	}
	if params.EndTime.IsZero() && preset.Duration > 0 {
		params.EndTime = now.Add(preset.Duration)
	}
	return params, nil
}

// QuoteBet prices a bet on an Active market without committing it
func (e *Engine) QuoteBet(marketID string, outcome int, gross *uint256.Int) (*amm.BetQuote, error) {
	m, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	if err := m.CheckTradable(e.clock.Now()); err != nil {
		return nil, err
	}
	return m.QuoteBet(outcome, gross)
}

// PlaceBet prices and commits a bet in one step
func (e *Engine) PlaceBet(ctx context.Context, marketID string, userID uuid.UUID, outcome int, gross *uint256.Int) (*BetResult, error) {
	var result BetResult

	m, _, err := e.mutateMarket(ctx, "place_bet", marketID, betMutation(userID, outcome, gross, &result))
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.BetsPlaced.WithLabelValues(m.MarketType).Inc()
		e.metrics.FeesCollected.WithLabelValues("market").Add(fpmath.ToDecimal(result.Quote.Fee).InexactFloat64())
	}
	return &result, nil
}

func betMutation(userID uuid.UUID, outcome int, gross *uint256.Int, result *BetResult) marketMutation {
	return func(next *state.Market, now time.Time) (*event.Envelope, error) {
		if err := next.CheckTradable(now); err != nil {
			return nil, err
		}
		// Quote against the pre-trade snapshot, then apply
		q, err := next.QuoteBet(outcome, gross)
		if err != nil {
			return nil, err
		}
		if err := next.ApplyBet(userID, q, now); err != nil {
			return nil, err
		}
		probs, err := next.Probabilities()
		if err != nil {
			return nil, err
		}

		trade := &event.Trade{
			UserID:       userID,
			Action:       event.ActionBet,
			OutcomeIndex: outcome,
			GrossAmount:  q.Gross,
			Fee:          q.Fee,
			NetAmount:    q.Net,
			SharesDelta:  q.SharesOut,
			Price:        q.Price,
		}
		*result = BetResult{Quote: q, SharesOut: q.SharesOut, Probabilities: probs, Trade: trade}

		return &event.Envelope{
			EventType: event.EventTypeBetPlaced,
			Trades:    []*event.Trade{trade},
			Payload: map[string]any{
				"outcome":       outcome,
				"probabilities": decStrings(probs),
				"platform_fee":  q.Split.PlatformFee.Dec(),
				"creator_fee":   q.Split.CreatorFee.Dec(),
			},
		}, nil
	}
}

// Probability returns one outcome's WAD probability
func (e *Engine) Probability(marketID string, outcome int) (*uint256.Int, error) {
	m, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	return pool.Probability(outcome)
}

// Probabilities returns every outcome's WAD probability
func (e *Engine) Probabilities(marketID string) ([]*uint256.Int, error) {
	m, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	return m.Probabilities()
}

// Transition moves a market to target and returns the new status
func (e *Engine) Transition(ctx context.Context, marketID string, target state.Status, params state.TransitionParams) (state.Status, error) {
	var result *state.TransitionResult

	m, _, err := e.mutateMarket(ctx, "transition", marketID, transitionMutation(target, params, &result))
	if err != nil {
		return state.StatusUnknown, err
	}

	if e.metrics != nil {
		e.metrics.MarketTransitions.WithLabelValues(result.From.String(), result.To.String()).Inc()
		if result.Settlement != nil {
			e.metrics.SettlementResidual.WithLabelValues(marketID).
				Set(fpmath.ToDecimal(result.Settlement.Residual).InexactFloat64())
		}
	}
	return m.Status, nil
}

func transitionMutation(target state.Status, params state.TransitionParams, result **state.TransitionResult) marketMutation {
	return func(next *state.Market, now time.Time) (*event.Envelope, error) {
		r, err := next.Transition(target, params, now)
		if err != nil {
			return nil, err
		}
		*result = r
		return transitionEnvelope(r, params), nil
	}
}

func transitionEnvelope(r *state.TransitionResult, params state.TransitionParams) *event.Envelope {
	payload := map[string]any{
		"from": r.From.String(),
		"to":   r.To.String(),
	}
	if params.Reason != "" {
		payload["reason"] = params.Reason
	}

	var et event.EventType
	switch r.To {
	case state.StatusActive:
		et = event.EventTypeMarketExtended
		payload["end_time"] = r.EndTime
		payload["extend_by"] = params.ExtendBy.String()
	case state.StatusPendingResolution:
		et = event.EventTypeMarketPendingResolution
	case state.StatusResolved:
		et = event.EventTypeMarketResolved
		payload["winning_outcome"] = params.WinningOutcome
	case state.StatusDisputed:
		et = event.EventTypeMarketDisputed
	case state.StatusCancelled:
		et = event.EventTypeMarketCancelled
	}

	if s := r.Settlement; s != nil {
		payload["pooled"] = s.Pooled.Dec()
		payload["settlement_total"] = s.Total.Dec()
		payload["residual"] = s.Residual.Dec()
		payload["positions_paid"] = len(s.Lines)
	}

	return &event.Envelope{EventType: et, Payload: payload}
}

// ClaimPayout pays a user's winnings on a Resolved market or refunds their
// principal on a Cancelled one. Each position can be claimed once.
func (e *Engine) ClaimPayout(ctx context.Context, marketID string, userID uuid.UUID) (*ClaimResult, error) {
	var result ClaimResult
	var action event.Action

	_, _, err := e.mutateMarket(ctx, "claim_payout", marketID, claimMutation(userID, &result, &action))
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.PayoutsClaimed.WithLabelValues(action.String()).Inc()
	}
	return &result, nil
}

func claimMutation(userID uuid.UUID, result *ClaimResult, action *event.Action) marketMutation {
	return func(next *state.Market, now time.Time) (*event.Envelope, error) {
		lines, err := next.ClaimPayout(userID)
		if err != nil {
			return nil, err
		}

		*action = event.ActionPayout
		if next.Status == state.StatusCancelled ||
			next.Outcomes[next.WinningOutcome].SharesOutstanding.IsZero() {
			*action = event.ActionRefund
		}

		total := fpmath.Zero()
		trades := make([]*event.Trade, 0, len(lines))
		for _, line := range lines {
			if total, err = fpmath.Add(total, line.Amount); err != nil {
				return nil, err
			}
			trades = append(trades, &event.Trade{
				UserID:       userID,
				Action:       *action,
				OutcomeIndex: line.OutcomeIndex,
				GrossAmount:  line.Amount,
				Fee:          fpmath.Zero(),
				NetAmount:    line.Amount,
				SharesDelta:  line.Shares,
				Price:        fpmath.Zero(),
			})
		}
		*result = ClaimResult{Lines: lines, Total: total, Trades: trades}

		return &event.Envelope{
			EventType: event.EventTypePayoutClaimed,
			Trades:    trades,
			Payload: map[string]any{
				"user_id": userID.String(),
				"action":  action.String(),
				"total":   total.Dec(),
			},
		}, nil
	}
}

// Settlement returns what every position of a terminal market is owed
func (e *Engine) Settlement(marketID string) (*fpmath.Settlement, error) {
	m, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	return m.Settlement()
}

// Refunds lists principal refunds of a Cancelled market
func (e *Engine) Refunds(marketID string) (*fpmath.Settlement, error) {
	return e.settlementIn(marketID, state.StatusCancelled)
}

// Payouts lists winning payouts of a Resolved market
func (e *Engine) Payouts(marketID string) (*fpmath.Settlement, error) {
	return e.settlementIn(marketID, state.StatusResolved)
}

func (e *Engine) settlementIn(marketID string, want state.Status) (*fpmath.Settlement, error) {
	m, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != want {
		return nil, failure.New(failure.InvalidStateTransition, "market %s is %s, not %s", marketID, m.Status, want)
	}
	return m.Settlement()
}

// SweepExpired moves every Active market past its end time to
// PendingResolution and returns the ids it moved.
func (e *Engine) SweepExpired(ctx context.Context) ([]string, error) {
	now := e.clock.Now()

	var swept []string
	for _, id := range e.MarketIDs() {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		m, err := e.loadMarket(id)
		if err != nil {
			continue
		}
		if m.Status != state.StatusActive || now.Before(m.EndTime) {
			continue
		}

		if _, err := e.Transition(ctx, id, state.StatusPendingResolution, state.TransitionParams{Reason: "expired"}); err != nil {
			// Raced with another transition; the next sweep sees the new status
			e.log.Debug().Err(err).Str("market_id", id).Msg("sweep skipped market")
			continue
		}
		swept = append(swept, id)
	}

	if e.metrics != nil && len(swept) > 0 {
		e.metrics.MarketsSwept.Add(float64(len(swept)))
	}
	return swept, nil
}

// Market returns a copy of the committed market
func (e *Engine) Market(marketID string) (*state.Market, error) {
	m, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func decStrings(xs []*uint256.Int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = x.Dec()
	}
	return out
}
