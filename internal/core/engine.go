package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"MarketCore/internal/event"
	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	"MarketCore/internal/observability"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Clock supplies wall-clock time. Pricing never reads time; the engine reads
// the clock once per mutation and passes the value down.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Guard serializes one aggregate across engine replicas. Acquire returns a
// release func, or an AggregateBusy error when another replica holds it.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// MarketType is a preset of market configuration
type MarketType struct {
	Name             string
	VirtualLiquidity *uint256.Int
	Fees             fee.Schedule
	Outcomes         []string // default labels
	Duration         time.Duration
}

// CoreOutput is one committed change handed to the collaborators
type CoreOutput struct {
	Envelope *event.Envelope
}

// tradeNamespace derives deterministic trade ids from (aggregate, sequence, index)
var tradeNamespace = uuid.MustParse("6f1d3c8e-2b7a-5e40-9c1f-8a4d2e6b0c35")

type marketEntry struct {
	mu     sync.Mutex
	market *state.Market
}

type curveEntry struct {
	mu    sync.Mutex
	curve *state.CreatorCurve
}

// Engine owns every market and curve aggregate. Mutations on one aggregate
// are serialized by its entry lock; different aggregates run in parallel.
type Engine struct {
	clock   Clock
	log     zerolog.Logger
	metrics *observability.Metrics
	guard   Guard

	marketTypes map[string]MarketType

	mu      sync.RWMutex
	markets map[string]*marketEntry
	curves  map[string]*curveEntry

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// Option configures optional collaborators
type Option func(*Engine)

// WithGuard serializes mutations across replicas with g
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithMarketTypes registers market presets by name
func WithMarketTypes(types ...MarketType) Option {
	return func(e *Engine) {
		for _, t := range types {
			e.marketTypes[t.Name] = t
		}
	}
}

// WithMetrics records engine metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine. persistChan receives every output with a
// blocking send; publishChan is best effort and drops when full. Either may
// be nil.
func NewEngine(
	clock Clock,
	persistChan, publishChan chan<- CoreOutput,
	logger zerolog.Logger,
	opts ...Option,
) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	e := &Engine{
		clock:       clock,
		log:         logger,
		marketTypes: make(map[string]MarketType),
		markets:     make(map[string]*marketEntry),
		curves:      make(map[string]*curveEntry),
		persistChan: persistChan,
		publishChan: publishChan,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MarketType returns a registered preset
func (e *Engine) MarketType(name string) (MarketType, bool) {
	t, ok := e.marketTypes[name]
	return t, ok
}

func (e *Engine) marketEntry(id string) (*marketEntry, error) {
	e.mu.RLock()
	entry, ok := e.markets[id]
	e.mu.RUnlock()
	if !ok {
		return nil, failure.New(failure.MarketNotFound, "market %s not found", id)
	}
	return entry, nil
}

func (e *Engine) curveEntry(id string) (*curveEntry, error) {
	e.mu.RLock()
	entry, ok := e.curves[id]
	e.mu.RUnlock()
	if !ok {
		return nil, failure.New(failure.CurveNotFound, "curve %s not found", id)
	}
	return entry, nil
}

// loadMarket returns the committed market. Committed aggregates are never
// mutated in place, so the pointer may be read after the lock is released.
func (e *Engine) loadMarket(id string) (*state.Market, error) {
	entry, err := e.marketEntry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	m := entry.market
	entry.mu.Unlock()
	return m, nil
}

func (e *Engine) loadCurve(id string) (*state.CreatorCurve, error) {
	entry, err := e.curveEntry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	c := entry.curve
	entry.mu.Unlock()
	return c, nil
}

// marketMutation builds the candidate next state on a clone and returns the
// envelope describing it. The clone is discarded on error.
type marketMutation func(next *state.Market, now time.Time) (*event.Envelope, error)

type curveMutation func(next *state.CreatorCurve, now time.Time) (*event.Envelope, error)

// mutateMarket runs fn against a copy of the market, validates the result and
// swaps it in. Nothing is written unless every step succeeds.
func (e *Engine) mutateMarket(ctx context.Context, op, id string, fn marketMutation) (*state.Market, *event.Envelope, error) {
	return e.applyMarket(ctx, op, id, fn, nil)
}

// applyMarket is mutateMarket with an optional logged envelope. A logged
// change runs at its recorded timestamp, must reproduce the recorded sequence
// and state hash, and is not emitted again.
func (e *Engine) applyMarket(ctx context.Context, op, id string, fn marketMutation, logged *event.Envelope) (*state.Market, *event.Envelope, error) {
	start := time.Now()

	entry, err := e.marketEntry(id)
	if err != nil {
		e.reject(op, id, err)
		return nil, nil, err
	}

	if logged == nil {
		release, err := e.acquire(ctx, "market:"+id)
		if err != nil {
			e.reject(op, id, err)
			return nil, nil, err
		}
		defer release()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := e.clock.Now()
	if logged != nil {
		now = logged.Timestamp
	}
	next := entry.market.Clone()

	env, err := fn(next, now)
	if err != nil {
		e.reject(op, id, err)
		return nil, nil, err
	}
	if err := next.CheckInvariants(); err != nil {
		e.log.Error().Err(err).Str("op", op).Str("market_id", id).Msg("invariant violated, mutation discarded")
		err = fmt.Errorf("%s %s: invariant violated: %w", op, id, err)
		e.reject(op, id, err)
		return nil, nil, err
	}

	next.Sequence, next.LastHash = e.seal(env, event.AggregateMarket, id, entry.market.Sequence, entry.market.LastHash, now)
	if logged != nil {
		if err := matchLogged(env, logged); err != nil {
			return nil, nil, err
		}
		entry.market = next
		return next, env, nil
	}
	entry.market = next

	e.emit(CoreOutput{Envelope: env})
	e.applied(op, start)

	e.log.Info().
		Str("op", op).
		Str("market_id", id).
		Int64("sequence", next.Sequence).
		Str("status", next.Status.String()).
		Msg("market committed")

	return next, env, nil
}

func (e *Engine) mutateCurve(ctx context.Context, op, id string, fn curveMutation) (*state.CreatorCurve, *event.Envelope, error) {
	return e.applyCurve(ctx, op, id, fn, nil)
}

func (e *Engine) applyCurve(ctx context.Context, op, id string, fn curveMutation, logged *event.Envelope) (*state.CreatorCurve, *event.Envelope, error) {
	start := time.Now()

	entry, err := e.curveEntry(id)
	if err != nil {
		e.reject(op, id, err)
		return nil, nil, err
	}

	if logged == nil {
		release, err := e.acquire(ctx, "curve:"+id)
		if err != nil {
			e.reject(op, id, err)
			return nil, nil, err
		}
		defer release()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := e.clock.Now()
	if logged != nil {
		now = logged.Timestamp
	}
	next := entry.curve.Clone()

	env, err := fn(next, now)
	if err != nil {
		e.reject(op, id, err)
		return nil, nil, err
	}
	if err := next.CheckInvariants(); err != nil {
		e.log.Error().Err(err).Str("op", op).Str("curve_id", id).Msg("invariant violated, mutation discarded")
		err = fmt.Errorf("%s %s: invariant violated: %w", op, id, err)
		e.reject(op, id, err)
		return nil, nil, err
	}

	next.Sequence, next.LastHash = e.seal(env, event.AggregateCurve, id, entry.curve.Sequence, entry.curve.LastHash, now)
	if logged != nil {
		if err := matchLogged(env, logged); err != nil {
			return nil, nil, err
		}
		entry.curve = next
		return next, env, nil
	}
	entry.curve = next

	e.emit(CoreOutput{Envelope: env})
	e.applied(op, start)

	if e.metrics != nil {
		e.metrics.CurveSupply.WithLabelValues(id).Set(float64(next.Supply))
	}

	e.log.Info().
		Str("op", op).
		Str("curve_id", id).
		Int64("sequence", next.Sequence).
		Uint64("supply", next.Supply).
		Msg("curve committed")

	return next, env, nil
}

// seal assigns the next sequence to the envelope and its trades and extends
// the aggregate's hash chain.
func (e *Engine) seal(env *event.Envelope, kind event.AggregateKind, id string, prevSeq int64, prevHash [32]byte, now time.Time) (int64, [32]byte) {
	start := time.Now()

	seq := prevSeq + 1
	env.Sequence = seq
	env.AggregateKind = kind
	env.AggregateID = id
	env.Timestamp = now
	env.PrevHash = prevHash

	for i, t := range env.Trades {
		t.TradeID = uuid.NewSHA1(tradeNamespace, []byte(fmt.Sprintf("%s/%d/%d", id, seq, i)))
		t.AggregateID = id
		t.Timestamp = now
		t.Sequence = seq
		t.PrevHash = prevHash
	}

	hasher := ResumeStateHasher(prevHash)
	env.StateHash = hasher.ComputeHash(seq, env.Digest())
	for _, t := range env.Trades {
		t.Hash = env.StateHash
	}

	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(start).Seconds())
	}

	return seq, env.StateHash
}

// emit hands an output to the collaborators. The persist send blocks so no
// committed change is lost; the publish send drops when the channel is full.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
			e.log.Warn().
				Str("event_type", out.Envelope.EventType.String()).
				Str("aggregate_id", out.Envelope.AggregateID).
				Msg("publish channel full, event dropped")
		}
	}
}

func (e *Engine) acquire(ctx context.Context, key string) (func(), error) {
	if e.guard == nil {
		return func() {}, nil
	}
	release, err := e.guard.Acquire(ctx, key)
	if err != nil {
		if e.metrics != nil {
			result := "error"
			if failure.KindOf(err) == failure.AggregateBusy {
				result = "busy"
			}
			e.metrics.GuardAcquire.WithLabelValues(result).Inc()
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.GuardAcquire.WithLabelValues("acquired").Inc()
	}
	return func() {
		// Release with a fresh context so a cancelled request still unlocks
		if err := release(context.Background()); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("guard release failed")
		}
	}, nil
}

func (e *Engine) reject(op, id string, err error) {
	kind := failure.KindOf(err)
	if e.metrics != nil {
		e.metrics.CoreOpsRejected.WithLabelValues(op, kind.String()).Inc()
	}
	e.log.Debug().
		Err(err).
		Str("op", op).
		Str("aggregate_id", id).
		Str("kind", kind.String()).
		Msg("mutation rejected")
}

func (e *Engine) applied(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
	e.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// register adds a new aggregate, failing if the id is taken
func (e *Engine) registerMarket(m *state.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.markets[m.ID]; exists {
		return failure.New(failure.InvalidConfig, "market %s already exists", m.ID)
	}
	e.markets[m.ID] = &marketEntry{market: m}
	if e.metrics != nil {
		e.metrics.Aggregates.WithLabelValues("market").Set(float64(len(e.markets)))
	}
	return nil
}

func (e *Engine) registerCurve(c *state.CreatorCurve) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.curves[c.ID]; exists {
		return failure.New(failure.InvalidConfig, "curve %s already exists", c.ID)
	}
	e.curves[c.ID] = &curveEntry{curve: c}
	if e.metrics != nil {
		e.metrics.Aggregates.WithLabelValues("curve").Set(float64(len(e.curves)))
	}
	return nil
}

// MarketIDs returns every market id in sorted order
func (e *Engine) MarketIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CurveIDs returns every curve id in sorted order
func (e *Engine) CurveIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.curves))
	for id := range e.curves {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
