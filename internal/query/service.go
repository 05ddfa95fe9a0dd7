package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"MarketCore/internal/event"
	fpmath "MarketCore/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to the event log and trade table
// written by the persistence worker. Reads trail the engine by at most one
// persistence batch.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ListTrades returns matching trades oldest first
func (qs *QueryService) ListTrades(ctx context.Context, f TradeFilter) ([]TradeRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT trade_id, aggregate_id, sequence, user_id, action, outcome_index,
		       gross_amount::text, fee::text, net_amount::text, shares_delta::text, price::text,
		       timestamp
		FROM market_core.trades
		WHERE ($1::text = '' OR aggregate_id = $1)
		  AND ($2::uuid IS NULL OR user_id = $2)
		  AND sequence > $3
		ORDER BY timestamp, aggregate_id, sequence, trade_id
		LIMIT $4
	`, f.AggregateID, f.UserID, f.AfterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var (
			t                              TradeRecord
			gross, fee, net, shares, price string
		)
		if err := rows.Scan(
			&t.TradeID, &t.AggregateID, &t.Sequence, &t.UserID, &t.Action, &t.OutcomeIndex,
			&gross, &fee, &net, &shares, &price, &t.Timestamp,
		); err != nil {
			return nil, err
		}

		for _, a := range []struct {
			dst **uint256.Int
			src string
		}{
			{&t.GrossAmount, gross},
			{&t.Fee, fee},
			{&t.NetAmount, net},
			{&t.SharesDelta, shares},
			{&t.Price, price},
		} {
			if *a.dst, err = fpmath.ParseAmount(a.src); err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
			}
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// Heads returns the newest persisted event of every aggregate
func (qs *QueryService) Heads(ctx context.Context) ([]Head, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT DISTINCT ON (aggregate_id) aggregate_id, aggregate_kind, sequence, state_hash
		FROM market_core.events
		ORDER BY aggregate_id, sequence DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load heads: %w", err)
	}
	defer rows.Close()

	var heads []Head
	for rows.Next() {
		var (
			h    Head
			hash []byte
		)
		if err := rows.Scan(&h.AggregateID, &h.AggregateKind, &h.Sequence, &hash); err != nil {
			return nil, err
		}
		if len(hash) != len(h.StateHash) {
			return nil, fmt.Errorf("head %s/%d: state hash has %d bytes", h.AggregateID, h.Sequence, len(hash))
		}
		copy(h.StateHash[:], hash)
		heads = append(heads, h)
	}

	return heads, rows.Err()
}

// VerifyIntegrity checks that every aggregate's events form an unbroken
// hash chain with consecutive sequences. At most limit breaks are reported.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, limit int) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT aggregate_id) FROM market_core.events`,
	).Scan(&report.Aggregates); err != nil {
		return nil, fmt.Errorf("count aggregates: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT aggregate_id, sequence
		FROM (
			SELECT aggregate_id, sequence, prev_hash,
			       LAG(state_hash) OVER w AS expected_hash,
			       LAG(sequence) OVER w AS prev_sequence
			FROM market_core.events
			WINDOW w AS (PARTITION BY aggregate_id ORDER BY sequence)
		) chain
		WHERE prev_sequence IS NOT NULL
		  AND (prev_hash <> expected_hash OR sequence <> prev_sequence + 1)
		ORDER BY aggregate_id, sequence
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b ChainBreak
		if err := rows.Scan(&b.AggregateID, &b.Sequence); err != nil {
			return nil, err
		}
		report.ChainBreaks = append(report.ChainBreaks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.ChainBreaks) == 0
	return report, nil
}

// LoadEvents returns up to limit logged envelopes of one aggregate past
// afterSeq, in sequence order, with their trades attached.
func (qs *QueryService) LoadEvents(ctx context.Context, aggregateID string, afterSeq int64, limit int) ([]*event.Envelope, error) {
	if limit <= 0 {
		limit = maxLimit
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, aggregate_kind, event_type, payload, state_hash, prev_hash, timestamp
		FROM market_core.events
		WHERE aggregate_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`, aggregateID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var (
		envs  []*event.Envelope
		bySeq = make(map[int64]*event.Envelope)
	)
	for rows.Next() {
		var (
			env             = &event.Envelope{AggregateID: aggregateID}
			kind, et        string
			payload, sh, ph []byte
		)
		if err := rows.Scan(&env.Sequence, &kind, &et, &payload, &sh, &ph, &env.Timestamp); err != nil {
			return nil, err
		}
		env.AggregateKind = event.ParseAggregateKind(kind)
		env.EventType = event.ParseEventType(et)
		if err := json.Unmarshal(payload, &env.Payload); err != nil {
			return nil, fmt.Errorf("event %s/%d payload: %w", aggregateID, env.Sequence, err)
		}
		if err := copyHash(&env.StateHash, sh); err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", aggregateID, env.Sequence, err)
		}
		if err := copyHash(&env.PrevHash, ph); err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", aggregateID, env.Sequence, err)
		}
		envs = append(envs, env)
		bySeq[env.Sequence] = env
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, nil
	}

	if err := qs.attachTrades(ctx, aggregateID, afterSeq, envs[len(envs)-1].Sequence, bySeq); err != nil {
		return nil, err
	}
	return envs, nil
}

func (qs *QueryService) attachTrades(ctx context.Context, aggregateID string, afterSeq, lastSeq int64, bySeq map[int64]*event.Envelope) error {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT trade_id, sequence, user_id, action, outcome_index,
		       gross_amount::text, fee::text, net_amount::text, shares_delta::text, price::text,
		       state_hash, prev_hash, timestamp
		FROM market_core.trades
		WHERE aggregate_id = $1 AND sequence > $2 AND sequence <= $3
		ORDER BY sequence, outcome_index
	`, aggregateID, afterSeq, lastSeq)
	if err != nil {
		return fmt.Errorf("load trades %s: %w", aggregateID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                              = &event.Trade{AggregateID: aggregateID}
			tradeID, userID                uuid.UUID
			action                         string
			gross, fee, net, shares, price string
			sh, ph                         []byte
		)
		if err := rows.Scan(
			&tradeID, &t.Sequence, &userID, &action, &t.OutcomeIndex,
			&gross, &fee, &net, &shares, &price, &sh, &ph, &t.Timestamp,
		); err != nil {
			return err
		}
		t.TradeID, t.UserID = tradeID, userID
		t.Action = event.ParseAction(action)

		for _, a := range []struct {
			dst **uint256.Int
			src string
		}{
			{&t.GrossAmount, gross},
			{&t.Fee, fee},
			{&t.NetAmount, net},
			{&t.SharesDelta, shares},
			{&t.Price, price},
		} {
			if *a.dst, err = fpmath.ParseAmount(a.src); err != nil {
				return fmt.Errorf("trade %s: %w", tradeID, err)
			}
		}
		if err := copyHash(&t.Hash, sh); err != nil {
			return fmt.Errorf("trade %s: %w", tradeID, err)
		}
		if err := copyHash(&t.PrevHash, ph); err != nil {
			return fmt.Errorf("trade %s: %w", tradeID, err)
		}

		env, ok := bySeq[t.Sequence]
		if !ok {
			return fmt.Errorf("trade %s has no event %s/%d", tradeID, aggregateID, t.Sequence)
		}
		env.Trades = append(env.Trades, t)
	}
	return rows.Err()
}

func copyHash(dst *[32]byte, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("hash has %d bytes", len(src))
	}
	copy(dst[:], src)
	return nil
}
