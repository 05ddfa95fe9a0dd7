package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarketCore/internal/event"

	"github.com/holiman/uint256"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TradeWriter writes envelopes and their trades to Postgres using multi-row
// INSERTs. Writes are idempotent on (aggregate_id, sequence) and trade_id.
type TradeWriter struct {
	db *sql.DB
}

// EventRow represents a row in market_core.events
type EventRow struct {
	AggregateID   string
	Sequence      int64
	AggregateKind string
	EventType     string
	Payload       []byte // JSON-encoded envelope payload
	StateHash     []byte
	PrevHash      []byte
	Timestamp     time.Time
}

// TradeRow represents a row in market_core.trades. Amounts are decimal strings
// of base units so NUMERIC(78,0) columns hold any uint256.
type TradeRow struct {
	TradeID      string
	AggregateID  string
	Sequence     int64
	UserID       string
	Action       string
	OutcomeIndex int
	GrossAmount  string
	Fee          string
	NetAmount    string
	SharesDelta  string
	Price        string
	StateHash    []byte
	PrevHash     []byte
	Timestamp    time.Time
}

func NewTradeWriter(db *sql.DB) *TradeWriter {
	return &TradeWriter{db: db}
}

// WriteBatch writes envelopes and trades in a single transaction
func (w *TradeWriter) WriteBatch(ctx context.Context, envelopes []*event.Envelope) error {
	events := make([]EventRow, 0, len(envelopes))
	var trades []TradeRow
	for _, env := range envelopes {
		ev, tr, err := RowsFromEnvelope(env)
		if err != nil {
			return err
		}
		events = append(events, ev)
		trades = append(trades, tr...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Stage: "tx_begin", Err: err}
	}
	defer tx.Rollback()

	if err := WriteEventBatch(ctx, tx, events); err != nil {
		return &WriteError{Stage: "write_events", Err: err}
	}
	if err := WriteTradeBatch(ctx, tx, trades); err != nil {
		return &WriteError{Stage: "write_trades", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Stage: "tx_commit", Err: err}
	}
	return nil
}

// WriteError labels a failed write with the stage it failed in
type WriteError struct {
	Stage string
	Err   error
}

func (e *WriteError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// RowsFromEnvelope flattens an envelope into its event row and trade rows
func RowsFromEnvelope(env *event.Envelope) (EventRow, []TradeRow, error) {
	payload := []byte("{}")
	if env.Payload != nil {
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return EventRow{}, nil, fmt.Errorf("marshal payload %s/%d: %w", env.AggregateID, env.Sequence, err)
		}
		payload = data
	}

	ev := EventRow{
		AggregateID:   env.AggregateID,
		Sequence:      env.Sequence,
		AggregateKind: env.AggregateKind.String(),
		EventType:     env.EventType.String(),
		Payload:       payload,
		StateHash:     env.StateHash[:],
		PrevHash:      env.PrevHash[:],
		Timestamp:     env.Timestamp,
	}

	trades := make([]TradeRow, 0, len(env.Trades))
	for _, t := range env.Trades {
		trades = append(trades, TradeRow{
			TradeID:      t.TradeID.String(),
			AggregateID:  t.AggregateID,
			Sequence:     t.Sequence,
			UserID:       t.UserID.String(),
			Action:       t.Action.String(),
			OutcomeIndex: t.OutcomeIndex,
			GrossAmount:  decString(t.GrossAmount),
			Fee:          decString(t.Fee),
			NetAmount:    decString(t.NetAmount),
			SharesDelta:  decString(t.SharesDelta),
			Price:        decString(t.Price),
			StateHash:    t.Hash[:],
			PrevHash:     t.PrevHash[:],
			Timestamp:    t.Timestamp,
		})
	}

	return ev, trades, nil
}

func decString(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

// WriteEventBatch writes a batch of events to market_core.events using multi-row INSERT.
func WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 8
	query := `INSERT INTO market_core.events
		(aggregate_id, sequence, aggregate_kind, event_type, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.AggregateID, e.Sequence, e.AggregateKind, e.EventType,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (aggregate_id, sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteTradeBatch writes a batch of trades to market_core.trades.
func WriteTradeBatch(ctx context.Context, db execer, trades []TradeRow) error {
	if len(trades) == 0 {
		return nil
	}

	const cols = 14
	query := `INSERT INTO market_core.trades
		(trade_id, aggregate_id, sequence, user_id, action, outcome_index,
		 gross_amount, fee, net_amount, shares_delta, price, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]any, 0, len(trades)*cols)

	for i, t := range trades {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			t.TradeID, t.AggregateID, t.Sequence, t.UserID, t.Action, t.OutcomeIndex,
			t.GrossAmount, t.Fee, t.NetAmount, t.SharesDelta, t.Price,
			t.StateHash, t.PrevHash, t.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (trade_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)"
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for j := 1; j <= n; j++ {
		if j > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+j)
	}
	b.WriteByte(')')
	return b.String()
}
