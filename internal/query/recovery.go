package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"MarketCore/internal/core"
	"MarketCore/internal/event"
)

// RecoveryReport compares the persisted event log with a restored snapshot.
type RecoveryReport struct {
	// Aggregates whose log has events past the snapshot
	Behind []string
	// Aggregates in the log but absent from the snapshot
	Missing []string
	// Aggregates whose snapshot hash differs from the log at the same sequence
	Forked []string
	// Aggregates whose snapshot is past the log. Their trailing events were
	// committed in memory but never persisted.
	Unpersisted []string
}

// Err reports the conditions that make the snapshot unsafe to serve from.
// Unpersisted aggregates are not an error: the snapshot is newer than the log.
func (r *RecoveryReport) Err() error {
	var errs []error
	if len(r.Behind) > 0 {
		errs = append(errs, fmt.Errorf("snapshot is behind the event log for %s", strings.Join(r.Behind, ", ")))
	}
	if len(r.Missing) > 0 {
		errs = append(errs, fmt.Errorf("snapshot lacks aggregates %s", strings.Join(r.Missing, ", ")))
	}
	if len(r.Forked) > 0 {
		errs = append(errs, fmt.Errorf("snapshot hash chain diverges from the event log for %s", strings.Join(r.Forked, ", ")))
	}
	return errors.Join(errs...)
}

type chainTip struct {
	sequence int64
	hash     [32]byte
}

// CompareHeads checks every persisted head against snap. A nil snap is a
// cold start: any persisted aggregate is then Missing.
func CompareHeads(heads []Head, snap *core.Snapshot) *RecoveryReport {
	tips := make(map[string]chainTip)
	if snap != nil {
		for _, m := range snap.Markets {
			tips[m.ID] = chainTip{m.Sequence, m.LastHash}
		}
		for _, c := range snap.Curves {
			tips[c.ID] = chainTip{c.Sequence, c.LastHash}
		}
	}

	report := &RecoveryReport{}
	seen := make(map[string]bool, len(heads))
	for _, h := range heads {
		seen[h.AggregateID] = true
		tip, ok := tips[h.AggregateID]
		switch {
		case !ok:
			report.Missing = append(report.Missing, h.AggregateID)
		case tip.sequence < h.Sequence:
			report.Behind = append(report.Behind, h.AggregateID)
		case tip.sequence > h.Sequence:
			report.Unpersisted = append(report.Unpersisted, h.AggregateID)
		case tip.hash != h.StateHash:
			report.Forked = append(report.Forked, h.AggregateID)
		}
	}
	for id := range tips {
		if !seen[id] {
			report.Unpersisted = append(report.Unpersisted, id)
		}
	}

	for _, ids := range [][]string{report.Behind, report.Missing, report.Forked, report.Unpersisted} {
		sort.Strings(ids)
	}
	return report
}

// EventSource loads logged envelopes of one aggregate in sequence order.
// QueryService is the Postgres implementation.
type EventSource interface {
	LoadEvents(ctx context.Context, aggregateID string, afterSeq int64, limit int) ([]*event.Envelope, error)
}

// CatchUp replays the event log past the restored state for every aggregate
// the report lists as Behind or Missing, then compares heads again against
// the engine. Forked aggregates are left alone. It returns the number of
// envelopes replayed and the new report.
func CatchUp(ctx context.Context, src EventSource, engine *core.Engine, heads []Head, report *RecoveryReport, batchSize int) (int, *RecoveryReport, error) {
	if batchSize <= 0 {
		batchSize = maxLimit
	}

	replayed := 0
	for _, id := range append(append([]string(nil), report.Behind...), report.Missing...) {
		var after int64
		if seq, ok := restoredSequence(engine, id); ok {
			after = seq
		}

		for {
			if err := ctx.Err(); err != nil {
				return replayed, report, err
			}
			envs, err := src.LoadEvents(ctx, id, after, batchSize)
			if err != nil {
				return replayed, report, err
			}
			for _, env := range envs {
				applied, err := engine.Replay(ctx, env)
				if err != nil {
					return replayed, report, err
				}
				if applied {
					replayed++
				}
				after = env.Sequence
			}
			if len(envs) < batchSize {
				break
			}
		}
	}

	return replayed, CompareHeads(heads, engine.Snapshot()), nil
}

func restoredSequence(engine *core.Engine, id string) (int64, bool) {
	if m, err := engine.Market(id); err == nil {
		return m.Sequence, true
	}
	if c, err := engine.Curve(id); err == nil {
		return c.Sequence, true
	}
	return 0, false
}
