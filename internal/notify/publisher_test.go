package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"MarketCore/internal/core"
	"MarketCore/internal/event"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	fail bool
	msgs []published
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.msgs))}, nil
}

func betEnvelope(id string, seq int64) *event.Envelope {
	return &event.Envelope{
		Sequence:      seq,
		EventType:     event.EventTypeBetPlaced,
		AggregateKind: event.AggregateMarket,
		AggregateID:   id,
		Timestamp:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Trades: []*event.Trade{{
			TradeID:     uuid.New(),
			AggregateID: id,
			UserID:      uuid.New(),
			Action:      event.ActionBet,
			GrossAmount: fpmath.Units(100),
			Fee:         fpmath.Units(1),
			NetAmount:   fpmath.Units(99),
			SharesDelta: fpmath.Units(198),
			Sequence:    seq,
		}},
		Payload: map[string]any{"outcome": 1},
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSubject(t *testing.T) {
	require.Equal(t, "market.core.events.BetPlaced.m1", Subject(betEnvelope("m1", 1)))
	require.Equal(t, "market.core.events.BetPlaced.us_election_2028_", Subject(betEnvelope("us.election*2028>", 1)))
	require.Equal(t, "market.core.events.BetPlaced._", Subject(betEnvelope("", 1)))
}

func TestNewMessage(t *testing.T) {
	env := betEnvelope("m1", 3)
	env.StateHash[31] = 1

	msg := NewMessage(env)
	require.Equal(t, "BetPlaced", msg.EventType)
	require.Equal(t, "market", msg.AggregateKind)
	require.Len(t, msg.StateHash, 64)
	require.Equal(t, "01", msg.StateHash[62:])
	require.Len(t, msg.Trades, 1)
	require.Equal(t, "100000000000000000000", msg.Trades[0].GrossAmount)
	require.Equal(t, "0", msg.Trades[0].Price)
}

func TestPublisher_Run(t *testing.T) {
	stream := &fakeStream{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	in := make(chan core.CoreOutput, 4)
	p := NewPublisher(stream, in, metrics, zerolog.Nop())

	in <- core.CoreOutput{Envelope: betEnvelope("m1", 2)}
	in <- core.CoreOutput{}
	in <- core.CoreOutput{Envelope: betEnvelope("m2", 5)}
	close(in)

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, stream.msgs, 2)
	require.Equal(t, "market.core.events.BetPlaced.m2", stream.msgs[1].subject)

	var msg Message
	require.NoError(t, json.Unmarshal(stream.msgs[0].data, &msg))
	require.Equal(t, int64(2), msg.Sequence)
	require.Equal(t, "m1", msg.AggregateID)

	require.Equal(t, 2.0, counterValue(t, metrics.EventsPublished.WithLabelValues("BetPlaced")))
}

func TestPublisher_FailureIsNotFatal(t *testing.T) {
	stream := &fakeStream{fail: true}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	in := make(chan core.CoreOutput, 1)
	p := NewPublisher(stream, in, metrics, zerolog.Nop())

	in <- core.CoreOutput{Envelope: betEnvelope("m1", 1)}
	close(in)

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, 1.0, counterValue(t, metrics.PublishErrors))
}
