// Package notify publishes committed envelopes to NATS JetStream so
// downstream consumers see every bet, curve trade and market transition.
package notify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"MarketCore/internal/core"
	"MarketCore/internal/event"
	"MarketCore/internal/observability"

	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "MARKET_CORE_EVENTS"
	SubjectPrefix = "market.core.events"
)

// StreamPublisher is the part of jetstream.JetStream the publisher uses
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher drains the engine's publish channel. Publishing is best effort:
// a failed publish is logged and counted, and the trade log in Postgres stays
// the source of truth.
type Publisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Message is the JSON body of a published envelope
type Message struct {
	Sequence      int64          `json:"sequence"`
	EventType     string         `json:"event_type"`
	AggregateKind string         `json:"aggregate_kind"`
	AggregateID   string         `json:"aggregate_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Trades        []TradeMessage `json:"trades,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	StateHash     string         `json:"state_hash"`
	PrevHash      string         `json:"prev_hash"`
}

// TradeMessage carries amounts as decimal strings of base units
type TradeMessage struct {
	TradeID      string `json:"trade_id"`
	UserID       string `json:"user_id"`
	Action       string `json:"action"`
	OutcomeIndex int    `json:"outcome_index"`
	GrossAmount  string `json:"gross_amount"`
	Fee          string `json:"fee"`
	NetAmount    string `json:"net_amount"`
	SharesDelta  string `json:"shares_delta"`
	Price        string `json:"price"`
}

// Run publishes until ctx is cancelled or the channel closes
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}

			if err := p.Publish(ctx, out.Envelope); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				p.logger.Warn().
					Err(err).
					Str("aggregate_id", out.Envelope.AggregateID).
					Int64("sequence", out.Envelope.Sequence).
					Msg("publish failed")
			}
		}
	}
}

// Publish sends one envelope. The message id lets JetStream drop duplicates.
func (p *Publisher) Publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(NewMessage(env))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msgID := env.AggregateID + "/" + strconv.FormatInt(env.Sequence, 10)
	if _, err := p.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", msgID, err)
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(env.EventType.String()).Inc()
	}
	return nil
}

// Subject returns market.core.events.{event_type}.{aggregate_id}
func Subject(env *event.Envelope) string {
	return SubjectPrefix + "." + env.EventType.String() + "." + subjectToken(env.AggregateID)
}

// subjectToken replaces characters NATS reserves in subject tokens
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// NewMessage converts an envelope to its wire form
func NewMessage(env *event.Envelope) Message {
	msg := Message{
		Sequence:      env.Sequence,
		EventType:     env.EventType.String(),
		AggregateKind: env.AggregateKind.String(),
		AggregateID:   env.AggregateID,
		Timestamp:     env.Timestamp,
		Payload:       env.Payload,
		StateHash:     hex.EncodeToString(env.StateHash[:]),
		PrevHash:      hex.EncodeToString(env.PrevHash[:]),
	}
	for _, t := range env.Trades {
		msg.Trades = append(msg.Trades, TradeMessage{
			TradeID:      t.TradeID.String(),
			UserID:       t.UserID.String(),
			Action:       t.Action.String(),
			OutcomeIndex: t.OutcomeIndex,
			GrossAmount:  dec(t.GrossAmount),
			Fee:          dec(t.Fee),
			NetAmount:    dec(t.NetAmount),
			SharesDelta:  dec(t.SharesDelta),
			Price:        dec(t.Price),
		})
	}
	return msg
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

// EnsureStream creates or updates the outbound events stream
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     maxAge,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	logger.Info().Str("stream", StreamName).Dur("max_age", maxAge).Msg("ensured outbound stream")
	return nil
}
