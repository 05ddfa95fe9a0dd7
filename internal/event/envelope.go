package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeBetPlaced
	EventTypeMarketExtended
	EventTypeMarketPendingResolution
	EventTypeMarketResolved
	EventTypeMarketDisputed
	EventTypeMarketCancelled
	EventTypePayoutClaimed
	EventTypeCurveCreated
	EventTypeCurveTrade
)

// AggregateKind tells which aggregate an envelope belongs to
type AggregateKind int32

const (
	AggregateMarket AggregateKind = iota + 1
	AggregateCurve
)

// Envelope wraps every committed change for the notification collaborator
type Envelope struct {
	// Per-aggregate monotonic sequence
	Sequence int64

	EventType     EventType
	AggregateKind AggregateKind
	AggregateID   string

	// Clock reading the change was committed at
	Timestamp time.Time

	// Trades produced by the change, empty for pure state transitions
	Trades []*Trade

	// Event-specific data, JSON-friendly
	Payload map[string]any

	// Hash chain over the aggregate's committed changes
	StateHash [32]byte
	PrevHash  [32]byte
}

// Digest returns the canonical bytes chained into StateHash
func (e *Envelope) Digest() []byte {
	buf := make([]byte, 0, 64+len(e.Trades)*256)
	buf = append(buf, byte(e.EventType), byte(e.AggregateKind))
	buf = append(buf, byte(len(e.AggregateID)))
	buf = append(buf, []byte(e.AggregateID)...)
	buf = appendInt64LE(buf, e.Timestamp.UnixMicro())
	for _, t := range e.Trades {
		buf = append(buf, t.CanonicalBytes()...)
	}
	return buf
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeBetPlaced:
		return "BetPlaced"
	case EventTypeMarketExtended:
		return "MarketExtended"
	case EventTypeMarketPendingResolution:
		return "MarketPendingResolution"
	case EventTypeMarketResolved:
		return "MarketResolved"
	case EventTypeMarketDisputed:
		return "MarketDisputed"
	case EventTypeMarketCancelled:
		return "MarketCancelled"
	case EventTypePayoutClaimed:
		return "PayoutClaimed"
	case EventTypeCurveCreated:
		return "CurveCreated"
	case EventTypeCurveTrade:
		return "CurveTrade"
	default:
		return "Unknown"
	}
}

func (k AggregateKind) String() string {
	switch k {
	case AggregateMarket:
		return "market"
	case AggregateCurve:
		return "curve"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of EventType.String
func ParseEventType(s string) EventType {
	for et := EventTypeMarketCreated; et <= EventTypeCurveTrade; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// ParseAggregateKind is the inverse of AggregateKind.String, 0 when unknown
func ParseAggregateKind(s string) AggregateKind {
	switch s {
	case "market":
		return AggregateMarket
	case "curve":
		return AggregateCurve
	default:
		return 0
	}
}
