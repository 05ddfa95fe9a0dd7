package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TradeRecord is a persisted trade. Amounts are base units.
type TradeRecord struct {
	TradeID      uuid.UUID
	AggregateID  string
	Sequence     int64
	UserID       uuid.UUID
	Action       string
	OutcomeIndex int
	GrossAmount  *uint256.Int
	Fee          *uint256.Int
	NetAmount    *uint256.Int
	SharesDelta  *uint256.Int
	Price        *uint256.Int
	Timestamp    time.Time
}

// TradeFilter narrows ListTrades. Zero fields match everything.
type TradeFilter struct {
	AggregateID   string
	UserID        uuid.NullUUID
	AfterSequence int64
	Limit         int
}

// Head is the newest persisted event of one aggregate
type Head struct {
	AggregateID   string
	AggregateKind string
	Sequence      int64
	StateHash     [32]byte
}

// ChainBreak is an event whose prev_hash or sequence does not follow the
// event before it
type ChainBreak struct {
	AggregateID string
	Sequence    int64
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy   bool
	Aggregates  int
	ChainBreaks []ChainBreak
}
