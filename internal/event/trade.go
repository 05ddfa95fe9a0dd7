package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Action is what a trade did
type Action int32

const (
	ActionUnknown Action = iota
	ActionBet
	ActionCurveBuy
	ActionCurveSell
	ActionPayout
	ActionRefund
)

func (a Action) String() string {
	switch a {
	case ActionBet:
		return "bet"
	case ActionCurveBuy:
		return "curve_buy"
	case ActionCurveSell:
		return "curve_sell"
	case ActionPayout:
		return "payout"
	case ActionRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// ParseAction is the inverse of Action.String
func ParseAction(s string) Action {
	for a := ActionBet; a <= ActionRefund; a++ {
		if a.String() == s {
			return a
		}
	}
	return ActionUnknown
}

// Trade is the immutable record handed to the persistence collaborator.
// Amounts are base units (10^18 per whole unit); Price is a WAD fraction.
type Trade struct {
	TradeID      uuid.UUID
	AggregateID  string
	UserID       uuid.UUID
	Action       Action
	OutcomeIndex int // -1 for curve trades
	GrossAmount  *uint256.Int
	Fee          *uint256.Int
	NetAmount    *uint256.Int
	SharesDelta  *uint256.Int // shares minted (bet/buy) or burned (sell)
	Price        *uint256.Int
	Timestamp    time.Time // Clock input, never read inside pricing
	Sequence     int64
	PrevHash     [32]byte
	Hash         [32]byte
}

// CanonicalBytes returns deterministic serialization for hashing
func (t *Trade) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, t.TradeID[:]...)

	buf = append(buf, byte(len(t.AggregateID)))
	buf = append(buf, []byte(t.AggregateID)...)

	buf = append(buf, t.UserID[:]...)
	buf = append(buf, byte(t.Action))
	buf = appendInt64LE(buf, int64(t.OutcomeIndex))

	for _, v := range []*uint256.Int{t.GrossAmount, t.Fee, t.NetAmount, t.SharesDelta, t.Price} {
		var word [32]byte
		if v != nil {
			word = v.Bytes32()
		}
		buf = append(buf, word[:]...)
	}

	buf = appendInt64LE(buf, t.Timestamp.UnixMicro())
	buf = appendInt64LE(buf, t.Sequence)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
