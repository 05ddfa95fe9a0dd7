package state

import (
	"bytes"
	"sort"

	fpmath "MarketCore/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Position is one user's stake on one outcome of a market
type Position struct {
	MarketID     string
	UserID       uuid.UUID
	OutcomeIndex int
	SharesOwned  *uint256.Int
	CostBasis    *uint256.Int // Net principal deposited, refunded on cancel
	Claimed      bool
}

// PositionKey identifies a position inside one market
type PositionKey struct {
	UserID       uuid.UUID
	OutcomeIndex int
}

// PositionBook holds a market's positions
type PositionBook struct {
	positions map[PositionKey]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[PositionKey]*Position),
	}
}

// Get returns an existing position or nil
func (pb *PositionBook) Get(userID uuid.UUID, outcome int) *Position {
	return pb.positions[PositionKey{UserID: userID, OutcomeIndex: outcome}]
}

// GetOrCreate returns an existing position or creates an empty one
func (pb *PositionBook) GetOrCreate(marketID string, userID uuid.UUID, outcome int) *Position {
	key := PositionKey{UserID: userID, OutcomeIndex: outcome}
	pos := pb.positions[key]

	if pos == nil {
		pos = &Position{
			MarketID:     marketID,
			UserID:       userID,
			OutcomeIndex: outcome,
			SharesOwned:  fpmath.Zero(),
			CostBasis:    fpmath.Zero(),
		}
		pb.positions[key] = pos
	}

	return pos
}

// Put stores a position, replacing any existing one with the same key
func (pb *PositionBook) Put(pos *Position) {
	pb.positions[PositionKey{UserID: pos.UserID, OutcomeIndex: pos.OutcomeIndex}] = pos
}

// UserPositions returns a user's positions ordered by outcome
func (pb *PositionBook) UserPositions(userID uuid.UUID) []*Position {
	var out []*Position
	for key, pos := range pb.positions {
		if key.UserID == userID {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OutcomeIndex < out[j].OutcomeIndex
	})
	return out
}

// All returns every position in deterministic (user, outcome) order
func (pb *PositionBook) All() []*Position {
	out := make([]*Position, 0, len(pb.positions))
	for _, pos := range pb.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].UserID[:], out[j].UserID[:]); c != 0 {
			return c < 0
		}
		return out[i].OutcomeIndex < out[j].OutcomeIndex
	})
	return out
}

// Len returns the number of positions
func (pb *PositionBook) Len() int {
	return len(pb.positions)
}

// SharesOn sums SharesOwned for every position on an outcome
func (pb *PositionBook) SharesOn(outcome int) *uint256.Int {
	total := fpmath.Zero()
	for key, pos := range pb.positions {
		if key.OutcomeIndex == outcome {
			total.Add(total, pos.SharesOwned)
		}
	}
	return total
}

// TotalCostBasis sums every position's principal
func (pb *PositionBook) TotalCostBasis() *uint256.Int {
	total := fpmath.Zero()
	for _, pos := range pb.positions {
		total.Add(total, pos.CostBasis)
	}
	return total
}

// Stakes converts positions to settlement input
func (pb *PositionBook) Stakes() []fpmath.Stake {
	all := pb.All()
	stakes := make([]fpmath.Stake, 0, len(all))
	for _, pos := range all {
		stakes = append(stakes, fpmath.Stake{
			UserID:       pos.UserID,
			OutcomeIndex: pos.OutcomeIndex,
			Shares:       pos.SharesOwned,
			CostBasis:    pos.CostBasis,
		})
	}
	return stakes
}

// Clone deep-copies the book
func (pb *PositionBook) Clone() *PositionBook {
	cp := &PositionBook{positions: make(map[PositionKey]*Position, len(pb.positions))}
	for key, pos := range pb.positions {
		p := *pos
		p.SharesOwned = pos.SharesOwned.Clone()
		p.CostBasis = pos.CostBasis.Clone()
		cp.positions[key] = &p
	}
	return cp
}
