package state

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"MarketCore/internal/curve"
	"MarketCore/internal/failure"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CreatorCurve is the aggregate for one creator's bonding curve. Reserve is
// always the curve integral at Supply, so every holder can sell back.
type CreatorCurve struct {
	ID            string
	CreatorID     uuid.UUID
	Config        curve.Config
	Fees          fee.Schedule
	Supply        uint64
	Holdings      map[uuid.UUID]uint64
	Reserve       *uint256.Int
	TotalVolume   *uint256.Int
	FeesCollected *uint256.Int
	CreatedAt     time.Time

	Sequence int64
	LastHash [32]byte
}

// Holding is one entry of CreatorCurve.SortedHoldings
type Holding struct {
	UserID uuid.UUID
	Shares uint64
}

// NewCreatorCurve creates an empty curve
func NewCreatorCurve(id string, creatorID uuid.UUID, cfg curve.Config, fees fee.Schedule, now time.Time) (*CreatorCurve, error) {
	if id == "" {
		return nil, failure.New(failure.InvalidConfig, "curve id is empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("curve %s: %w", id, err)
	}
	return &CreatorCurve{
		ID:            id,
		CreatorID:     creatorID,
		Config:        cfg,
		Fees:          fees,
		Holdings:      make(map[uuid.UUID]uint64),
		Reserve:       fpmath.Zero(),
		TotalVolume:   fpmath.Zero(),
		FeesCollected: fpmath.Zero(),
		CreatedAt:     now,
	}, nil
}

// QuoteBuy prices a buy at the current supply
func (c *CreatorCurve) QuoteBuy(amount uint64) (*curve.Quote, error) {
	return curve.QuoteBuy(c.Supply, amount, c.Config, c.Fees)
}

// QuoteSell prices a sell at the current supply
func (c *CreatorCurve) QuoteSell(amount uint64) (*curve.Quote, error) {
	return curve.QuoteSell(c.Supply, amount, c.Config, c.Fees)
}

// Buy mints amount shares to userID
func (c *CreatorCurve) Buy(userID uuid.UUID, amount uint64) (*curve.Quote, error) {
	q, err := c.QuoteBuy(amount)
	if err != nil {
		return nil, err
	}

	reserve, err := fpmath.Add(c.Reserve, q.CurveAmount)
	if err != nil {
		return nil, err
	}
	volume, err := fpmath.Add(c.TotalVolume, q.CurveAmount)
	if err != nil {
		return nil, err
	}
	fees, err := fpmath.Add(c.FeesCollected, q.Fees.Fee)
	if err != nil {
		return nil, err
	}

	c.Supply = q.NewSupply
	c.Holdings[userID] += amount
	c.Reserve = reserve
	c.TotalVolume = volume
	c.FeesCollected = fees

	return q, nil
}

// Sell burns amount of userID's shares
func (c *CreatorCurve) Sell(userID uuid.UUID, amount uint64) (*curve.Quote, error) {
	if amount == 0 {
		return nil, failure.New(failure.AmountCannotBeZero, "sell amount is zero")
	}
	held := c.Holdings[userID]
	if amount > held {
		return nil, failure.New(failure.InsufficientSupply, "sell amount exceeds holding").
			With("user_id", userID.String()).
			With("held", held).
			With("amount", amount)
	}

	q, err := c.QuoteSell(amount)
	if err != nil {
		return nil, err
	}

	reserve, err := fpmath.Sub(c.Reserve, q.CurveAmount)
	if err != nil {
		return nil, err
	}
	volume, err := fpmath.Add(c.TotalVolume, q.CurveAmount)
	if err != nil {
		return nil, err
	}
	fees, err := fpmath.Add(c.FeesCollected, q.Fees.Fee)
	if err != nil {
		return nil, err
	}

	c.Supply = q.NewSupply
	if held == amount {
		delete(c.Holdings, userID)
	} else {
		c.Holdings[userID] = held - amount
	}
	c.Reserve = reserve
	c.TotalVolume = volume
	c.FeesCollected = fees

	return q, nil
}

// Price is the spot price at the current supply
func (c *CreatorCurve) Price() (*uint256.Int, error) {
	return curve.Price(c.Supply, c.Config)
}

// SortedHoldings returns holdings ordered by user id
func (c *CreatorCurve) SortedHoldings() []Holding {
	out := make([]Holding, 0, len(c.Holdings))
	for user, shares := range c.Holdings {
		out = append(out, Holding{UserID: user, Shares: shares})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0
	})
	return out
}

// CheckInvariants verifies supply against holdings and reserve against the curve
func (c *CreatorCurve) CheckInvariants() error {
	var held uint64
	for user, shares := range c.Holdings {
		if shares == 0 {
			return fmt.Errorf("curve %s: empty holding for %s", c.ID, user)
		}
		held += shares
	}
	if held != c.Supply {
		return fmt.Errorf("curve %s: supply %d != holdings %d", c.ID, c.Supply, held)
	}
	if c.Supply > c.Config.MaxSupply {
		return fmt.Errorf("curve %s: supply %d above max %d", c.ID, c.Supply, c.Config.MaxSupply)
	}

	expected := fpmath.Zero()
	if c.Supply > 0 {
		var err error
		expected, err = curve.BuyCost(0, c.Supply, c.Config)
		if err != nil {
			return err
		}
	}
	if !expected.Eq(c.Reserve) {
		return fmt.Errorf("curve %s: reserve %s != integral %s", c.ID, c.Reserve.Dec(), expected.Dec())
	}
	return nil
}

// Clone deep-copies the curve
func (c *CreatorCurve) Clone() *CreatorCurve {
	cp := *c
	cp.Holdings = make(map[uuid.UUID]uint64, len(c.Holdings))
	for k, v := range c.Holdings {
		cp.Holdings[k] = v
	}
	cp.Reserve = c.Reserve.Clone()
	cp.TotalVolume = c.TotalVolume.Clone()
	cp.FeesCollected = c.FeesCollected.Clone()
	return &cp
}
