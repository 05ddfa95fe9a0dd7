package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MarketCore/internal/core"
	"MarketCore/internal/curve"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotFormatVersion is bumped whenever the JSON layout below changes
const SnapshotFormatVersion = 1

// SnapshotStore saves and loads engine snapshots in market_core.snapshots.
// A snapshot holds every aggregate's reserves, supply, positions and hash
// chain head, so a restarted engine continues both pricing and the chain.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists a snapshot and returns its encoded size
func (s *SnapshotStore) Save(ctx context.Context, snap *core.Snapshot) (int, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO market_core.snapshots
			(snapshot_id, taken_at, data, format_version, size_bytes, markets, curves)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), snap.TakenAt, string(data), SnapshotFormatVersion, len(data), len(snap.Markets), len(snap.Curves))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatest returns the most recent snapshot, or nil on a cold start
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*core.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM market_core.snapshots
		ORDER BY taken_at DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != SnapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", version)
	}

	return DecodeSnapshot(data)
}

// Prune keeps the newest keep snapshots
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM market_core.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM market_core.snapshots ORDER BY taken_at DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// --- JSON layout ---

type snapshotDoc struct {
	TakenAt time.Time   `json:"taken_at"`
	Markets []marketDoc `json:"markets"`
	Curves  []curveDoc  `json:"curves"`
}

type feeDoc struct {
	FeeBps      uint64 `json:"fee_bps"`
	PlatformBps uint64 `json:"platform_bps"`
	CreatorBps  uint64 `json:"creator_bps"`
}

type outcomeDoc struct {
	Label             string `json:"label"`
	SharesOutstanding string `json:"shares_outstanding"`
	TotalStaked       string `json:"total_staked"`
	Reserve           string `json:"reserve"`
}

type positionDoc struct {
	UserID       uuid.UUID `json:"user_id"`
	OutcomeIndex int       `json:"outcome_index"`
	SharesOwned  string    `json:"shares_owned"`
	CostBasis    string    `json:"cost_basis"`
	Claimed      bool      `json:"claimed,omitempty"`
}

type marketDoc struct {
	ID               string        `json:"id"`
	MarketType       string        `json:"market_type"`
	Outcomes         []outcomeDoc  `json:"outcomes"`
	VirtualLiquidity string        `json:"virtual_liquidity"`
	Fees             feeDoc        `json:"fees"`
	Status           string        `json:"status"`
	EndTime          time.Time     `json:"end_time"`
	TotalVolume      string        `json:"total_volume"`
	FeesCollected    string        `json:"fees_collected"`
	WinningOutcome   int           `json:"winning_outcome"`
	Positions        []positionDoc `json:"positions"`
	CreatedAt        time.Time     `json:"created_at"`
	Sequence         int64         `json:"sequence"`
	LastHash         string        `json:"last_hash"`
}

type holdingDoc struct {
	UserID uuid.UUID `json:"user_id"`
	Shares uint64    `json:"shares"`
}

type curveDoc struct {
	ID            string       `json:"id"`
	CreatorID     uuid.UUID    `json:"creator_id"`
	PriceScale    uint64       `json:"price_scale"`
	MaxSupply     uint64       `json:"max_supply"`
	Unit          string       `json:"unit"`
	Fees          feeDoc       `json:"fees"`
	Supply        uint64       `json:"supply"`
	Holdings      []holdingDoc `json:"holdings"`
	Reserve       string       `json:"reserve"`
	TotalVolume   string       `json:"total_volume"`
	FeesCollected string       `json:"fees_collected"`
	CreatedAt     time.Time    `json:"created_at"`
	Sequence      int64        `json:"sequence"`
	LastHash      string       `json:"last_hash"`
}

// EncodeSnapshot renders a snapshot as JSON with amounts as decimal strings
func EncodeSnapshot(snap *core.Snapshot) ([]byte, error) {
	doc := snapshotDoc{
		TakenAt: snap.TakenAt,
		Markets: make([]marketDoc, 0, len(snap.Markets)),
		Curves:  make([]curveDoc, 0, len(snap.Curves)),
	}

	for _, m := range snap.Markets {
		md := marketDoc{
			ID:               m.ID,
			MarketType:       m.MarketType,
			VirtualLiquidity: decString(m.VirtualLiquidity),
			Fees:             encodeFees(m.Fees),
			Status:           m.Status.String(),
			EndTime:          m.EndTime,
			TotalVolume:      decString(m.TotalVolume),
			FeesCollected:    decString(m.FeesCollected),
			WinningOutcome:   m.WinningOutcome,
			CreatedAt:        m.CreatedAt,
			Sequence:         m.Sequence,
			LastHash:         hex.EncodeToString(m.LastHash[:]),
		}
		for i, o := range m.Outcomes {
			md.Outcomes = append(md.Outcomes, outcomeDoc{
				Label:             o.Label,
				SharesOutstanding: decString(o.SharesOutstanding),
				TotalStaked:       decString(o.TotalStaked),
				Reserve:           decString(m.Reserves[i]),
			})
		}
		for _, p := range m.Positions.All() {
			md.Positions = append(md.Positions, positionDoc{
				UserID:       p.UserID,
				OutcomeIndex: p.OutcomeIndex,
				SharesOwned:  decString(p.SharesOwned),
				CostBasis:    decString(p.CostBasis),
				Claimed:      p.Claimed,
			})
		}
		doc.Markets = append(doc.Markets, md)
	}

	for _, c := range snap.Curves {
		cd := curveDoc{
			ID:            c.ID,
			CreatorID:     c.CreatorID,
			PriceScale:    c.Config.PriceScale,
			MaxSupply:     c.Config.MaxSupply,
			Unit:          decString(c.Config.Unit),
			Fees:          encodeFees(c.Fees),
			Supply:        c.Supply,
			Reserve:       decString(c.Reserve),
			TotalVolume:   decString(c.TotalVolume),
			FeesCollected: decString(c.FeesCollected),
			CreatedAt:     c.CreatedAt,
			Sequence:      c.Sequence,
			LastHash:      hex.EncodeToString(c.LastHash[:]),
		}
		for _, h := range c.SortedHoldings() {
			cd.Holdings = append(cd.Holdings, holdingDoc{UserID: h.UserID, Shares: h.Shares})
		}
		doc.Curves = append(doc.Curves, cd)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Invariants are checked by
// Engine.Restore, not here.
func DecodeSnapshot(data []byte) (*core.Snapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	snap := &core.Snapshot{TakenAt: doc.TakenAt}

	for _, md := range doc.Markets {
		m, err := decodeMarket(md)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", md.ID, err)
		}
		snap.Markets = append(snap.Markets, m)
	}
	for _, cd := range doc.Curves {
		c, err := decodeCurve(cd)
		if err != nil {
			return nil, fmt.Errorf("curve %s: %w", cd.ID, err)
		}
		snap.Curves = append(snap.Curves, c)
	}

	return snap, nil
}

func decodeMarket(md marketDoc) (*state.Market, error) {
	status, ok := state.ParseStatus(md.Status)
	if !ok {
		return nil, fmt.Errorf("unknown status %q", md.Status)
	}
	fees, err := decodeFees(md.Fees)
	if err != nil {
		return nil, err
	}

	var d decoder
	m := &state.Market{
		ID:               md.ID,
		MarketType:       md.MarketType,
		VirtualLiquidity: d.amount(md.VirtualLiquidity),
		Fees:             fees,
		Status:           status,
		EndTime:          md.EndTime,
		TotalVolume:      d.amount(md.TotalVolume),
		FeesCollected:    d.amount(md.FeesCollected),
		WinningOutcome:   md.WinningOutcome,
		Positions:        state.NewPositionBook(),
		CreatedAt:        md.CreatedAt,
		Sequence:         md.Sequence,
		LastHash:         d.hash(md.LastHash),
	}
	for i, od := range md.Outcomes {
		m.Outcomes = append(m.Outcomes, state.Outcome{
			Index:             i,
			Label:             od.Label,
			SharesOutstanding: d.amount(od.SharesOutstanding),
			TotalStaked:       d.amount(od.TotalStaked),
		})
		m.Reserves = append(m.Reserves, d.amount(od.Reserve))
	}
	for _, pd := range md.Positions {
		m.Positions.Put(&state.Position{
			MarketID:     md.ID,
			UserID:       pd.UserID,
			OutcomeIndex: pd.OutcomeIndex,
			SharesOwned:  d.amount(pd.SharesOwned),
			CostBasis:    d.amount(pd.CostBasis),
			Claimed:      pd.Claimed,
		})
	}

	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

func decodeCurve(cd curveDoc) (*state.CreatorCurve, error) {
	fees, err := decodeFees(cd.Fees)
	if err != nil {
		return nil, err
	}

	var d decoder
	unit := d.amount(cd.Unit)
	c := &state.CreatorCurve{
		ID:            cd.ID,
		CreatorID:     cd.CreatorID,
		Fees:          fees,
		Supply:        cd.Supply,
		Holdings:      make(map[uuid.UUID]uint64, len(cd.Holdings)),
		Reserve:       d.amount(cd.Reserve),
		TotalVolume:   d.amount(cd.TotalVolume),
		FeesCollected: d.amount(cd.FeesCollected),
		CreatedAt:     cd.CreatedAt,
		Sequence:      cd.Sequence,
		LastHash:      d.hash(cd.LastHash),
	}
	if d.err != nil {
		return nil, d.err
	}

	cfg, err := curve.NewConfigWithUnit(cd.PriceScale, cd.MaxSupply, unit)
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	for _, h := range cd.Holdings {
		c.Holdings[h.UserID] = h.Shares
	}
	return c, nil
}

func encodeFees(s fee.Schedule) feeDoc {
	return feeDoc{FeeBps: s.FeeBps(), PlatformBps: s.PlatformBps(), CreatorBps: s.CreatorBps()}
}

func decodeFees(fd feeDoc) (fee.Schedule, error) {
	return fee.NewSchedule(fd.FeeBps, fd.PlatformBps, fd.CreatorBps)
}

// decoder keeps the first parse error so field lists stay flat
type decoder struct {
	err error
}

func (d *decoder) amount(s string) *uint256.Int {
	x, err := fpmath.ParseAmount(s)
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return fpmath.Zero()
	}
	return x
}

func (d *decoder) hash(s string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err == nil && len(b) != len(out) {
		err = fmt.Errorf("hash is %d bytes", len(b))
	}
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("decode hash: %w", err)
		}
		return out
	}
	copy(out[:], b)
	return out
}
