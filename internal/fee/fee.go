// Package fee splits a gross trade amount into fee and net amount.
package fee

import (
	fpmath "MarketCore/internal/math"
	"MarketCore/internal/failure"

	"github.com/holiman/uint256"
)

// MaxBps is the highest accepted fee rate (100%)
const MaxBps = fpmath.BpsDenominator

// Schedule is a validated fee configuration. Construct with NewSchedule; the
// zero value charges nothing.
type Schedule struct {
	feeBps      uint64
	platformBps uint64
	creatorBps  uint64
}

// Split is the result of applying a Schedule to a gross amount
type Split struct {
	Gross            *uint256.Int
	Fee              *uint256.Int
	Net              *uint256.Int
	PlatformFee      *uint256.Int
	CreatorFee       *uint256.Int
	ProtocolResidual *uint256.Int // Fee - PlatformFee - CreatorFee
}

// NewSchedule validates rates once so no trade can fail on configuration.
// platformBps and creatorBps attribute part of the fee and may not exceed it.
func NewSchedule(feeBps, platformBps, creatorBps uint64) (Schedule, error) {
	if feeBps > MaxBps {
		return Schedule{}, failure.New(failure.InvalidFeeRate, "fee rate above 100%%").
			With("fee_bps", feeBps)
	}
	if platformBps+creatorBps > feeBps {
		return Schedule{}, failure.New(failure.InvalidFeeRate, "sub-rates exceed fee rate").
			With("fee_bps", feeBps).
			With("platform_bps", platformBps).
			With("creator_bps", creatorBps)
	}
	return Schedule{feeBps: feeBps, platformBps: platformBps, creatorBps: creatorBps}, nil
}

// MustSchedule is NewSchedule for constants known to be valid
func MustSchedule(feeBps, platformBps, creatorBps uint64) Schedule {
	s, err := NewSchedule(feeBps, platformBps, creatorBps)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) FeeBps() uint64      { return s.feeBps }
func (s Schedule) PlatformBps() uint64 { return s.platformBps }
func (s Schedule) CreatorBps() uint64  { return s.creatorBps }

// Split computes fee = floor(gross * feeBps / 10000) and net = gross - fee
func (s Schedule) Split(gross *uint256.Int) (Split, error) {
	fee, err := fpmath.ApplyBps(gross, s.feeBps)
	if err != nil {
		return Split{}, err
	}
	platform, err := fpmath.ApplyBps(gross, s.platformBps)
	if err != nil {
		return Split{}, err
	}
	creator, err := fpmath.ApplyBps(gross, s.creatorBps)
	if err != nil {
		return Split{}, err
	}

	// floor(a)+floor(b) <= floor(a+b) <= fee, so neither subtraction underflows
	net := new(uint256.Int).Sub(gross, fee)
	residual := new(uint256.Int).Sub(fee, platform)
	residual.Sub(residual, creator)

	return Split{
		Gross:            gross.Clone(),
		Fee:              fee,
		Net:              net,
		PlatformFee:      platform,
		CreatorFee:       creator,
		ProtocolResidual: residual,
	}, nil
}

// OnTop computes the fee charged in addition to a base amount, used where the
// trader pays price plus fee rather than having the fee taken out.
func (s Schedule) OnTop(base *uint256.Int) (Split, error) {
	split, err := s.Split(base)
	if err != nil {
		return Split{}, err
	}
	gross, err := fpmath.Add(base, split.Fee)
	if err != nil {
		return Split{}, err
	}
	split.Gross = gross
	split.Net = base.Clone()
	return split, nil
}
