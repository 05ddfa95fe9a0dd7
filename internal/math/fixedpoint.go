// internal/math/fixedpoint.go
package math

import (
	"fmt"

	"MarketCore/internal/failure"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// WADDecimals is the number of decimal places in one whole quote unit
const WADDecimals = 18

// BpsDenominator is 100% expressed in basis points
const BpsDenominator = 10_000

var (
	wad = uint256.NewInt(1_000_000_000_000_000_000) // 10^18
	bps = uint256.NewInt(BpsDenominator)
)

// WAD returns a fresh copy of 10^18 (1.0 in fixed point)
func WAD() *uint256.Int {
	return new(uint256.Int).Set(wad)
}

// Zero returns a fresh zero amount
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Units returns n whole quote units as base units (n * 10^18)
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wad)
}

// Add returns x + y or ArithmeticOverflow
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, failure.New(failure.ArithmeticOverflow, "add overflows 256 bits")
	}
	return z, nil
}

// Sub returns x - y; a negative result is reported as ArithmeticOverflow
// because no amount in the engine may go below zero.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, failure.New(failure.ArithmeticOverflow, "subtraction underflows zero").
			With("minuend", x.Dec()).
			With("subtrahend", y.Dec())
	}
	return z, nil
}

// Mul returns x * y or ArithmeticOverflow
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, failure.New(failure.ArithmeticOverflow, "multiply overflows 256 bits")
	}
	return z, nil
}

// MulDiv returns floor(x * y / d). The product is carried in 512 bits so only
// a quotient that does not fit 256 bits is rejected.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, failure.New(failure.ArithmeticOverflow, "division by zero")
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, failure.New(failure.ArithmeticOverflow, "mul-div quotient overflows 256 bits")
	}
	return z, nil
}

// Cube returns s^3; s is at most 64 bits so the result always fits 192 bits
func Cube(s uint64) *uint256.Int {
	v := uint256.NewInt(s)
	sq := new(uint256.Int).Mul(v, v)
	return sq.Mul(sq, v)
}

// Square returns s^2
func Square(s uint64) *uint256.Int {
	v := uint256.NewInt(s)
	return new(uint256.Int).Mul(v, v)
}

// ApplyBps returns floor(x * rate / 10000)
func ApplyBps(x *uint256.Int, rate uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(rate), bps)
}

// ToDecimal renders base units as a decimal number of whole units
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -WADDecimals)
}

// FromDecimal converts whole units to base units, truncating below 10^-18
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d.String())
	}
	scaled := d.Shift(WADDecimals).Truncate(0).BigInt()
	z, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, failure.New(failure.ArithmeticOverflow, "amount %s does not fit 256 bits", d.String())
	}
	return z, nil
}

// ParseAmount parses a base-unit decimal string such as "1500000000000000000"
func ParseAmount(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return z, nil
}

// Min returns the smaller of x and y
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x
	}
	return y
}
