package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the precision of every scaled quantity (rates, indices, factors).
const Decimals = 18

var (
	ErrDivideByZero = errors.New("fixedpoint: divide by zero")
	ErrOverflow     = errors.New("fixedpoint: overflow")
	ErrUnderflow    = errors.New("fixedpoint: underflow")
	ErrNegative     = errors.New("fixedpoint: negative value")
)

// Scale is 1.0 in 1e18 fixed point.
var Scale = *uint256.NewInt(1_000_000_000_000_000_000)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// U returns v as a uint256 value.
func U(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// Wad returns v scaled by 1e18.
func Wad(v uint64) uint256.Int {
	var z uint256.Int
	z.Mul(uint256.NewInt(v), &Scale)
	return z
}

// MulDiv computes x*y/d with a 512-bit intermediate and the given rounding.
func MulDiv(x, y, d uint256.Int, mode RoundingMode) (uint256.Int, error) {
	if d.IsZero() {
		return uint256.Int{}, ErrDivideByZero
	}

	var q uint256.Int
	if _, overflow := q.MulDivOverflow(&x, &y, &d); overflow {
		return uint256.Int{}, ErrOverflow
	}
	if mode == RoundDown {
		return q, nil
	}

	var rem uint256.Int
	rem.MulMod(&x, &y, &d)
	if rem.IsZero() {
		return q, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// rem vs d-rem avoids doubling rem past 256 bits
		var other uint256.Int
		other.Sub(&d, &rem)
		cmp := rem.Cmp(&other)
		roundUp = cmp > 0 || (cmp == 0 && q[0]&1 == 1)
	}

	if roundUp {
		if _, overflow := q.AddOverflow(&q, uint256.NewInt(1)); overflow {
			return uint256.Int{}, ErrOverflow
		}
	}
	return q, nil
}

// MulDivDown returns floor(x*y/d).
func MulDivDown(x, y, d uint256.Int) (uint256.Int, error) {
	return MulDiv(x, y, d, RoundDown)
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d uint256.Int) (uint256.Int, error) {
	return MulDiv(x, y, d, RoundUp)
}

// MulWadDown returns floor(x*y/1e18).
func MulWadDown(x, y uint256.Int) (uint256.Int, error) {
	return MulDiv(x, y, Scale, RoundDown)
}

// DivWadDown returns floor(x*1e18/y).
func DivWadDown(x, y uint256.Int) (uint256.Int, error) {
	return MulDiv(x, Scale, y, RoundDown)
}

func Add(x, y uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&x, &y); overflow {
		return uint256.Int{}, ErrOverflow
	}
	return z, nil
}

func Sub(x, y uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&x, &y); underflow {
		return uint256.Int{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, x.Dec(), y.Dec())
	}
	return z, nil
}

func Mul(x, y uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&x, &y); overflow {
		return uint256.Int{}, ErrOverflow
	}
	return z, nil
}

func Min(x, y uint256.Int) uint256.Int {
	if x.Lt(&y) {
		return x
	}
	return y
}

// Parse reads a base-10 integer string.
func Parse(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return *v, nil
}

// FromDecimal converts a fraction such as 0.05 into 1e18 fixed point.
// Digits beyond 18 decimals are truncated.
func FromDecimal(d decimal.Decimal) (uint256.Int, error) {
	if d.IsNegative() {
		return uint256.Int{}, fmt.Errorf("%w: %s", ErrNegative, d.String())
	}
	scaled := d.Shift(Decimals).Truncate(0).BigInt()
	v, overflow := uint256.FromBig(scaled)
	if overflow {
		return uint256.Int{}, ErrOverflow
	}
	return *v, nil
}

// ToDecimal renders a 1e18 fixed-point value as a decimal fraction.
func ToDecimal(x uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}
