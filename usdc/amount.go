// Package usdc converts between human-readable USDC amounts and the integer
// smallest-unit representation used on chain.
package usdc

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits of a USDC amount.
const Decimals = 6

// DefaultDisplayDecimals is the precision used by Format.
const DefaultDisplayDecimals = 2

// ErrInvalidAmount is returned for negative or non-numeric monetary input.
var ErrInvalidAmount = errors.New("invalid amount")

var (
	unit    = uint256.NewInt(1_000_000)
	unitRat = new(big.Rat).SetInt64(1_000_000)

	decimalPattern = regexp.MustCompile(`^(\d+(\.\d+)?|\.\d+)$`)
	integerPattern = regexp.MustCompile(`^\d+$`)
)

// ParseAmount converts a human-readable decimal amount ("10.50") into
// smallest units, rounding to the nearest unit.
func ParseAmount(human string) (*uint256.Int, error) {
	s := strings.TrimSpace(human)
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, human)
	}
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, human)
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, human)
	}
	r.Mul(r, unitRat)

	// round half up: floor((2*num + den) / (2*den))
	num := new(big.Int).Lsh(r.Num(), 1)
	num.Add(num, r.Denom())
	den := new(big.Int).Lsh(r.Denom(), 1)
	num.Quo(num, den)

	v, overflow := uint256.FromBig(num)
	if overflow {
		return nil, fmt.Errorf("%w: %q overflows uint256", ErrInvalidAmount, human)
	}
	return v, nil
}

// FormatAmount renders smallest units as a decimal string with exactly
// decimalPlaces fractional digits. Extra precision is truncated.
func FormatAmount(units *uint256.Int, decimalPlaces int) string {
	if units == nil {
		units = new(uint256.Int)
	}
	whole, frac := new(uint256.Int).DivMod(units, unit, new(uint256.Int))
	if decimalPlaces <= 0 {
		return whole.Dec()
	}

	fraction := fmt.Sprintf("%0*d", Decimals, frac.Uint64())
	if decimalPlaces < Decimals {
		fraction = fraction[:decimalPlaces]
	} else if decimalPlaces > Decimals {
		fraction += strings.Repeat("0", decimalPlaces-Decimals)
	}
	return whole.Dec() + "." + fraction
}

// Format renders smallest units with two fractional digits.
func Format(units *uint256.Int) string {
	return FormatAmount(units, DefaultDisplayDecimals)
}

type inputKind uint8

const (
	kindDecimal inputKind = iota + 1
	kindFloat
	kindUnits
	kindUnitsString
)

// Input is an amount as it arrives at a boundary. It is one of a human
// decimal string, a human float, or a value already in smallest units.
// Normalize is the only place the variants are told apart.
type Input struct {
	kind  inputKind
	text  string
	float float64
	units *uint256.Int
}

// Decimal is a human-readable amount such as "1.50".
func Decimal(s string) Input { return Input{kind: kindDecimal, text: s} }

// Float is a human-readable amount given as a number.
func Float(f float64) Input { return Input{kind: kindFloat, float: f} }

// Units is an amount already expressed in smallest units.
func Units(v *uint256.Int) Input { return Input{kind: kindUnits, units: v} }

// UnitsString is a smallest-unit amount in its decimal wire form ("1500000").
func UnitsString(s string) Input { return Input{kind: kindUnitsString, text: s} }

// Normalize converts any Input variant to smallest units.
func Normalize(in Input) (*uint256.Int, error) {
	switch in.kind {
	case kindDecimal:
		return ParseAmount(in.text)
	case kindFloat:
		if math.IsNaN(in.float) || math.IsInf(in.float, 0) {
			return nil, fmt.Errorf("%w: %v is not a finite number", ErrInvalidAmount, in.float)
		}
		if in.float < 0 {
			return nil, fmt.Errorf("%w: %v is negative", ErrInvalidAmount, in.float)
		}
		return ParseAmount(strconv.FormatFloat(in.float, 'f', -1, 64))
	case kindUnits:
		if in.units == nil {
			return nil, fmt.Errorf("%w: missing value", ErrInvalidAmount)
		}
		return new(uint256.Int).Set(in.units), nil
	case kindUnitsString:
		s := strings.TrimSpace(in.text)
		if !integerPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: %q is not an integer amount", ErrInvalidAmount, in.text)
		}
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, in.text, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: empty input", ErrInvalidAmount)
	}
}
