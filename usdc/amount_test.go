package usdc

import (
	"math"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
	}{
		{"0", 0},
		{"10", 10_000_000},
		{"10.5", 10_500_000},
		{"100.000000", 100_000_000},
		{".25", 250_000},
		{"0.000001", 1},
		{"0.0000005", 1},
		{"0.0000004", 0},
		{"1.2345675", 1_234_568},
		{" 2.5 ", 2_500_000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	for _, input := range []string{"", "-1", "-0.5", "abc", "1/3", "1e6", "1.", "0x10", "1,5"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseAmount(input)
			require.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestParseAmount_Overflow(t *testing.T) {
	huge := "1" + strings.Repeat("0", 80)
	_, err := ParseAmount(huge)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		units  uint64
		places int
		want   string
	}{
		{0, 2, "0.00"},
		{90_000_000, 2, "90.00"},
		{1_234_567, 2, "1.23"},
		{1_239_999, 2, "1.23"},
		{1_234_567, 6, "1.234567"},
		{1, 6, "0.000001"},
		{1_500_000, 0, "1"},
		{1_500_000, 8, "1.50000000"},
	}

	for _, tt := range tests {
		got := FormatAmount(uint256.NewInt(tt.units), tt.places)
		assert.Equal(t, tt.want, got, "FormatAmount(%d, %d)", tt.units, tt.places)
	}

	assert.Equal(t, "0.00", Format(nil))
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, d := range []string{"0.000000", "1.000000", "10.500000", "123456.789012", "0.000001"} {
		v, err := ParseAmount(d)
		require.NoError(t, err)
		assert.Equal(t, d, FormatAmount(v, Decimals))
	}
}

func TestNormalize(t *testing.T) {
	t.Run("decimal", func(t *testing.T) {
		v, err := Normalize(Decimal("1.5"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1_500_000), v.Uint64())
	})

	t.Run("float", func(t *testing.T) {
		v, err := Normalize(Float(0.1))
		require.NoError(t, err)
		assert.Equal(t, uint64(100_000), v.Uint64())
	})

	t.Run("units copy", func(t *testing.T) {
		src := uint256.NewInt(42)
		v, err := Normalize(Units(src))
		require.NoError(t, err)
		v.AddUint64(v, 1)
		assert.Equal(t, uint64(42), src.Uint64())
	})

	t.Run("units string", func(t *testing.T) {
		v, err := Normalize(UnitsString("1500000"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1_500_000), v.Uint64())
	})

	invalid := map[string]Input{
		"negative float":  Float(-1),
		"nan":             Float(math.NaN()),
		"inf":             Float(math.Inf(1)),
		"nil units":       Units(nil),
		"fractional wire": UnitsString("1.5"),
		"negative wire":   UnitsString("-5"),
		"zero value":      {},
	}
	for name, in := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(in)
			require.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}
