package eip3009

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testR = "0x" + strings.Repeat("ab", 32)
	testS = "0x" + strings.Repeat("cd", 32)
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name  string
		vByte string
		wantV uint8
	}{
		{"legacy 27", "1b", 27},
		{"legacy 28", "1c", 28},
		{"eip155 0", "00", 27},
		{"eip155 1", "01", 28},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignature(testR + testS[2:] + tt.vByte)
			require.NoError(t, err)
			assert.Equal(t, testR, sig.R)
			assert.Equal(t, testS, sig.S)
			assert.Equal(t, tt.wantV, sig.V)
		})
	}
}

func TestParseSignature_InvalidFormat(t *testing.T) {
	valid := testR + testS[2:] + "1b"
	inputs := map[string]string{
		"empty":        "",
		"no prefix":    valid[2:],
		"short":        valid[:len(valid)-2],
		"long":         valid + "00",
		"non hex":      valid[:len(valid)-1] + "z",
		"uppercase 0X": "0X" + valid[2:],
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSignature(input)
			require.ErrorIs(t, err, ErrInvalidSignatureFormat)
		})
	}
}

func TestCombineSignature(t *testing.T) {
	for _, v := range []uint8{27, 0} {
		compact, err := CombineSignature(testR, testS, v)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(compact, "00"), "v %d should encode as 00, got %s", v, compact[len(compact)-2:])
	}

	for _, v := range []uint8{28, 1} {
		compact, err := CombineSignature(testR, testS, v)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(compact, "01"))
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	for _, vByte := range []string{"1b", "1c", "00", "01"} {
		original := testR + testS[2:] + vByte

		sig, err := ParseSignature(original)
		require.NoError(t, err)

		combined, err := sig.Compact()
		require.NoError(t, err)
		// r and s survive verbatim; only the v byte is renormalised to 0/1.
		assert.Equal(t, original[:130], combined[:130])

		reparsed, err := ParseSignature(combined)
		require.NoError(t, err)
		assert.Equal(t, sig, reparsed)
	}

	mixed := "0x" + strings.Repeat("aB", 32)
	compact, err := CombineSignature(mixed, testS, 28)
	require.NoError(t, err)
	parsed, err := ParseSignature(compact)
	require.NoError(t, err)
	assert.Equal(t, mixed, parsed.R)
	assert.Equal(t, uint8(28), parsed.V)
}

func TestSignatureValidate(t *testing.T) {
	tests := []struct {
		name string
		sig  Signature
		want error
	}{
		{"valid", Signature{R: testR, S: testS, V: 27}, nil},
		{"valid eip155", Signature{R: testR, S: testS, V: 1}, nil},
		{"short r", Signature{R: testR[:64], S: testS, V: 27}, ErrInvalidSignatureR},
		{"missing prefix s", Signature{R: testR, S: testS[2:], V: 27}, ErrInvalidSignatureS},
		{"bad v", Signature{R: testR, S: testS, V: 29}, ErrInvalidSignatureV},
		{"bad v 2", Signature{R: testR, S: testS, V: 2}, ErrInvalidSignatureV},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, ErrInvalidSignatureComponent)
		})
	}

	err := Signature{R: testR, S: testS, V: 29}.Validate()
	assert.NotErrorIs(t, err, ErrInvalidSignatureR)
}

func TestSignatureBytes(t *testing.T) {
	raw, err := Signature{R: testR, S: testS, V: 28}.Bytes()
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Equal(t, byte(1), raw[64])
	assert.Equal(t, byte(0xab), raw[0])
	assert.Equal(t, byte(0xcd), raw[32])
}
