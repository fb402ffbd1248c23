package eip3009

import (
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var compactSignaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

// Signature holds the components of a 65-byte secp256k1 signature.
// V uses the legacy 27/28 convention once parsed.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// ParseSignature splits a compact 0x-prefixed 65-byte signature into r, s
// and v. A recovery id below 27 is shifted into the 27/28 range.
func ParseSignature(compact string) (Signature, error) {
	if !compactSignaturePattern.MatchString(compact) {
		return Signature{}, newError(CodeInvalidSignatureFormat, "signature",
			"expected 0x followed by 130 hex characters, got %d characters", len(compact))
	}

	raw, err := hexutil.Decode(compact)
	if err != nil {
		return Signature{}, &Error{Code: CodeInvalidSignatureFormat, Field: "signature", Cause: err}
	}

	v := raw[64]
	if v < 27 {
		v += 27
	}
	return Signature{
		R: "0x" + compact[2:66],
		S: "0x" + compact[66:130],
		V: v,
	}, nil
}

// CombineSignature encodes r, s and v as a compact signature. V is written
// as 0/1, so parse(combine(...)) returns 27/28 while combine(parse(...))
// rewrites a 27/28 byte to 0/1.
func CombineSignature(r, s string, v uint8) (string, error) {
	sig := Signature{R: r, S: s, V: v}
	if err := sig.Validate(); err != nil {
		return "", err
	}
	return "0x" + r[2:] + s[2:] + fmt.Sprintf("%02x", recoveryID(v)), nil
}

// Compact is CombineSignature applied to s.
func (s Signature) Compact() (string, error) {
	return CombineSignature(s.R, s.S, s.V)
}

// Validate checks that r and s are 32-byte hex values and that v is one of
// 27, 28, 0 or 1.
func (s Signature) Validate() error {
	if !bytes32Pattern.MatchString(s.R) {
		return newError(CodeInvalidSignatureComponent, "r", "expected 0x followed by 64 hex characters, got %q", s.R)
	}
	if !bytes32Pattern.MatchString(s.S) {
		return newError(CodeInvalidSignatureComponent, "s", "expected 0x followed by 64 hex characters, got %q", s.S)
	}
	switch s.V {
	case 27, 28, 0, 1:
	default:
		return newError(CodeInvalidSignatureComponent, "v", "expected one of 27, 28, 0, 1, got %d", s.V)
	}
	return nil
}

// Bytes returns the 65-byte [R || S || V] form with V as 0/1, the layout
// expected by secp256k1 public key recovery.
func (s Signature) Bytes() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 65)
	out = append(out, hexutil.MustDecode(s.R)...)
	out = append(out, hexutil.MustDecode(s.S)...)
	return append(out, recoveryID(s.V)), nil
}

func recoveryID(v uint8) uint8 {
	if v >= 27 {
		return v - 27
	}
	return v
}
