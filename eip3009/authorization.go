// Package eip3009 models EIP-3009 transferWithAuthorization messages: the
// signed authorization, its 65-byte signature, stateless validation and the
// EIP-712 typed data a wallet signs.
package eip3009

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// TransferAuthorization is the message signed by the payer. It can be used
// once, strictly between ValidAfter and ValidBefore.
type TransferAuthorization struct {
	From        string
	To          string
	Value       *uint256.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       string
}

// wireAuthorization carries uint256 fields as decimal strings.
type wireAuthorization struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Value       json.RawMessage `json:"value"`
	ValidAfter  json.RawMessage `json:"validAfter"`
	ValidBefore json.RawMessage `json:"validBefore"`
	Nonce       string          `json:"nonce"`
}

// MarshalJSON encodes value, validAfter and validBefore as decimal strings.
func (a TransferAuthorization) MarshalJSON() ([]byte, error) {
	value := "0"
	if a.Value != nil {
		value = a.Value.Dec()
	}
	return json.Marshal(struct {
		From        string `json:"from"`
		To          string `json:"to"`
		Value       string `json:"value"`
		ValidAfter  string `json:"validAfter"`
		ValidBefore string `json:"validBefore"`
		Nonce       string `json:"nonce"`
	}{
		From:        a.From,
		To:          a.To,
		Value:       value,
		ValidAfter:  strconv.FormatUint(a.ValidAfter, 10),
		ValidBefore: strconv.FormatUint(a.ValidBefore, 10),
		Nonce:       a.Nonce,
	})
}

// UnmarshalJSON accepts decimal strings and, for older clients, bare
// integers. Floating-point numbers are rejected.
func (a *TransferAuthorization) UnmarshalJSON(data []byte) error {
	var w wireAuthorization
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	value, err := decodeUint("value", w.Value)
	if err != nil {
		return err
	}
	validAfter, err := decodeUint("validAfter", w.ValidAfter)
	if err != nil {
		return err
	}
	validBefore, err := decodeUint("validBefore", w.ValidBefore)
	if err != nil {
		return err
	}
	if !validAfter.IsUint64() {
		return fmt.Errorf("validAfter %s out of range", validAfter.Dec())
	}
	if !validBefore.IsUint64() {
		return fmt.Errorf("validBefore %s out of range", validBefore.Dec())
	}

	*a = TransferAuthorization{
		From:        w.From,
		To:          w.To,
		Value:       value,
		ValidAfter:  validAfter.Uint64(),
		ValidBefore: validBefore.Uint64(),
		Nonce:       w.Nonce,
	}
	return nil
}

func decodeUint(field string, raw json.RawMessage) (*uint256.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return new(uint256.Int), nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
	}
	v, err := uint256.FromDecimal(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a uint256 decimal: %w", field, text, err)
	}
	return v, nil
}

// Normalize lowercases the addresses and the nonce.
func (a *TransferAuthorization) Normalize() {
	a.From = NormalizeAddress(a.From)
	a.To = NormalizeAddress(a.To)
	a.Nonce = strings.ToLower(a.Nonce)
}

// NormalizeAddress is the canonical form used for every ledger key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidateAddress checks that addr is 0x followed by 40 hex characters.
func ValidateAddress(field, addr string) error {
	if !addressPattern.MatchString(addr) {
		return newError(CodeInvalidAddress, field, "expected 0x followed by 40 hex characters, got %q", addr)
	}
	return nil
}

// ValidateNonce checks that nonce is 0x followed by 64 hex characters.
func ValidateNonce(nonce string) error {
	if !bytes32Pattern.MatchString(nonce) {
		return newError(CodeInvalidNonceFormat, "nonce", "expected 0x followed by 64 hex characters, got %q", nonce)
	}
	return nil
}

// Validate runs the stateless checks, in order: address format, nonce format,
// signature components, then the validity window. The window is open on both
// ends: now must be strictly after ValidAfter and strictly before ValidBefore.
func Validate(auth TransferAuthorization, sig Signature, now time.Time) error {
	if err := ValidateAddress("from", auth.From); err != nil {
		return err
	}
	if err := ValidateAddress("to", auth.To); err != nil {
		return err
	}
	if err := ValidateNonce(auth.Nonce); err != nil {
		return err
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	if auth.Value == nil {
		return newError(CodeInvalidAmount, "value", "missing")
	}

	ts := now.Unix()
	if ts < 0 || uint64(ts) <= auth.ValidAfter {
		return newError(CodeNotYetValid, "validAfter", "authorization valid after %d, now %d", auth.ValidAfter, ts)
	}
	if uint64(ts) >= auth.ValidBefore {
		return newError(CodeExpired, "validBefore", "authorization valid before %d, now %d", auth.ValidBefore, ts)
	}
	return nil
}

// Payload is the "exact" scheme payload carried in an X-PAYMENT header.
type Payload struct {
	Signature     string                 `json:"signature"`
	Authorization *TransferAuthorization `json:"authorization"`
}

// DecodePayload converts a generic decoded JSON value into a Payload.
func DecodePayload(payload interface{}) (*Payload, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exact payload: %w", err)
	}

	if p.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if p.Authorization == nil {
		return nil, fmt.Errorf("authorization is required")
	}

	auth := p.Authorization
	if auth.From == "" || auth.To == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}

	return &p, nil
}

// Components parses the payload's compact signature.
func (p *Payload) Components() (Signature, error) {
	return ParseSignature(p.Signature)
}
