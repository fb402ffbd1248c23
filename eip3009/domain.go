package eip3009

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/becomeliminal/x402-arcade/usdc"
)

// PrimaryType is the EIP-712 primary type signed for a transfer.
const PrimaryType = "TransferWithAuthorization"

// DefaultValiditySeconds is how long a built message stays valid when no
// explicit ValidBefore is given.
const DefaultValiditySeconds = 3600

// Types are the EIP-712 type definitions for TransferWithAuthorization.
var Types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Domain is the EIP-712 signing domain of the token contract. It binds a
// signature to one contract on one chain.
type Domain struct {
	Name              string `json:"name" yaml:"name" toml:"name"`
	Version           string `json:"version" yaml:"version" toml:"version"`
	ChainID           int64  `json:"chainId" yaml:"chain_id" toml:"chain_id"`
	VerifyingContract string `json:"verifyingContract" yaml:"verifying_contract" toml:"verifying_contract"`
}

// BuildDomain returns the signing domain for a token deployment.
func BuildDomain(name, version string, chainID int64, verifyingContract string) Domain {
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

func (d Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
		VerifyingContract: d.VerifyingContract,
	}
}

// TypedData is the {domain, types, primaryType, message} payload handed to
// a wallet's eth_signTypedData_v4.
func (d Domain) TypedData(msg TransferAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       Types,
		PrimaryType: PrimaryType,
		Domain:      d.typedDataDomain(),
		Message:     MessageFields(msg),
	}
}

// MessageFields renders msg for typed-data signing. uint256 fields are
// decimal strings so they survive JSON transport without precision loss.
func MessageFields(msg TransferAuthorization) apitypes.TypedDataMessage {
	value := "0"
	if msg.Value != nil {
		value = msg.Value.Dec()
	}
	return apitypes.TypedDataMessage{
		"from":        msg.From,
		"to":          msg.To,
		"value":       value,
		"validAfter":  strconv.FormatUint(msg.ValidAfter, 10),
		"validBefore": strconv.FormatUint(msg.ValidBefore, 10),
		"nonce":       msg.Nonce,
	}
}

// Hash returns the EIP-712 digest of msg under domain.
func Hash(domain Domain, msg TransferAuthorization) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(domain.TypedData(msg))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// RecoverSigner returns the lowercase address that produced sig over msg.
func RecoverSigner(domain Domain, msg TransferAuthorization, sig Signature) (string, error) {
	digest, err := Hash(domain, msg)
	if err != nil {
		return "", err
	}
	raw, err := sig.Bytes()
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return "", fmt.Errorf("recover pubkey: %w", err)
	}
	return NormalizeAddress(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySigner checks that sig over msg was produced by msg.From.
func VerifySigner(domain Domain, msg TransferAuthorization, sig Signature) error {
	signer, err := RecoverSigner(domain, msg, sig)
	if err != nil {
		return &Error{Code: CodeSignerMismatch, Field: "signature", Message: "signer could not be recovered", Cause: err}
	}
	if signer != NormalizeAddress(msg.From) {
		return newError(CodeSignerMismatch, "from", "signature recovers to %s, authorization is from %s", signer, NormalizeAddress(msg.From))
	}
	return nil
}

// MessageOption adjusts BuildMessage defaults.
type MessageOption func(*messageOptions)

type messageOptions struct {
	validAfter      uint64
	validBefore     *uint64
	validitySeconds uint64
	now             func() time.Time
}

// WithValidAfter sets the start of the validity window.
func WithValidAfter(ts uint64) MessageOption {
	return func(o *messageOptions) { o.validAfter = ts }
}

// WithValidBefore sets the end of the validity window explicitly.
func WithValidBefore(ts uint64) MessageOption {
	return func(o *messageOptions) { o.validBefore = &ts }
}

// WithValiditySeconds sets ValidBefore to now plus seconds when no explicit
// ValidBefore is given.
func WithValiditySeconds(seconds uint64) MessageOption {
	return func(o *messageOptions) { o.validitySeconds = seconds }
}

// WithClock overrides the time source used for the default ValidBefore.
func WithClock(now func() time.Time) MessageOption {
	return func(o *messageOptions) { o.now = now }
}

// BuildMessage assembles a TransferAuthorization. ValidAfter defaults to 0
// and ValidBefore to now + 3600 seconds.
func BuildMessage(from, to string, value usdc.Input, nonce string, opts ...MessageOption) (TransferAuthorization, error) {
	o := messageOptions{
		validitySeconds: DefaultValiditySeconds,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	units, err := usdc.Normalize(value)
	if err != nil {
		return TransferAuthorization{}, &Error{Code: CodeInvalidAmount, Field: "value", Cause: err}
	}

	validBefore := uint64(o.now().Unix()) + o.validitySeconds
	if o.validBefore != nil {
		validBefore = *o.validBefore
	}

	return TransferAuthorization{
		From:        from,
		To:          to,
		Value:       units,
		ValidAfter:  o.validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

// Signer is a wallet capable of signing EIP-712 typed data. It returns a
// compact 65-byte signature.
type Signer interface {
	Address() string
	SignTypedData(ctx context.Context, data apitypes.TypedData) (string, error)
}

// KeySigner signs with an in-process secp256k1 key. It backs the developer
// CLI and tests; production wallets sign client side.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// KeySignerFromHex parses a hex private key, with or without 0x.
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address returns the lowercase address of the key.
func (s *KeySigner) Address() string {
	return NormalizeAddress(crypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

// SignTypedData signs data and returns the signature with v as 27/28, the
// form wallets emit.
func (s *KeySigner) SignTypedData(_ context.Context, data apitypes.TypedData) (string, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// SignAuthorization signs msg under domain with signer and returns the parsed
// components.
func SignAuthorization(ctx context.Context, signer Signer, domain Domain, msg TransferAuthorization) (Signature, error) {
	compact, err := signer.SignTypedData(ctx, domain.TypedData(msg))
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(compact)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
