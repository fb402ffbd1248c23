package x402

import (
	"context"
	"time"
)

// SchemeExact is the x402 scheme carrying an EIP-3009 transfer authorization.
const SchemeExact = "exact"

// Payment is the decoded X-PAYMENT header (or x402-payment metadata value).
// Payload holds the scheme payload as generic JSON with numbers kept as
// json.Number; eip3009.DecodePayload types it.
type Payment struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     interface{} `json:"payload"`
}

// PaymentRequirements is one way to pay for a resource. MaxAmountRequired is
// in base units; ValidBefore caps the authorization's validBefore.
type PaymentRequirements struct {
	X402Version       int      `json:"x402Version"`
	Scheme            string   `json:"scheme"`
	Network           string   `json:"network"`
	MaxAmountRequired string   `json:"maxAmountRequired"`
	Resource          string   `json:"resource"`
	Description       string   `json:"description,omitempty"`
	MimeType          string   `json:"mimeType,omitempty"`
	Recipient         string   `json:"recipient"`
	ValidBefore       int64    `json:"validBefore"`
	AssetContract     string   `json:"assetContract"`
	Metadata          Metadata `json:"metadata,omitempty"`
}

// Metadata names the EIP-712 domain (TokenName, TokenVersion, ChainID and
// the requirement's AssetContract) the payer signs under.
type Metadata struct {
	TokenSymbol   string `json:"tokenSymbol,omitempty"`
	TokenName     string `json:"tokenName,omitempty"`
	TokenVersion  string `json:"tokenVersion,omitempty"`
	TokenDecimals int    `json:"tokenDecimals,omitempty"`
	ChainID       int64  `json:"chainId,omitempty"`
}

// PaymentRequiredResponse is the 402 body. Code is set when an offered
// payment was refused.
type PaymentRequiredResponse struct {
	Error               string                `json:"error"`
	Code                string                `json:"code,omitempty"`
	PaymentRequirements []PaymentRequirements `json:"paymentRequirements"`
}

// VerificationResult is a verifier's verdict. Reason is set when Valid is false.
type VerificationResult struct {
	Valid        bool
	Reason       string
	PayerAddress string
	Amount       string
	TokenSymbol  string
}

// SettlementResult describes a recorded transfer.
type SettlementResult struct {
	TransactionHash  string
	Status           string
	SettledAt        time.Time
	Amount           string
	PayerAddress     string
	RecipientAddress string
	Network          string
}

// PaymentResponse is the X-PAYMENT-RESPONSE receipt.
type PaymentResponse struct {
	TransactionHash string `json:"transactionHash,omitempty"`
	Status          string `json:"status"`
	Network         string `json:"network,omitempty"`
	Payer           string `json:"payer,omitempty"`
	Message         string `json:"message,omitempty"`
}

// NetworkInfo is a network a verifier settles on. CAIP2 and Asset are empty
// when the facilitator names a network this build has no descriptor for.
type NetworkInfo struct {
	Network        string
	CAIP2          string
	ChainID        string
	NativeCurrency string
	Asset          string
}

// ChainVerifier checks and settles payments. Both calls receive the
// requirement the payment was matched against.
type ChainVerifier interface {
	// Verify checks a payment without moving funds.
	Verify(ctx context.Context, payment *Payment, requirements *PaymentRequirements) (*VerificationResult, error)

	// Settle moves the funds. It must re-check everything Verify checked.
	Settle(ctx context.Context, payment *Payment, requirements *PaymentRequirements) (*SettlementResult, error)

	SupportedNetworks() []NetworkInfo
}

// PaymentContext is the settled payment a paid handler runs under.
type PaymentContext struct {
	Verified        bool
	PayerAddress    string
	Amount          string
	TokenSymbol     string
	Network         string
	TransactionHash string
	SettledAt       time.Time
}

type contextKey string

const (
	// PaymentContextKey holds the *PaymentContext of a settled request.
	PaymentContextKey contextKey = "x402-payment"
)
