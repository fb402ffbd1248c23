package evm

import (
	x402 "github.com/becomeliminal/x402-arcade"
)

// FacilitatorRequest is the body of the facilitator's /verify and /settle
// endpoints.
type FacilitatorRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.Payment             `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// FacilitatorVerifyResponse is the response from /verify
type FacilitatorVerifyResponse struct {
	IsValid       *bool  `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorSettleResponse is the response from /settle
type FacilitatorSettleResponse struct {
	Success         *bool  `json:"success"`
	ErrorReason     string `json:"errorReason,omitempty"`
	Payer           string `json:"payer,omitempty"`
	TransactionHash string `json:"txHash,omitempty"`
	Network         string `json:"network,omitempty"`
}

// FacilitatorSupportedResponse is the response from /supported
type FacilitatorSupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SupportedKind is a scheme and network pair the facilitator settles.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}
