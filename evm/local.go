package evm

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-arcade"
	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/settlement"
)

// LocalVerifier settles payments against an in-process settlement engine,
// standing in for the token contract on one network.
type LocalVerifier struct {
	engine  *settlement.Engine
	network Network
}

// NewLocalVerifier returns a verifier accepting payments on network.
func NewLocalVerifier(engine *settlement.Engine, network Network) *LocalVerifier {
	return &LocalVerifier{engine: engine, network: network}
}

// Verify runs every settlement check without moving funds.
func (v *LocalVerifier) Verify(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	payload, sig, err := v.prepare(payment, requirements)
	if err != nil {
		return nil, err
	}
	if err := v.engine.Verify(ctx, *payload.Authorization, sig); err != nil {
		return nil, err
	}

	return &x402.VerificationResult{
		Valid:        true,
		PayerAddress: eip3009.NormalizeAddress(payload.Authorization.From),
		Amount:       payload.Authorization.Value.Dec(),
		TokenSymbol:  v.engine.Token().Symbol,
	}, nil
}

// Settle applies the transfer to the ledger.
func (v *LocalVerifier) Settle(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	payload, sig, err := v.prepare(payment, requirements)
	if err != nil {
		return nil, err
	}

	receipt, err := v.engine.Settle(ctx, *payload.Authorization, sig)
	if err != nil {
		return nil, err
	}

	return &x402.SettlementResult{
		TransactionHash:  receipt.TransactionHash,
		Status:           receipt.Status,
		SettledAt:        receipt.SettledAt,
		Amount:           receipt.Value.Dec(),
		PayerAddress:     receipt.From,
		RecipientAddress: receipt.To,
		Network:          v.network.Name,
	}, nil
}

// SupportedNetworks returns the single network this verifier settles on.
func (v *LocalVerifier) SupportedNetworks() []x402.NetworkInfo {
	return []x402.NetworkInfo{v.network.Info()}
}

func (v *LocalVerifier) prepare(payment *x402.Payment, requirements *x402.PaymentRequirements) (*eip3009.Payload, eip3009.Signature, error) {
	if !v.network.Matches(payment.Network) {
		return nil, eip3009.Signature{}, x402.NewPaymentError(x402.ErrCodeNetworkNotSupported,
			fmt.Sprintf("network %q is not settled here", payment.Network), nil)
	}

	payload, sig, err := decodePayment(payment)
	if err != nil {
		return nil, eip3009.Signature{}, err
	}
	if err := checkRequirements(payload.Authorization, requirements); err != nil {
		return nil, eip3009.Signature{}, err
	}
	return payload, sig, nil
}
