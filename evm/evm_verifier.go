// Package evm provides ChainVerifier backends for EVM chains: EVMVerifier
// delegates settlement to a remote facilitator, LocalVerifier settles against
// an in-process ledger.
package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	x402 "github.com/becomeliminal/x402-arcade"
	"github.com/becomeliminal/x402-arcade/eip3009"
)

// EVMVerifier implements ChainVerifier for EVM-compatible chains using a
// facilitator. Stateless checks run locally before the facilitator is called.
type EVMVerifier struct {
	facilitator *FacilitatorClient
	networks    []x402.NetworkInfo
	now         func() time.Time
}

// NewEVMVerifier creates a verifier for the facilitator at facilitatorURL,
// fetching the networks it supports.
func NewEVMVerifier(facilitatorURL string, opts ...FacilitatorOption) (*EVMVerifier, error) {
	client := NewFacilitatorClient(facilitatorURL, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	supported, err := client.GetSupported(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch supported networks: %w", err)
	}

	networks := make([]x402.NetworkInfo, 0, len(supported.Kinds))
	for _, k := range supported.Kinds {
		if n, ok := LookupNetwork(k.Network); ok {
			networks = append(networks, n.Info())
			continue
		}
		networks = append(networks, x402.NetworkInfo{Network: k.Network})
	}

	return &EVMVerifier{
		facilitator: client,
		networks:    networks,
		now:         time.Now,
	}, nil
}

// Facilitator returns the underlying client, for health probes.
func (v *EVMVerifier) Facilitator() *FacilitatorClient {
	return v.facilitator
}

// Verify checks if a payment is valid without settling it
func (v *EVMVerifier) Verify(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if payment.X402Version != 1 {
		return &x402.VerificationResult{
			Valid:  false,
			Reason: fmt.Sprintf("unsupported x402 version: %d", payment.X402Version),
		}, nil
	}

	if payment.Scheme != x402.SchemeExact {
		return &x402.VerificationResult{
			Valid:  false,
			Reason: fmt.Sprintf("unsupported scheme: %s", payment.Scheme),
		}, nil
	}

	payload, sig, err := decodePayment(payment)
	if err != nil {
		return nil, err
	}
	if err := eip3009.Validate(*payload.Authorization, sig, v.now()); err != nil {
		return nil, err
	}
	if err := checkRequirements(payload.Authorization, requirements); err != nil {
		return nil, err
	}

	verifyResp, err := v.facilitator.Verify(ctx, &FacilitatorRequest{
		X402Version:         payment.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementFailed, "facilitator verification failed", err)
	}

	return &x402.VerificationResult{
		Valid:        *verifyResp.IsValid,
		Reason:       verifyResp.InvalidReason,
		PayerAddress: eip3009.NormalizeAddress(payload.Authorization.From),
		Amount:       payload.Authorization.Value.Dec(),
		TokenSymbol:  requirements.Metadata.TokenSymbol,
	}, nil
}

// Settle executes the payment on-chain and returns settlement details
func (v *EVMVerifier) Settle(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	payload, sig, err := decodePayment(payment)
	if err != nil {
		return nil, err
	}
	if err := eip3009.Validate(*payload.Authorization, sig, v.now()); err != nil {
		return nil, err
	}

	settleResp, err := v.facilitator.Settle(ctx, &FacilitatorRequest{
		X402Version:         payment.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator settlement failed: %w", err)
	}
	if !*settleResp.Success {
		return nil, x402.NewPaymentError(x402.ErrCodeVerificationFailed, settleResp.ErrorReason, nil)
	}

	network := settleResp.Network
	if network == "" {
		network = payment.Network
	}
	auth := payload.Authorization
	return &x402.SettlementResult{
		TransactionHash:  settleResp.TransactionHash,
		Status:           "success",
		SettledAt:        v.now().UTC(),
		Amount:           auth.Value.Dec(),
		PayerAddress:     eip3009.NormalizeAddress(auth.From),
		RecipientAddress: eip3009.NormalizeAddress(auth.To),
		Network:          network,
	}, nil
}

// SupportedNetworks returns the list of EVM networks this verifier supports
func (v *EVMVerifier) SupportedNetworks() []x402.NetworkInfo {
	return v.networks
}

func decodePayment(payment *x402.Payment) (*eip3009.Payload, eip3009.Signature, error) {
	payload, err := eip3009.DecodePayload(payment.Payload)
	if err != nil {
		return nil, eip3009.Signature{}, x402.NewPaymentError(x402.ErrCodeInvalidPayment, "invalid exact payload", err)
	}
	sig, err := payload.Components()
	if err != nil {
		return nil, eip3009.Signature{}, err
	}
	return payload, sig, nil
}

// checkRequirements rejects an authorization that pays the wrong recipient or
// less than the advertised amount.
func checkRequirements(auth *eip3009.TransferAuthorization, requirements *x402.PaymentRequirements) error {
	if err := eip3009.ValidateAddress("to", auth.To); err != nil {
		return err
	}
	if eip3009.NormalizeAddress(auth.To) != eip3009.NormalizeAddress(requirements.Recipient) {
		return x402.NewPaymentError(x402.ErrCodeRecipientMismatch,
			fmt.Sprintf("authorization pays %s, expected %s", auth.To, requirements.Recipient), nil)
	}

	required, err := uint256.FromDecimal(requirements.MaxAmountRequired)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeInvalidConfig, "advertised amount is not a decimal integer", err)
	}
	if auth.Value.Lt(required) {
		return x402.NewPaymentError(x402.ErrCodeInsufficientAmount,
			fmt.Sprintf("authorization value %s below required %s", auth.Value.Dec(), required.Dec()), nil)
	}
	return nil
}
