package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-arcade"
)

// Metadata keys carrying x402 values. Values are base64 JSON, the same
// encoding as the HTTP headers.
const (
	MetadataKeyPaymentRequirements = "x402-payment-requirements"
	MetadataKeyPayment             = "x402-payment"
	MetadataKeyPaymentResponse     = "x402-payment-response"
)

// EncodePaymentRequirements renders the 402 body for a status message or
// metadata value. reason and code explain a refused payment and may be empty.
func EncodePaymentRequirements(requirements []x402.PaymentRequirements, reason, code string) (string, error) {
	if reason == "" {
		reason = "payment required"
	}
	return encode("payment requirements", x402.PaymentRequiredResponse{
		Error:               reason,
		Code:                code,
		PaymentRequirements: requirements,
	})
}

// DecodePaymentRequirements parses the message of a RESOURCE_EXHAUSTED
// status or a requirements metadata value.
func DecodePaymentRequirements(encoded string) (*x402.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}
	return &response, nil
}

// EncodePayment is x402.EncodePayment, for clients setting x402-payment.
func EncodePayment(payment *x402.Payment) (string, error) {
	return x402.EncodePayment(payment)
}

// DecodePayment parses and validates an x402-payment value.
func DecodePayment(encoded string) (*x402.Payment, error) {
	return x402.DecodePayment(encoded)
}

// EncodePaymentResponse renders the settlement trailer value.
func EncodePaymentResponse(response *x402.PaymentResponse) (string, error) {
	return encode("payment response", response)
}

// DecodePaymentResponse parses the settlement trailer value.
func DecodePaymentResponse(encoded string) (*x402.PaymentResponse, error) {
	return x402.DecodePaymentResponse(encoded)
}

// ExtractPaymentFromMetadata decodes the payment a client attached to md.
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.Payment, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}
	return DecodePayment(values[0])
}

// ExtractPaymentRequirementsFromMetadata decodes requirements a server
// attached to md.
func ExtractPaymentRequirementsFromMetadata(md metadata.MD) (*x402.PaymentRequiredResponse, error) {
	values := md.Get(MetadataKeyPaymentRequirements)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment requirements found in metadata")
	}
	return DecodePaymentRequirements(values[0])
}

func encode(what string, v interface{}) (string, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}
