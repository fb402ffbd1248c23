package grpc

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-arcade"
)

func TestEncodeDecodePaymentRequirements(t *testing.T) {
	requirements := []x402.PaymentRequirements{
		{
			X402Version:       1,
			Scheme:            "exact",
			Network:           "cronos-testnet",
			MaxAmountRequired: "1000000",
			Resource:          "/arcade.v1.Arcade/Play",
			Description:       "Test payment",
			Recipient:         "0x2222222222222222222222222222222222222222",
			ValidBefore:       time.Now().Unix() + 300,
			AssetContract:     "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0",
			Metadata: x402.Metadata{
				TokenSymbol:   "devUSDC.e",
				TokenDecimals: 6,
			},
		},
	}

	encoded, err := EncodePaymentRequirements(requirements, "", "")
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if _, err = base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("Not valid base64: %v", err)
	}

	decoded, err := DecodePaymentRequirements(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if decoded.Error != "payment required" {
		t.Errorf("Expected default reason, got %q", decoded.Error)
	}
	if len(decoded.PaymentRequirements) != 1 {
		t.Fatalf("Expected 1 requirement, got %d", len(decoded.PaymentRequirements))
	}

	req := decoded.PaymentRequirements[0]
	if req.Network != "cronos-testnet" {
		t.Errorf("Expected network cronos-testnet, got %s", req.Network)
	}
	if req.MaxAmountRequired != "1000000" {
		t.Errorf("Expected amount 1000000, got %s", req.MaxAmountRequired)
	}

	encoded, err = EncodePaymentRequirements(requirements, "authorization expired", "expired")
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	decoded, err = DecodePaymentRequirements(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.Code != "expired" || decoded.Error != "authorization expired" {
		t.Errorf("Expected reason and code to round trip, got %+v", decoded)
	}
}

func TestEncodeDecodePayment(t *testing.T) {
	payment := &x402.Payment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "cronos-testnet",
		Payload: map[string]interface{}{
			"signature": "0xabc123",
			"authorization": map[string]interface{}{
				"from":  "0x123",
				"to":    "0x456",
				"value": "1000000",
			},
		},
	}

	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if _, err = base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("Not valid base64: %v", err)
	}

	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if decoded.X402Version != 1 {
		t.Errorf("Expected version 1, got %d", decoded.X402Version)
	}
	if decoded.Network != "cronos-testnet" {
		t.Errorf("Expected network cronos-testnet, got %s", decoded.Network)
	}
}

func TestDecodePaymentValidation(t *testing.T) {
	tests := []struct {
		name        string
		payment     map[string]interface{}
		shouldError bool
		errorMsg    string
	}{
		{
			name: "valid payment",
			payment: map[string]interface{}{
				"x402Version": 1,
				"scheme":      "exact",
				"network":     "cronos-testnet",
				"payload": map[string]interface{}{
					"signature": "0x123",
				},
			},
			shouldError: false,
		},
		{
			name: "missing version",
			payment: map[string]interface{}{
				"scheme":  "exact",
				"network": "cronos-testnet",
				"payload": map[string]interface{}{},
			},
			shouldError: true,
			errorMsg:    "x402Version is required",
		},
		{
			name: "missing scheme",
			payment: map[string]interface{}{
				"x402Version": 1,
				"network":     "cronos-testnet",
				"payload":     map[string]interface{}{},
			},
			shouldError: true,
			errorMsg:    "scheme is required",
		},
		{
			name: "missing network",
			payment: map[string]interface{}{
				"x402Version": 1,
				"scheme":      "exact",
				"payload":     map[string]interface{}{},
			},
			shouldError: true,
			errorMsg:    "network is required",
		},
		{
			name: "missing payload",
			payment: map[string]interface{}{
				"x402Version": 1,
				"scheme":      "exact",
				"network":     "cronos-testnet",
			},
			shouldError: true,
			errorMsg:    "payload is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonBytes, _ := json.Marshal(tt.payment)
			encoded := base64.StdEncoding.EncodeToString(jsonBytes)

			_, err := DecodePayment(encoded)

			if tt.shouldError {
				if err == nil {
					t.Errorf("Expected error containing %q, got nil", tt.errorMsg)
				} else if err.Error() != tt.errorMsg {
					t.Errorf("Expected error %q, got %q", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestExtractPaymentFromMetadata(t *testing.T) {
	payment := &x402.Payment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "cronos-testnet",
		Payload:     map[string]interface{}{"test": "data"},
	}

	encoded, _ := EncodePayment(payment)
	md := metadata.Pairs(MetadataKeyPayment, encoded)

	extracted, err := ExtractPaymentFromMetadata(md)
	if err != nil {
		t.Fatalf("Failed to extract: %v", err)
	}

	if extracted.Network != "cronos-testnet" {
		t.Errorf("Expected network cronos-testnet, got %s", extracted.Network)
	}
}

func TestExtractPaymentFromMetadataNotFound(t *testing.T) {
	if _, err := ExtractPaymentFromMetadata(metadata.MD{}); err == nil {
		t.Error("Expected error for missing payment, got nil")
	}
	if _, err := ExtractPaymentRequirementsFromMetadata(metadata.MD{}); err == nil {
		t.Error("Expected error for missing requirements, got nil")
	}
}
