package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements
// It integrates seamlessly with grpc-gateway and returns standard http.Handler middleware
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	gate, err := NewGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return gate.Middleware
}

// Middleware enforces payment on the routes priced in the gate's config.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rule, requiresPayment := g.cfg.MatchEndpoint(r.URL.Path)
		if !requiresPayment {
			next.ServeHTTP(w, r)
			return
		}

		requirements, err := g.Requirements(rule, r.URL.Path)
		if err != nil {
			sendError(w, http.StatusInternalServerError, ErrCodeInvalidConfig, err.Error())
			return
		}

		xPayment := r.Header.Get(HeaderPayment)
		if xPayment == "" {
			sendPaymentRequired(w, r, requirements, &g.cfg, "Payment required", "")
			return
		}

		payment, err := DecodePayment(xPayment)
		if err != nil {
			sendError(w, http.StatusBadRequest, ErrCodeInvalidPayment, fmt.Sprintf("Invalid X-PAYMENT header: %v", err))
			return
		}

		paymentCtx, settlementResult, err := g.Process(ctx, payment, requirements)
		if err != nil {
			writePaymentError(w, r, requirements, &g.cfg, err)
			return
		}

		ctx = context.WithValue(ctx, PaymentContextKey, paymentCtx)

		paymentResponse := PaymentResponse{
			TransactionHash: settlementResult.TransactionHash,
			Status:          settlementResult.Status,
			Network:         payment.Network,
			Payer:           paymentCtx.PayerAddress,
		}
		if responseJSON, err := json.Marshal(paymentResponse); err == nil {
			w.Header().Set(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(responseJSON))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writePaymentError(w http.ResponseWriter, r *http.Request, requirements []PaymentRequirements, cfg *Config, err error) {
	status := HTTPStatus(err)
	code := ErrorCode(err)

	switch status {
	case http.StatusPaymentRequired:
		sendPaymentRequired(w, r, requirements, cfg, err.Error(), code)
		return
	case http.StatusTooManyRequests:
		var pe *PaymentError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			secs := int64(math.Ceil(pe.RetryAfter.Seconds()))
			if pe.RetryAfter > 24*time.Hour {
				secs = int64((24 * time.Hour).Seconds())
			}
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	case http.StatusInternalServerError, http.StatusBadGateway:
		cfg.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("payment processing failed")
	}
	sendError(w, status, code, err.Error())
}

// sendPaymentRequired sends a 402 Payment Required response
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, requirements []PaymentRequirements, cfg *Config, reason, code string) {
	// Browsers get the custom paywall when there is one
	if cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.CustomPaywallHTML))
		return
	}

	response := PaymentRequiredResponse{
		Error:               reason,
		Code:                code,
		PaymentRequirements: requirements,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

// DecodePayment decodes and validates an X-PAYMENT header
func DecodePayment(xPaymentHeader string) (*Payment, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(xPaymentHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	// Numbers stay json.Number so uint256 fields sent as bare integers keep
	// every digit.
	var payment Payment
	dec := json.NewDecoder(bytes.NewReader(payloadBytes))
	dec.UseNumber()
	if err := dec.Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if err := ValidatePayment(&payment); err != nil {
		return nil, err
	}

	return &payment, nil
}

// ValidatePayment checks the envelope fields every transport requires.
func ValidatePayment(payment *Payment) error {
	if payment.X402Version == 0 {
		return fmt.Errorf("x402Version is required")
	}

	if payment.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}

	if payment.Network == "" {
		return fmt.Errorf("network is required")
	}

	if payment.Payload == nil {
		return fmt.Errorf("payload is required")
	}

	return nil
}

// GetPaymentFromContext extracts payment information from the request context
// This can be used in gRPC handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// EncodePayment encodes a Payment struct to X-PAYMENT header format (base64 JSON)
// Useful for testing and client implementations
func EncodePayment(payment *Payment) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header
func DecodePaymentResponse(xPaymentResponse string) (*PaymentResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(xPaymentResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements is a helper to extract payment requirements from a 402 response
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

// isBrowserRequest detects if the request is from a web browser based on User-Agent
func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
