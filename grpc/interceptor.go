// Package grpc enforces x402 payments on native gRPC services. Payments
// travel in the x402-payment metadata key; a missing or refused payment is
// answered with RESOURCE_EXHAUSTED carrying the base64 requirements.
package grpc

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-arcade"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments
// It implements the x402 protocol flow using gRPC metadata for payment signaling
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	return UnaryGateInterceptor(mustGate(cfg))
}

// UnaryGateInterceptor is UnaryServerInterceptor over an existing gate, so
// HTTP and gRPC traffic share rate limits and in-flight tracking.
func UnaryGateInterceptor(gate *x402.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, settlementResult, err := pay(ctx, gate, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if settlementResult == nil {
			// No payment required
			return handler(ctx, req)
		}

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		if trailer, ok := responseTrailer(ctx, settlementResult); ok {
			grpc.SetTrailer(ctx, trailer)
		}
		return resp, nil
	}
}

// pay runs the payment flow for fullMethod. A nil settlement result with a
// nil error means the method is free.
func pay(ctx context.Context, gate *x402.Gate, fullMethod string) (context.Context, *x402.SettlementResult, error) {
	cfg := gate.Config()

	rule, requiresPayment := cfg.MatchMethod(fullMethod)
	if !requiresPayment {
		return ctx, nil, nil
	}

	requirements, err := gate.Requirements(rule, fullMethod)
	if err != nil {
		return ctx, nil, status.Error(codes.Internal, fmt.Sprintf("failed to build payment requirements: %v", err))
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, nil, paymentRequired(requirements, "", "")
	}

	paymentValues := md.Get(MetadataKeyPayment)
	if len(paymentValues) == 0 {
		return ctx, nil, paymentRequired(requirements, "", "")
	}

	payment, err := DecodePayment(paymentValues[0])
	if err != nil {
		return ctx, nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid payment: %v", err))
	}

	paymentCtx, settlementResult, err := gate.Process(ctx, payment, requirements)
	if err != nil {
		return ctx, nil, statusFromError(requirements, err)
	}

	return context.WithValue(ctx, x402.PaymentContextKey, paymentCtx), settlementResult, nil
}

// statusFromError maps a gate failure onto a gRPC status.
func statusFromError(requirements []x402.PaymentRequirements, err error) error {
	switch x402.HTTPStatus(err) {
	case http.StatusPaymentRequired:
		return paymentRequired(requirements, err.Error(), x402.ErrorCode(err))
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusConflict:
		return status.Error(codes.Aborted, err.Error())
	case http.StatusTooManyRequests, http.StatusBadGateway:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// paymentRequired returns a RESOURCE_EXHAUSTED status whose message is the
// base64 JSON PaymentRequiredResponse, following Google Cloud's precedent of
// RESOURCE_EXHAUSTED for billing and quota enforcement.
func paymentRequired(requirements []x402.PaymentRequirements, reason, code string) error {
	encoded, err := EncodePaymentRequirements(requirements, reason, code)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func responseTrailer(ctx context.Context, settlementResult *x402.SettlementResult) (metadata.MD, bool) {
	paymentResponse := x402.PaymentResponse{
		TransactionHash: settlementResult.TransactionHash,
		Status:          settlementResult.Status,
	}
	if payment, ok := GetPaymentFromContext(ctx); ok {
		paymentResponse.Network = payment.Network
		paymentResponse.Payer = payment.PayerAddress
	}

	encoded, err := EncodePaymentResponse(&paymentResponse)
	if err != nil {
		// The payment succeeded; a missing trailer must not fail the call.
		return nil, false
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded), true
}

func mustGate(cfg x402.Config) *x402.Gate {
	gate, err := x402.NewGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return gate
}

// GetPaymentFromContext extracts payment information from the gRPC context
// This can be used in gRPC service handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
