package grpc

import (
	"context"

	"google.golang.org/grpc"

	x402 "github.com/becomeliminal/x402-arcade"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments
// For streaming RPCs, payment is verified BEFORE the stream begins (upfront payment)
// Per-message payment is not supported
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	return StreamGateInterceptor(mustGate(cfg))
}

// StreamGateInterceptor is StreamServerInterceptor over an existing gate.
func StreamGateInterceptor(gate *x402.Gate) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, settlementResult, err := pay(ss.Context(), gate, info.FullMethod)
		if err != nil {
			return err
		}
		if settlementResult == nil {
			return handler(srv, ss)
		}

		wrappedStream := &paymentServerStream{
			ServerStream:     ss,
			ctx:              ctx,
			settlementResult: settlementResult,
		}

		err = handler(srv, wrappedStream)
		if err == nil {
			if trailer, ok := responseTrailer(ctx, settlementResult); ok {
				wrappedStream.SetTrailer(trailer)
			}
		}
		return err
	}
}

// paymentServerStream wraps grpc.ServerStream to provide updated context with payment info
type paymentServerStream struct {
	grpc.ServerStream
	ctx              context.Context
	settlementResult *x402.SettlementResult
}

// Context returns the wrapped context with payment information
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
