package x402

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys set by WithPaymentMetadata.
const (
	MetadataPaymentVerified  = "x-payment-verified"
	MetadataPaymentPayer     = "x-payment-payer"
	MetadataPaymentAmount    = "x-payment-amount"
	MetadataPaymentNetwork   = "x-payment-network"
	MetadataPaymentToken     = "x-payment-token"
	MetadataPaymentTxHash    = "x-payment-tx-hash"
	MetadataPaymentSettledAt = "x-payment-settled-at"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		return PaymentMetadata(ctx)
	})
}

// PaymentMetadata renders the payment context in ctx as gRPC metadata.
func PaymentMetadata(ctx context.Context) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set(MetadataPaymentVerified, "true")
	md.Set(MetadataPaymentPayer, payment.PayerAddress)
	md.Set(MetadataPaymentAmount, payment.Amount)
	md.Set(MetadataPaymentNetwork, payment.Network)

	if payment.TokenSymbol != "" {
		md.Set(MetadataPaymentToken, payment.TokenSymbol)
	}

	if payment.TransactionHash != "" {
		md.Set(MetadataPaymentTxHash, payment.TransactionHash)
	}

	if !payment.SettledAt.IsZero() {
		md.Set(MetadataPaymentSettledAt, payment.SettledAt.UTC().Format(time.RFC3339))
	}

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if first(md, MetadataPaymentVerified) != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified:        true,
		PayerAddress:    first(md, MetadataPaymentPayer),
		Amount:          first(md, MetadataPaymentAmount),
		Network:         first(md, MetadataPaymentNetwork),
		TokenSymbol:     first(md, MetadataPaymentToken),
		TransactionHash: first(md, MetadataPaymentTxHash),
	}
	if settled := first(md, MetadataPaymentSettledAt); settled != "" {
		if ts, err := time.Parse(time.RFC3339, settled); err == nil {
			payment.SettledAt = ts
		}
	}

	return payment, true
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}

// HandlePath registers h on mux behind the gate's payment middleware. Path
// parameters reach h unchanged.
func (g *Gate) HandlePath(mux *runtime.ServeMux, method, pattern string, h runtime.HandlerFunc) error {
	return mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h(w, r, pathParams)
		})).ServeHTTP(w, r)
	})
}
