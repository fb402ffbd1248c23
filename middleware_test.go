package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/metadata"

	"github.com/becomeliminal/x402-arcade/eip3009"
)

const testPayer = "0x1111111111111111111111111111111111111111"

// MockVerifier is a mock implementation of ChainVerifier for testing
type MockVerifier struct {
	VerifyFunc func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*VerificationResult, error)
	SettleFunc func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*SettlementResult, error)
}

func (m *MockVerifier) Verify(ctx context.Context, payment *Payment, req *PaymentRequirements) (*VerificationResult, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, payment, req)
	}
	return &VerificationResult{Valid: true, PayerAddress: testPayer, Amount: req.MaxAmountRequired}, nil
}

func (m *MockVerifier) Settle(ctx context.Context, payment *Payment, req *PaymentRequirements) (*SettlementResult, error) {
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, payment, req)
	}
	return &SettlementResult{TransactionHash: "0xtxhash", Status: "success"}, nil
}

func (m *MockVerifier) SupportedNetworks() []NetworkInfo {
	return []NetworkInfo{
		{Network: "cronos-testnet", CAIP2: "eip155:338", ChainID: "338"},
	}
}

func paidConfig(verifier ChainVerifier) Config {
	return Config{
		Verifier: verifier,
		EndpointPricing: map[string]PricingRule{
			"/v1/paid": {
				Amount:         "1.00",
				Description:    "Premium content",
				AcceptedTokens: []TokenRequirement{testToken()},
			},
		},
	}
}

func testPayment(nonce string) Payment {
	return Payment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "cronos-testnet",
		Payload: map[string]interface{}{
			"signature": "0xsig",
			"authorization": map[string]interface{}{
				"from":        testPayer,
				"to":          testRecipient,
				"value":       "1000000",
				"validAfter":  0,
				"validBefore": 9999999999,
				"nonce":       nonce,
			},
		},
	}
}

func paidRequest(t *testing.T, payment Payment) *http.Request {
	t.Helper()
	xPayment, err := EncodePayment(&payment)
	if err != nil {
		t.Fatalf("failed to encode payment: %v", err)
	}
	req := httptest.NewRequest("GET", "/v1/paid", nil)
	req.Header.Set(HeaderPayment, xPayment)
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})
}

func TestPaymentMiddleware_NoPaymentRequired(t *testing.T) {
	handler := PaymentMiddleware(paidConfig(&MockVerifier{}))(okHandler())

	req := httptest.NewRequest("GET", "/v1/free", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	if w.Body.String() != "success" {
		t.Errorf("expected body 'success', got %s", w.Body.String())
	}
}

func TestPaymentMiddleware_MissingPayment(t *testing.T) {
	handler := PaymentMiddleware(paidConfig(&MockVerifier{}))(okHandler())

	req := httptest.NewRequest("GET", "/v1/paid", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}

	var response PaymentRequiredResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Error == "" {
		t.Error("expected error message")
	}

	if len(response.PaymentRequirements) == 0 {
		t.Fatal("expected payment requirements")
	}

	req1 := response.PaymentRequirements[0]
	if req1.MaxAmountRequired != "1000000" {
		t.Errorf("expected amount 1000000, got %s", req1.MaxAmountRequired)
	}

	if req1.AssetContract != testAsset {
		t.Errorf("expected asset contract %s, got %s", testAsset, req1.AssetContract)
	}
}

func TestPaymentMiddleware_BrowserPaywall(t *testing.T) {
	config := paidConfig(&MockVerifier{})
	config.CustomPaywallHTML = "<html>insert coin</html>"
	handler := PaymentMiddleware(config)(okHandler())

	req := httptest.NewRequest("GET", "/v1/paid", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}
	if w.Body.String() != "<html>insert coin</html>" {
		t.Errorf("expected paywall html, got %s", w.Body.String())
	}
}

func TestPaymentMiddleware_ValidPayment(t *testing.T) {
	var seenRequirement *PaymentRequirements
	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*VerificationResult, error) {
			seenRequirement = req
			return &VerificationResult{
				Valid:        true,
				PayerAddress: testPayer,
				Amount:       "1000000",
				TokenSymbol:  "devUSDC.e",
			}, nil
		},
		SettleFunc: func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*SettlementResult, error) {
			return &SettlementResult{
				TransactionHash:  "0xtxhash123",
				Status:           "success",
				Amount:           "1000000",
				PayerAddress:     testPayer,
				RecipientAddress: testRecipient,
			}, nil
		},
	}

	var capturedPayment *PaymentContext
	handler := PaymentMiddleware(paidConfig(verifier))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment, ok := GetPaymentFromContext(r.Context())
		if !ok {
			t.Error("payment context not found")
		}
		capturedPayment = payment
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, paidRequest(t, testPayment("0xnonce")))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if capturedPayment == nil {
		t.Fatal("payment context was not captured")
	}

	if !capturedPayment.Verified {
		t.Error("payment should be verified")
	}

	if capturedPayment.PayerAddress != testPayer {
		t.Errorf("expected payer %s, got %s", testPayer, capturedPayment.PayerAddress)
	}

	if capturedPayment.TransactionHash != "0xtxhash123" {
		t.Errorf("expected tx hash 0xtxhash123, got %s", capturedPayment.TransactionHash)
	}

	if seenRequirement == nil || seenRequirement.Recipient != testRecipient {
		t.Errorf("verifier did not receive the matched requirement: %+v", seenRequirement)
	}

	response, err := DecodePaymentResponse(w.Header().Get(HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("failed to decode X-PAYMENT-RESPONSE: %v", err)
	}
	if response.TransactionHash != "0xtxhash123" || response.Payer != testPayer {
		t.Errorf("unexpected payment response %+v", response)
	}
}

func TestPaymentMiddleware_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		verifyErr  error
		settleErr  error
		invalid    string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "expired authorization",
			verifyErr:  &eip3009.Error{Code: eip3009.CodeExpired, Field: "validBefore"},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   string(eip3009.CodeExpired),
		},
		{
			name:       "malformed nonce",
			verifyErr:  &eip3009.Error{Code: eip3009.CodeInvalidNonceFormat, Field: "nonce"},
			wantStatus: http.StatusBadRequest,
			wantCode:   string(eip3009.CodeInvalidNonceFormat),
		},
		{
			name:       "replayed nonce at settlement",
			settleErr:  &eip3009.Error{Code: eip3009.CodeNonceAlreadyUsed, Field: "nonce"},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   string(eip3009.CodeNonceAlreadyUsed),
		},
		{
			name:       "recipient mismatch",
			verifyErr:  NewPaymentError(ErrCodeRecipientMismatch, "pays the wrong recipient", nil),
			wantStatus: http.StatusPaymentRequired,
			wantCode:   ErrCodeRecipientMismatch,
		},
		{
			name:       "invalid verification result",
			invalid:    "amount too low",
			wantStatus: http.StatusPaymentRequired,
			wantCode:   ErrCodeVerificationFailed,
		},
		{
			name:       "facilitator down",
			settleErr:  fmt.Errorf("connection refused"),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeSettlementFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &MockVerifier{
				VerifyFunc: func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*VerificationResult, error) {
					if tt.verifyErr != nil {
						return nil, tt.verifyErr
					}
					return &VerificationResult{Valid: tt.invalid == "", Reason: tt.invalid, PayerAddress: testPayer}, nil
				},
				SettleFunc: func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*SettlementResult, error) {
					if tt.settleErr != nil {
						return nil, tt.settleErr
					}
					return &SettlementResult{TransactionHash: "0xtx", Status: "success"}, nil
				},
			}

			handler := PaymentMiddleware(paidConfig(verifier))(okHandler())
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, paidRequest(t, testPayment("0xnonce")))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}

			var body struct {
				Code string `json:"code"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, body.Code)
			}
		})
	}
}

func TestPaymentMiddleware_InvalidHeader(t *testing.T) {
	handler := PaymentMiddleware(paidConfig(&MockVerifier{}))(okHandler())

	req := httptest.NewRequest("GET", "/v1/paid", nil)
	req.Header.Set(HeaderPayment, "not base64!")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	unsupported := testPayment("0xnonce")
	unsupported.Network = "base-sepolia"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, paidRequest(t, unsupported))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unsupported network, got %d", w.Code)
	}
}

func TestPaymentMiddleware_RateLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	config := paidConfig(&MockVerifier{})
	config.PayerRateLimit = rate.Every(90 * time.Second)
	config.PayerBurst = 2
	config.now = func() time.Time { return now }

	handler := PaymentMiddleware(config)(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, paidRequest(t, testPayment(fmt.Sprintf("0xnonce%d", i))))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, paidRequest(t, testPayment("0xnonce3")))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "90" {
		t.Errorf("expected Retry-After 90, got %q", w.Header().Get("Retry-After"))
	}

	now = now.Add(90 * time.Second)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, paidRequest(t, testPayment("0xnonce4")))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 after refill, got %d", w.Code)
	}
}

func TestPaymentMiddleware_ConcurrentDuplicate(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	verifier := &MockVerifier{
		SettleFunc: func(ctx context.Context, payment *Payment, req *PaymentRequirements) (*SettlementResult, error) {
			close(entered)
			<-release
			return &SettlementResult{TransactionHash: "0xtx", Status: "success"}, nil
		},
	}
	handler := PaymentMiddleware(paidConfig(verifier))(okHandler())

	var wg sync.WaitGroup
	first := httptest.NewRecorder()
	firstReq := paidRequest(t, testPayment("0xsame"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(first, firstReq)
	}()
	<-entered

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, paidRequest(t, testPayment("0xSAME")))
	close(release)
	wg.Wait()

	if first.Code != http.StatusOK {
		t.Errorf("expected first request 200, got %d", first.Code)
	}
	if second.Code != http.StatusConflict {
		t.Errorf("expected duplicate request 409, got %d", second.Code)
	}
}

func TestEncodeDecodePayment(t *testing.T) {
	payment := &Payment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "cronos-testnet",
		Payload: map[string]interface{}{
			"test": "data",
		},
	}

	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.X402Version != payment.X402Version {
		t.Errorf("version mismatch: expected %d, got %d", payment.X402Version, decoded.X402Version)
	}

	if decoded.Scheme != payment.Scheme {
		t.Errorf("scheme mismatch: expected %s, got %s", payment.Scheme, decoded.Scheme)
	}

	if decoded.Network != payment.Network {
		t.Errorf("network mismatch: expected %s, got %s", payment.Network, decoded.Network)
	}

	raw, _ := base64.StdEncoding.DecodeString(encoded)
	if len(raw) == 0 {
		t.Error("expected base64 JSON")
	}
}

func TestPaymentMetadataRoundTrip(t *testing.T) {
	settled := time.Unix(1_700_000_000, 0).UTC()
	ctx := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{
		Verified:        true,
		PayerAddress:    testPayer,
		Amount:          "1000000",
		TokenSymbol:     "devUSDC.e",
		Network:         "cronos-testnet",
		TransactionHash: "0xtx",
		SettledAt:       settled,
	})

	md := PaymentMetadata(ctx)
	payment, ok := GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md))
	if !ok {
		t.Fatal("expected payment in metadata")
	}
	if payment.PayerAddress != testPayer || payment.TransactionHash != "0xtx" || !payment.SettledAt.Equal(settled) {
		t.Errorf("unexpected payment %+v", payment)
	}

	if md := PaymentMetadata(context.Background()); len(md) != 0 {
		t.Errorf("expected empty metadata, got %v", md)
	}
}

func TestGate_HandlePath(t *testing.T) {
	cfg := paidConfig(&MockVerifier{})
	cfg.EndpointPricing = map[string]PricingRule{
		"/v1/items/*": cfg.EndpointPricing["/v1/paid"],
	}
	gate, err := NewGate(cfg)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	mux := runtime.NewServeMux(WithPaymentMetadata())
	var seenID string
	err = gate.HandlePath(mux, http.MethodGet, "/v1/items/{id}", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		seenID = pathParams["id"]
		if _, err := RequirePayment(r.Context()); err != nil {
			t.Errorf("handler ran without payment: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("HandlePath: %v", err)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/v1/items/42", nil))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if seenID != "" {
		t.Fatal("handler ran before payment")
	}

	req := paidRequest(t, testPayment("0xnonce"))
	req.URL.Path = "/v1/items/42"
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if seenID != "42" {
		t.Errorf("expected path param 42, got %q", seenID)
	}
}

func TestDecodePayment_LargeBareIntegers(t *testing.T) {
	header := base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"exact","network":"cronos-testnet",` +
		`"payload":{"signature":"0xsig","authorization":{"from":"` + testPayer + `","to":"` + testRecipient + `",` +
		`"value":9007199254740993,"validAfter":0,"validBefore":18446744073709551615,"nonce":"0xnonce"}}}`))

	payment, err := DecodePayment(header)
	if err != nil {
		t.Fatalf("DecodePayment: %v", err)
	}
	payload, err := eip3009.DecodePayload(payment.Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got := payload.Authorization.Value.Dec(); got != "9007199254740993" {
		t.Errorf("expected value 9007199254740993, got %s", got)
	}
	if got := payload.Authorization.ValidBefore; got != 18446744073709551615 {
		t.Errorf("expected validBefore max uint64, got %d", got)
	}
}
