package x402

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/x402-arcade/eip3009"
)

// Gate runs the transport-independent part of a paid request: requirement
// selection, per-payer rate limiting, duplicate suppression, verification
// and settlement. The HTTP middleware and the gRPC interceptors each wrap one.
type Gate struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	limiters lru.BasicLRU[string, *rate.Limiter]
	inflight map[string]struct{}
}

// NewGate validates cfg and returns a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		cfg:      cfg,
		log:      *cfg.Logger,
		limiters: lru.NewBasicLRU[string, *rate.Limiter](cfg.PayerLimiterCapacity),
		inflight: make(map[string]struct{}),
	}, nil
}

// Config returns the validated configuration.
func (g *Gate) Config() *Config {
	return &g.cfg
}

// Requirements advertises rule for resource.
func (g *Gate) Requirements(rule *PricingRule, resource string) ([]PaymentRequirements, error) {
	return g.cfg.BuildPaymentRequirements(rule, resource)
}

// Process verifies and settles payment against requirements. Failures are
// *PaymentError values, wrapping the authorization error where there is one.
func (g *Gate) Process(ctx context.Context, payment *Payment, requirements []PaymentRequirements) (*PaymentContext, *SettlementResult, error) {
	req, err := SelectRequirement(requirements, payment)
	if err != nil {
		return nil, nil, err
	}

	payload, err := eip3009.DecodePayload(payment.Payload)
	if err != nil {
		return nil, nil, NewPaymentError(ErrCodeInvalidPayment, "invalid exact payload", err)
	}
	if err := eip3009.ValidateAddress("from", payload.Authorization.From); err != nil {
		return nil, nil, err
	}
	payer := eip3009.NormalizeAddress(payload.Authorization.From)
	log := g.log.With().Str("payer", payer).Str("resource", req.Resource).Str("network", req.Network).Logger()

	release, err := g.claim(payer, payload.Authorization.Nonce)
	if err != nil {
		log.Warn().Str("nonce", payload.Authorization.Nonce).Msg("duplicate payment in flight")
		return nil, nil, err
	}
	defer release()

	verifyResult, err := g.cfg.Verifier.Verify(ctx, payment, req)
	if err != nil {
		log.Debug().Err(err).Msg("payment verification error")
		if IsPaymentError(err) {
			return nil, nil, err
		}
		return nil, nil, NewPaymentError(ErrCodeVerificationFailed, "payment verification error", err)
	}
	if !verifyResult.Valid {
		log.Debug().Str("reason", verifyResult.Reason).Msg("payment rejected")
		return nil, nil, NewPaymentError(ErrCodeVerificationFailed, verifyResult.Reason, nil)
	}

	// Only verified payments draw on the payer's budget, so a forged
	// authorization naming someone else's address cannot exhaust it.
	if err := g.allow(payer); err != nil {
		log.Warn().Msg("payer rate limited")
		return nil, nil, err
	}

	settlementResult, err := g.cfg.Verifier.Settle(ctx, payment, req)
	if err != nil {
		if IsPaymentError(err) || eip3009.CodeOf(err) != "" {
			log.Debug().Err(err).Msg("payment refused at settlement")
			return nil, nil, err
		}
		log.Error().Err(err).Msg("payment settlement failed")
		return nil, nil, NewPaymentError(ErrCodeSettlementFailed, "payment settlement failed", err)
	}

	log.Info().Str("tx", settlementResult.TransactionHash).Str("amount", verifyResult.Amount).Msg("payment settled")

	paymentCtx := &PaymentContext{
		Verified:        true,
		PayerAddress:    verifyResult.PayerAddress,
		Amount:          verifyResult.Amount,
		TokenSymbol:     verifyResult.TokenSymbol,
		Network:         payment.Network,
		TransactionHash: settlementResult.TransactionHash,
		SettledAt:       settlementResult.SettledAt,
	}
	return paymentCtx, settlementResult, nil
}

func (g *Gate) allow(payer string) error {
	if g.cfg.PayerRateLimit == 0 {
		return nil
	}

	g.mu.Lock()
	lim, ok := g.limiters.Get(payer)
	if !ok {
		lim = rate.NewLimiter(g.cfg.PayerRateLimit, g.cfg.PayerBurst)
		g.limiters.Add(payer, lim)
	}
	g.mu.Unlock()

	now := g.cfg.now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return &PaymentError{Code: ErrCodeRateLimited, Message: "payer rate limit exceeded", RetryAfter: time.Duration(math.MaxInt64)}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return &PaymentError{
			Code:       ErrCodeRateLimited,
			Message:    fmt.Sprintf("payer rate limit exceeded, retry in %s", delay.Round(time.Second)),
			RetryAfter: delay,
		}
	}
	return nil
}

// claim marks (payer, nonce) as in flight until release is called.
func (g *Gate) claim(payer, nonce string) (func(), error) {
	key := payer + "/" + eip3009.NormalizeAddress(nonce)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return nil, NewPaymentError(ErrCodeDuplicatePayment, "payment with this nonce is already being processed", nil)
	}
	g.inflight[key] = struct{}{}

	return func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
	}, nil
}
