package x402

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/usdc"
)

const defaultPayerLimiterCapacity = 10_000

// Config describes which routes and RPCs are paid, at what price, and who
// verifies the payments. It is shared by the HTTP middleware, grpc-gateway
// routes and the gRPC interceptors.
type Config struct {
	// Verifier checks and settles payments.
	Verifier ChainVerifier

	// EndpointPricing prices HTTP paths. Keys are exact paths, "/prefix/*"
	// wildcards or path.Match patterns; the longest matching pattern wins.
	EndpointPricing map[string]PricingRule

	// MethodPricing prices gRPC methods by full name
	// ("/arcade.v1.Arcade/Play"), with the same pattern rules.
	MethodPricing map[string]PricingRule

	// DefaultPricing applies when nothing matches. Nil leaves unmatched
	// routes free.
	DefaultPricing *PricingRule

	// ValidityDuration bounds the validBefore advertised in requirements.
	// Defaults to 5 minutes.
	ValidityDuration time.Duration

	// SkipPaths and SkipMethods are never priced.
	SkipPaths   []string
	SkipMethods []string

	// CustomPaywallHTML is served to browsers instead of the JSON 402 body.
	CustomPaywallHTML string

	// PayerRateLimit caps paid requests per payer address. Zero disables
	// the limit.
	PayerRateLimit rate.Limit

	// PayerBurst is the number of paid requests a payer may make at once.
	// Defaults to 1 when PayerRateLimit is set.
	PayerBurst int

	// PayerLimiterCapacity bounds how many payers keep a limiter; the least
	// recently seen payer is forgotten first. Defaults to 10000.
	PayerLimiterCapacity int

	// Logger receives payment decisions. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// now is overridden in tests.
	now func() time.Time
}

// PricingRule is the price of one route.
type PricingRule struct {
	// Amount is a human decimal ("0.01"), advertised in smallest units.
	Amount string

	// AcceptedTokens are the alternatives a client may pay with.
	AcceptedTokens []TokenRequirement

	Description string
	MimeType    string
}

// TokenRequirement is one way to pay: a token on a network, paid to
// Recipient. TokenName, TokenVersion and ChainID form the EIP-712 domain the
// payer signs under, with AssetContract as the verifying contract.
type TokenRequirement struct {
	Network       string
	AssetContract string
	Symbol        string
	Recipient     string
	TokenName     string
	TokenVersion  string

	// TokenDecimals must be 6 when set.
	TokenDecimals int
	ChainID       int64
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	if c.PayerRateLimit < 0 {
		return fmt.Errorf("payer rate limit must not be negative")
	}
	if c.PayerRateLimit > 0 && c.PayerBurst <= 0 {
		c.PayerBurst = 1
	}
	if c.PayerLimiterCapacity <= 0 {
		c.PayerLimiterCapacity = defaultPayerLimiterCapacity
	}

	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}

	if c.now == nil {
		c.now = time.Now
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid
func (p *PricingRule) Validate() error {
	if p.Amount == "" {
		return fmt.Errorf("amount is required")
	}

	if _, err := usdc.ParseAmount(p.Amount); err != nil {
		return fmt.Errorf("amount %q: %w", p.Amount, err)
	}

	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for i, token := range p.AcceptedTokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}

	return nil
}

// Units returns Amount in smallest token units.
func (p *PricingRule) Units() (string, error) {
	units, err := usdc.ParseAmount(p.Amount)
	if err != nil {
		return "", err
	}
	return units.Dec(), nil
}

// Validate checks if the token requirement is valid
func (t *TokenRequirement) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}

	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	if t.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if err := eip3009.ValidateAddress("recipient", t.Recipient); err != nil {
		return err
	}

	if t.AssetContract == "" {
		return fmt.Errorf("asset contract is required")
	}

	if t.TokenDecimals != 0 && t.TokenDecimals != usdc.Decimals {
		return fmt.Errorf("token decimals must be %d, got %d", usdc.Decimals, t.TokenDecimals)
	}

	return nil
}

// BuildPaymentRequirements expands rule into one requirement per accepted
// token for resource, valid for the configured duration.
func (c *Config) BuildPaymentRequirements(rule *PricingRule, resource string) ([]PaymentRequirements, error) {
	units, err := rule.Units()
	if err != nil {
		return nil, err
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	validBefore := now().Add(c.ValidityDuration).Unix()

	requirements := make([]PaymentRequirements, 0, len(rule.AcceptedTokens))
	for _, token := range rule.AcceptedTokens {
		decimals := token.TokenDecimals
		if decimals == 0 {
			decimals = usdc.Decimals
		}
		requirements = append(requirements, PaymentRequirements{
			X402Version:       1,
			Scheme:            SchemeExact,
			Network:           token.Network,
			MaxAmountRequired: units,
			Resource:          resource,
			Description:       rule.Description,
			MimeType:          rule.MimeType,
			Recipient:         token.Recipient,
			ValidBefore:       validBefore,
			AssetContract:     token.AssetContract,
			Metadata: Metadata{
				TokenSymbol:   token.Symbol,
				TokenName:     token.TokenName,
				TokenVersion:  token.TokenVersion,
				TokenDecimals: decimals,
				ChainID:       token.ChainID,
			},
		})
	}
	return requirements, nil
}

// SelectRequirement picks the requirement payment was made against, matched
// on scheme and network.
func SelectRequirement(requirements []PaymentRequirements, payment *Payment) (*PaymentRequirements, error) {
	for i := range requirements {
		req := &requirements[i]
		if req.Scheme == payment.Scheme && strings.EqualFold(req.Network, payment.Network) {
			return req, nil
		}
	}
	return nil, NewPaymentError(ErrCodeNetworkNotSupported,
		fmt.Sprintf("no accepted token for scheme %q on network %q", payment.Scheme, payment.Network), nil)
}

// MatchEndpoint finds the pricing rule for a given path
// Returns the rule and true if found, nil and false otherwise
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	return match(requestPath, c.SkipPaths, c.EndpointPricing, c.DefaultPricing)
}

// MatchMethod finds the pricing rule for a given gRPC method
// Returns the rule and true if found, nil and false otherwise
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	return match(fullMethod, c.SkipMethods, c.MethodPricing, c.DefaultPricing)
}

func match(name string, skip []string, pricing map[string]PricingRule, fallback *PricingRule) (*PricingRule, bool) {
	for _, pattern := range skip {
		if matchPath(name, pattern) {
			return nil, false
		}
	}

	// First try exact matches
	if rule, ok := pricing[name]; ok {
		return &rule, true
	}

	// Then wildcard matches, longest pattern wins
	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range pricing {
		if matchPath(name, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
			ruleCopy := rule
			bestRule = &ruleCopy
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	if fallback != nil {
		return fallback, true
	}

	return nil, false
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	// Use path.Match for more complex patterns
	matched, _ := path.Match(pattern, requestPath)
	return matched
}
