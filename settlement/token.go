package settlement

import (
	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/usdc"
)

// Cronos testnet devUSDC.e, the token the arcade accepts.
const (
	CronosTestnetChainID = 338
	CronosTestnetUSDC    = "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0"
	CronosTestnetName    = "Bridged USDC (Stargate)"
	CronosTestnetVersion = "1"
)

// Token describes the token whose transferWithAuthorization the engine
// emulates.
type Token struct {
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Version  string         `json:"version"`
	Decimals int            `json:"decimals"`
	Domain   eip3009.Domain `json:"domain"`
}

// DefaultToken is devUSDC.e on Cronos testnet.
func DefaultToken() Token {
	return NewToken("devUSDC.e", eip3009.BuildDomain(CronosTestnetName, CronosTestnetVersion, CronosTestnetChainID, CronosTestnetUSDC))
}

// NewToken describes a 6-decimal USDC deployment signing under domain.
func NewToken(symbol string, domain eip3009.Domain) Token {
	return Token{
		Name:     domain.Name,
		Symbol:   symbol,
		Version:  domain.Version,
		Decimals: usdc.Decimals,
		Domain:   domain,
	}
}
