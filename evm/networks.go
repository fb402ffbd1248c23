package evm

import (
	"strconv"
	"strings"

	x402 "github.com/becomeliminal/x402-arcade"
	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/settlement"
	"github.com/becomeliminal/x402-arcade/usdc"
)

// Network is an EVM chain and the USDC deployment accepted on it.
type Network struct {
	Name           string
	CAIP2          string
	ChainID        int64
	NativeCurrency string

	Symbol       string
	USDC         string
	TokenName    string
	TokenVersion string
}

// CronosTestnet is Cronos testnet with bridged devUSDC.e.
var CronosTestnet = Network{
	Name:           "cronos-testnet",
	CAIP2:          "eip155:338",
	ChainID:        settlement.CronosTestnetChainID,
	NativeCurrency: "TCRO",
	Symbol:         "devUSDC.e",
	USDC:           settlement.CronosTestnetUSDC,
	TokenName:      settlement.CronosTestnetName,
	TokenVersion:   settlement.CronosTestnetVersion,
}

var networks = []Network{CronosTestnet}

// LookupNetwork finds a known network by name or CAIP-2 identifier.
func LookupNetwork(name string) (Network, bool) {
	for _, n := range networks {
		if n.Matches(name) {
			return n, true
		}
	}
	return Network{}, false
}

// Matches reports whether name refers to n.
func (n Network) Matches(name string) bool {
	return strings.EqualFold(n.Name, name) || strings.EqualFold(n.CAIP2, name)
}

// Domain is the EIP-712 domain of the network's USDC contract.
func (n Network) Domain() eip3009.Domain {
	return eip3009.BuildDomain(n.TokenName, n.TokenVersion, n.ChainID, n.USDC)
}

// Token is the settlement engine's view of the network's USDC.
func (n Network) Token() settlement.Token {
	return settlement.NewToken(n.Symbol, n.Domain())
}

// Info describes n for ChainVerifier.SupportedNetworks.
func (n Network) Info() x402.NetworkInfo {
	return x402.NetworkInfo{
		Network:        n.Name,
		CAIP2:          n.CAIP2,
		ChainID:        strconv.FormatInt(n.ChainID, 10),
		NativeCurrency: n.NativeCurrency,
		Asset:          n.USDC,
	}
}

// TokenRequirement accepts the network's USDC paid to recipient.
func (n Network) TokenRequirement(recipient string) x402.TokenRequirement {
	return x402.TokenRequirement{
		Network:       n.Name,
		AssetContract: n.USDC,
		Symbol:        n.Symbol,
		Recipient:     recipient,
		TokenName:     n.TokenName,
		TokenVersion:  n.TokenVersion,
		TokenDecimals: usdc.Decimals,
		ChainID:       n.ChainID,
	}
}
