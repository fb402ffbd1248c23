package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-arcade"
	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/evm"
	"github.com/becomeliminal/x402-arcade/internal/config"
	"github.com/becomeliminal/x402-arcade/usdc"
)

func newSignCmd(cfgPath *string) *cobra.Command {
	var (
		key      string
		to       string
		amount   string
		nonce    string
		validity uint64
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a transferWithAuthorization and print the X-PAYMENT header",
		Long: "Sign a transferWithAuthorization with a local development key. " +
			"The key is read from --key or ARCADE_SIGNER_KEY; production wallets sign client side.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if key == "" {
				key = os.Getenv("ARCADE_SIGNER_KEY")
			}
			if key == "" {
				return fmt.Errorf("a signing key is required (--key or ARCADE_SIGNER_KEY)")
			}
			if to == "" {
				to = cfg.Treasury
			}
			network, _ := evm.LookupNetwork(cfg.Token.Network)
			return signPayment(cmd.Context(), cmd.OutOrStdout(), network, key, to, amount, nonce, validity)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Hex private key of the payer")
	cmd.Flags().StringVar(&to, "to", "", "Recipient address (defaults to the treasury)")
	cmd.Flags().StringVar(&amount, "amount", "0.01", "Amount in USDC")
	cmd.Flags().StringVar(&nonce, "nonce", "", "32-byte hex nonce (random when empty)")
	cmd.Flags().Uint64Var(&validity, "validity", eip3009.DefaultValiditySeconds, "Seconds until the authorization expires")
	return cmd
}

func signPayment(ctx context.Context, w io.Writer, network evm.Network, key, to, amount, nonce string, validity uint64) error {
	signer, err := eip3009.KeySignerFromHex(key)
	if err != nil {
		return err
	}
	if nonce == "" {
		if nonce, err = eip3009.NewNonce(); err != nil {
			return err
		}
	}

	msg, err := eip3009.BuildMessage(signer.Address(), to, usdc.Decimal(amount), nonce, eip3009.WithValiditySeconds(validity))
	if err != nil {
		return err
	}
	if err := eip3009.ValidateAddress("to", msg.To); err != nil {
		return err
	}
	if err := eip3009.ValidateNonce(msg.Nonce); err != nil {
		return err
	}

	sig, err := eip3009.SignAuthorization(ctx, signer, network.Domain(), msg)
	if err != nil {
		return err
	}
	compact, err := sig.Compact()
	if err != nil {
		return err
	}

	header, err := x402.EncodePayment(&x402.Payment{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     network.Name,
		Payload:     eip3009.Payload{Signature: compact, Authorization: &msg},
	})
	if err != nil {
		return err
	}

	return writeJSON(w, map[string]interface{}{
		"authorization": msg,
		"signature":     sig,
		"compact":       compact,
		"header":        header,
	})
}

func newNonceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nonce",
		Short: "Print a random 32-byte authorization nonce",
		RunE: func(cmd *cobra.Command, args []string) error {
			nonce, err := eip3009.NewNonce()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), nonce)
			return err
		},
	}
}

func newDomainCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "domain",
		Short: "Print the EIP-712 domain payers sign under",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			network, _ := evm.LookupNetwork(cfg.Token.Network)
			return writeJSON(cmd.OutOrStdout(), network.Domain())
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
