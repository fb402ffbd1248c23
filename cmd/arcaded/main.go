// Command arcaded runs the x402 arcade payment server and its developer tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "arcaded",
		Short:         "Pay-per-play arcade server settling EIP-3009 USDC authorizations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a .toml or .yaml config file")

	cmd.AddCommand(
		newServeCmd(&cfgPath),
		newSignCmd(&cfgPath),
		newNonceCmd(),
		newDomainCmd(&cfgPath),
	)
	return cmd
}
