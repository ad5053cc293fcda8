package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/bundler.yaml"
	rootCmd = &cobra.Command{
		Use:   "userop-bundler",
		Short: "ERC-4337 UserOperation bundler and token paymaster",
		Long: `Relay user-signed UserOperations on-chain through the entry point contract.

Use "userop-bundler run" to start the JSON-RPC service.
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/bundler.yaml", "Path to config file")
}
