package cmd

import (
	"github.com/AvaProtocol/userop-bundler/bundler"

	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bundler service",
		Long: `Initialize and run the bundler JSON-RPC service.

Use --config=path-to-your-config-file. default is=./config/bundler.yaml `,
		Run: func(cmd *cobra.Command, args []string) {
			bundler.RunWithConfig(config)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&config, "config", "./config/bundler.yaml", "path to bundler config file")
	rootCmd.AddCommand(runCmd)
}
