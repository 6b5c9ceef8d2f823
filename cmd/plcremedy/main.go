package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrjoshuap/plc-remedy/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "plc-remedy",
	Short: "PLC monitoring and self-healing middleware",
	Long: `plc-remedy polls PLC tags, detects threshold violations and launches
remediation jobs on an automation platform. A chaos engine can inject
failures to exercise the loop.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default ./config.yaml or ./config/config.yaml)")
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd(), checkConfigCmd())
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Sanitized()); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
