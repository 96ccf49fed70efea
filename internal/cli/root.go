// Package cli implements the autopayctl admin tool.
package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "autopayctl",
	Short: "Admin tool for the autopay settlement service",
	Long:  `autopayctl inspects and operates an autopay deployment: payment totals, failed payment history, and manual settlement triggers.`,
}

func Execute() {
	// Load .env so ${VAR} expansion in the config file sees it.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
}
