package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Paywall proxy that meters bot traffic with per-request micropayments",
	Long: `Tollgate sits in front of an origin service and admits automated
traffic only against a valid Skyfire payment token. Each admitted
request is metered per session; accumulated amounts are settled in
batches and on session expiry.

Quick start:
  tollgate serve      # Start the proxy server
  tollgate validate   # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tollgate.yaml", "config file path")
}
