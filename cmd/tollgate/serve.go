package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/tollgate/bootstrap"
	"github.com/artpar/tollgate/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the paywall proxy server",
	Long: `Start the tollgate proxy server.

The server will:
  - Load configuration from tollgate.yaml (or --config)
  - Or load configuration from TOLLGATE_* environment variables
  - Verify payment tokens of flagged bot traffic against the issuer's JWKS
  - Meter admitted sessions and settle accumulated charges
  - Forward admitted requests to the upstream origin

Environment variables (for Docker deployments):
  TOLLGATE_UPSTREAM_URL      - Protected origin URL (required)
  TOLLGATE_VERIFIER_ISSUER   - Token issuer (required)
  TOLLGATE_VERIFIER_SSI      - Service identity expected in tokens (required)
  TOLLGATE_PAYMENT_BASE_URL  - Payment API base URL
  TOLLGATE_PAYMENT_API_KEY   - Payment API key
  TOLLGATE_STORE_DRIVER      - Session store: memory or sqlite
  TOLLGATE_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  tollgate serve
  tollgate serve --config /etc/tollgate/config.yaml
  tollgate serve --hot-reload=false

  # Docker (env vars only):
  TOLLGATE_UPSTREAM_URL=https://api.example.com tollgate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	if !hasConfigFile && !config.HasEnvConfig() {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Create %s\n", cfgFile)
		fmt.Println("Option 2: Set TOLLGATE_UPSTREAM_URL environment variable")
		fmt.Println()
		fmt.Println("Example (env vars):")
		fmt.Println("  TOLLGATE_UPSTREAM_URL=https://api.example.com tollgate serve")
		return nil
	}

	if !hasConfigFile {
		fmt.Println("Running with environment variables (no config file)")
	}

	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		HotReload:  hasConfigFile && hotReload,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
