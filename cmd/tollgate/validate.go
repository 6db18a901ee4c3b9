package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tollgate/adapters/sqlite"
	"github.com/artpar/tollgate/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the tollgate configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Upstream is reachable (optional)
  - Session store is writable (optional)

Examples:
  tollgate validate
  tollgate validate --config /etc/tollgate/config.yaml`,
	RunE: runValidate,
}

var (
	validateCheckUpstream bool
	validateCheckStore    bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckUpstream, "check-upstream", false, "check if upstream is reachable")
	validateCmd.Flags().BoolVar(&validateCheckStore, "check-store", false, "check if the sqlite store is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	// Show config summary
	fmt.Printf("  %s Upstream: %s\n", checkMark, cfg.Upstream.URL)
	fmt.Printf("  %s Token issuer: %s\n", checkMark, cfg.Verifier.Issuer)
	fmt.Printf("  %s Service identity: %s\n", checkMark, cfg.Verifier.SSI)
	fmt.Printf("  %s Payment provider: %s\n", checkMark, cfg.Payment.Provider)
	fmt.Printf("  %s Session store: %s", checkMark, cfg.Store.Driver)
	if cfg.Store.Driver == "sqlite" {
		fmt.Printf(" (%s)", cfg.Store.DSN)
	}
	fmt.Println()
	fmt.Printf("  %s Batch threshold: %g\n", checkMark, cfg.Metering.BatchThreshold)

	// Optional: check upstream
	if validateCheckUpstream {
		if err := checkUpstreamReachable(cfg.Upstream.URL); err != nil {
			fmt.Printf("  %s Upstream reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Upstream reachable\n", checkMark)
		}
	}

	// Optional: check store
	if validateCheckStore && cfg.Store.Driver == "sqlite" {
		if err := checkStoreWritable(cfg.Store.DSN); err != nil {
			fmt.Printf("  %s Session store writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Session store writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkUpstreamReachable(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "HEAD", url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func checkStoreWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
