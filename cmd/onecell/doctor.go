package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"onecell/internal/config"
	"onecell/internal/domain"
	"onecell/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your onecell installation",
		Long: `Verifies that the configuration, credential store, webhook port and
platform credentials are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("onecell doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := loadConfig()
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Credential store reachable and writable
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			saved, err := checkStore(ctx, cfg.Store.DSN)
			if err != nil {
				printFail("Credential store", err.Error())
				failed++
			} else {
				printPass("Credential store", fmt.Sprintf("%s (%d saved)", config.Sanitize(cfg).Store.DSN, len(saved)))
				passed++
			}

			// 4. Platforms: something to authenticate with
			for _, p := range domain.AllPlatforms() {
				name := "Platform: " + string(p)
				switch {
				case slices.Contains(saved, p):
					printPass(name, "saved credential")
					passed++
				case !cfg.Credentials.Credential(p).IsZero():
					printPass(name, "bootstrap credential in config")
					passed++
				default:
					printWarn(name, fmt.Sprintf("not connected (run 'onecell connect %s')", p))
					warned++
				}
			}

			// 5. Webhook port and secrets
			if cfg.Webhook.Enabled || cfg.Metrics.Enabled {
				if err := checkPort(cfg.Webhook.Host, cfg.Webhook.Port); err != nil {
					printWarn("Webhook port", fmt.Sprintf("port %d may be in use: %v", cfg.Webhook.Port, err))
					warned++
				} else {
					printPass("Webhook port", fmt.Sprintf(":%d available", cfg.Webhook.Port))
					passed++
				}
			}
			if cfg.Webhook.Enabled {
				for _, p := range domain.AllPlatforms() {
					s := cfg.Webhook.Secrets(p)
					if s.VerifyToken == "" && s.AppSecret == "" && s.SecretToken == "" {
						printWarn("Webhook: "+string(p), "no verify token or signature secret, pushes are not authenticated")
						warned++
					}
				}
			}

			// 6. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running onecell.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nonecell should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! onecell is ready to run.\n")
			}
			return nil
		},
	}
}

// checkStore opens the store, lists saved platforms and round-trips a
// scratch key that no platform uses.
func checkStore(ctx context.Context, dsn string) ([]domain.PlatformID, error) {
	st, err := store.Open(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var saved []domain.PlatformID
	for _, p := range domain.AllPlatforms() {
		_, ok, err := st.Get(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if ok {
			saved = append(saved, p)
		}
	}

	const scratch domain.PlatformID = "_doctor"
	if err := st.Set(ctx, scratch, domain.Credential{AccessToken: "doctor"}); err != nil {
		return nil, fmt.Errorf("not writable: %w", err)
	}
	if err := st.Delete(ctx, scratch); err != nil {
		return nil, fmt.Errorf("cannot delete: %w", err)
	}
	return saved, nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}
