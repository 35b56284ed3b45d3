package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/limitd/internal/config"
	"github.com/goodtune/limitd/internal/session"
	"github.com/goodtune/limitd/internal/storage"
	"github.com/goodtune/limitd/internal/storage/bolt"
	redisstore "github.com/goodtune/limitd/internal/storage/redis"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and store connectivity",
	Long:  `Check that the configuration loads, the local store opens, and the remote store is reachable.`,
	RunE:  runCheck,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show countdown state for tracked domains",
	Long: `Show the locally persisted countdown state and daily blocks for every
tracked domain. The bolt file is exclusively locked while the daemon runs,
so status is only available while the daemon is stopped.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	failed := false

	// Configuration
	fmt.Printf("%-24s", "Configuration")
	cfg, err := config.Load(configPath)
	if err != nil {
		red.Println("FAIL")
		fmt.Printf("  %v\n", err)
		return fmt.Errorf("configuration check failed")
	}
	green.Println("PASS")
	fmt.Printf("  %d tracked domain(s)\n", len(cfg.Tracking.Domains))

	// Local store
	fmt.Printf("%-24s", "Local store")
	local, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		red.Println("FAIL")
		fmt.Printf("  %v\n", err)
		failed = true
	} else {
		green.Println("PASS")
		fmt.Printf("  %s\n", cfg.Storage.Path)
		local.Close()
	}

	// Remote store
	fmt.Printf("%-24s", "Remote store")
	switch {
	case !cfg.Redis.Enabled:
		yellow.Println("SKIP")
		fmt.Println("  redis disabled")
	case cfg.Session.UserID == "":
		yellow.Println("SKIP")
		fmt.Println("  no user identity configured, local-only")
	default:
		remote, err := redisstore.Open(cfg.Redis)
		if err != nil {
			red.Println("FAIL")
			fmt.Printf("  %v\n", err)
			failed = true
		} else {
			green.Println("PASS")
			fmt.Printf("  %s:%d\n", cfg.Redis.Host, cfg.Redis.Port)
			remote.Close()
		}
	}

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	local, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer local.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	today := time.Now().Format("2006-01-02")

	fmt.Println()
	cyan.Printf("%-20s %-10s %s\n", "DOMAIN", "ALLOWANCE", "STATUS")

	for raw, limit := range cfg.Tracking.Domains {
		domain := session.NormalizeDomain(raw)
		fmt.Printf("%-20s %-10s ", domain, formatSeconds(limit))

		if block, err := local.GetDailyBlock(ctx, domain); err == nil && block.Date == today {
			red.Println("blocked until midnight")
			continue
		}

		state, err := local.Get(ctx, domain)
		switch {
		case errors.Is(err, storage.ErrNotFound) || (err == nil && state.Date != today):
			green.Printf("%s remaining (fresh)\n", formatSeconds(limit))
		case err != nil:
			red.Printf("error: %v\n", err)
		case state.TimeRemaining <= 0:
			red.Println("expired")
		default:
			green.Printf("%s remaining\n", formatSeconds(state.TimeRemaining))
		}
	}

	fmt.Println()
	return nil
}

// formatSeconds renders an allowance as 30m or 1h30m
func formatSeconds(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 && m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if h > 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dm", m)
}
