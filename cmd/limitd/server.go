package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/limitd/internal/bus"
	"github.com/goodtune/limitd/internal/config"
	"github.com/goodtune/limitd/internal/countdown"
	"github.com/goodtune/limitd/internal/metrics"
	"github.com/goodtune/limitd/internal/override"
	"github.com/goodtune/limitd/internal/reconcile"
	"github.com/goodtune/limitd/internal/session"
	"github.com/goodtune/limitd/internal/storage"
	"github.com/goodtune/limitd/internal/storage/bolt"
	"github.com/goodtune/limitd/internal/storage/memory"
	redisstore "github.com/goodtune/limitd/internal/storage/redis"
	"github.com/goodtune/limitd/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the limitd daemon",
	Long:  `Start the limitd daemon: one countdown per tracked domain, local persistence, remote sync, and metrics.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting limitd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize local storage, falling back to in-memory operation when
	// the bolt file cannot be opened. Countdown enforcement continues,
	// state is lost on restart.
	var local storage.LocalStore
	boltStore, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open local store, running in memory")
		local = memory.New()
	} else {
		local = boltStore
		logger.Info().Str("path", cfg.Storage.Path).Msg("Local store initialized")
	}
	defer func() {
		if err := local.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close local store")
		}
	}()

	// Initialize remote storage. Absence of a user identity or an
	// unreachable Redis means local-only operation, never a hard failure.
	userID := cfg.Session.UserID
	var remote storage.RemoteStore
	if cfg.Redis.Enabled && userID != "" {
		redisStore, err := redisstore.Open(cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Str("host", cfg.Redis.Host).Msg("Failed to connect to remote store, running local-only")
		} else {
			remote = redisStore
			defer func() {
				if err := remote.Close(); err != nil {
					logger.Error().Err(err).Msg("Failed to close remote store")
				}
			}()
			logger.Info().
				Str("host", cfg.Redis.Host).
				Int("port", cfg.Redis.Port).
				Msg("Remote store initialized")
		}
	} else if cfg.Redis.Enabled {
		logger.Info().Msg("No user identity configured, running local-only")
	}

	// Build the session shared by every countdown
	domains := make(map[string]int64, len(cfg.Tracking.Domains))
	for raw, limit := range cfg.Tracking.Domains {
		domains[session.NormalizeDomain(raw)] = limit
	}
	provider := &session.StaticProvider{Domains: domains, Enabled: cfg.Tracking.Enabled}
	sess := session.New(userID, provider, logger)
	sess.MarkReady()

	if !cfg.Tracking.Enabled {
		logger.Warn().Msg("Tracking is disabled, no countdowns will run")
	}

	clock := reconcile.RealClock{}
	engine := reconcile.NewEngine(local, remote, clock, logger)
	b := bus.New()

	// Override workflow and its plan collaborator
	plans := override.NewStaticPlans(cfg.Overrides.FreePerDay, cfg.Overrides.UpgradeURL, clock)
	workflow := override.NewWorkflow(plans, sess, local, remote, b, clock, logger)

	// Serve override requests arriving on the bus
	reqCh, cancelReq := b.Subscribe("")
	defer cancelReq()
	go func() {
		for msg := range reqCh {
			if msg.Type != bus.TypeOverrideRequested {
				continue
			}
			reason := ""
			if payload, ok := msg.Payload.(bus.OverrideRequestPayload); ok {
				reason = payload.Reason
			}
			result, err := workflow.Grant(ctx, msg.Domain, reason)
			if err != nil {
				logger.Error().Err(err).Str("domain", msg.Domain).Msg("Override request failed")
				continue
			}
			if !result.Granted {
				logger.Info().Str("domain", msg.Domain).Str("reason", result.Reason).Msg("Override request denied")
			}
		}
	}()

	// Fan remote override events into the local bus so every countdown
	// picks up grants made on other devices
	if remote != nil {
		evCh, cancelEv, err := remote.SubscribeOverrides(ctx, userID)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe to remote override events")
		} else {
			defer cancelEv()
			go func() {
				for ev := range evCh {
					b.Publish(bus.Message{
						Type:    bus.TypeOverrideGranted,
						Domain:  ev.Domain,
						Payload: bus.OverridePayload{ResetAt: ev.ResetAt, TimeLimit: ev.TimeLimit},
					})
				}
			}()
			logger.Info().Msg("Subscribed to remote override events")
		}
	}

	// Start one countdown per tracked domain
	var machines []*countdown.Machine
	if cfg.Tracking.Enabled {
		for domain, limit := range domains {
			m := countdown.New(countdown.Config{
				Domain:       domain,
				GraceLimit:   limit,
				TickInterval: parseDuration(cfg.Sync.TickInterval, countdown.DefaultTickInterval),
				PersistEvery: parseDuration(cfg.Sync.PersistEvery, countdown.DefaultPersistEvery),
				SyncEvery:    parseDuration(cfg.Sync.SyncEvery, countdown.DefaultSyncEvery),
				StartVisible: true,
			}, sess, local, remote, engine, b, clock, logger)

			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("failed to start countdown for %s: %w", domain, err)
			}
			machines = append(machines, m)

			snap := m.Snapshot()
			logger.Info().
				Str("domain", domain).
				Str("state", snap.State.String()).
				Int64("remaining", snap.TimeRemaining).
				Msg("Countdown started")
		}
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().
			Str("addr", metricsAddr).
			Msg("Metrics Server started")
	}

	logger.Info().Int("domains", len(machines)).Msg("limitd startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			// Tracked domains and allowances come from the config file,
			// restart to apply changes
			logger.Info().Msg("SIGHUP received, configuration reload requires restart")
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop countdowns first so final state is persisted
	for _, m := range machines {
		m.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	cancel()

	logger.Info().Msg("limitd stopped")

	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
