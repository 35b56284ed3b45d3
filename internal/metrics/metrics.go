package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Countdown metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_ticks_total",
			Help: "Total countdown ticks processed",
		},
		[]string{"domain"},
	)

	SecondsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_seconds_consumed_total",
			Help: "Total allowance seconds consumed",
		},
		[]string{"domain"},
	)

	TimeRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "limitd_time_remaining_seconds",
			Help: "Seconds remaining in today's allowance",
		},
		[]string{"domain"},
	)

	ActiveContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "limitd_active_contexts",
			Help: "Number of running countdown contexts",
		},
	)

	// Reconciliation metrics
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_reconciliations_total",
			Help: "Total reconciliation passes by winning source",
		},
		[]string{"source"},
	)

	RemoteSyncErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "limitd_remote_sync_errors_total",
			Help: "Remote store fetch/push failures",
		},
	)

	// Blocking metrics
	DomainsBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_domains_blocked_total",
			Help: "Total daily blocks written",
		},
		[]string{"domain"},
	)

	OverridesGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_overrides_granted_total",
			Help: "Total overrides granted",
		},
		[]string{"domain"},
	)

	OverridesDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_overrides_denied_total",
			Help: "Total overrides denied",
		},
		[]string{"domain", "reason"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		SecondsConsumed,
		TimeRemaining,
		ActiveContexts,
		Reconciliations,
		RemoteSyncErrors,
		DomainsBlocked,
		OverridesGranted,
		OverridesDenied,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
