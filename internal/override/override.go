package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/limitd/internal/bus"
	"github.com/goodtune/limitd/internal/metrics"
	"github.com/goodtune/limitd/internal/reconcile"
	"github.com/goodtune/limitd/internal/session"
	"github.com/goodtune/limitd/internal/storage"
	"github.com/rs/zerolog"
)

// Decision is the subscription collaborator's answer to "may this user
// override right now".
type Decision struct {
	Allowed     bool
	Cost        float64 // > 0 means payment is required first
	Remaining   int     // overrides left today, -1 for unlimited
	Reason      string
	RedirectURL string // where to send the user on denial/payment
}

// Record is a processed override.
type Record struct {
	ID        string
	UserID    string
	Domain    string
	Reason    string
	GrantedAt time.Time
}

// SubscriptionService is the collaborator that owns override entitlements.
type SubscriptionService interface {
	CanOverride(ctx context.Context, userID string) (*Decision, error)
	ProcessOverride(ctx context.Context, userID, domain, reason string) (*Record, error)
}

// Result is the outcome of an override request.
type Result struct {
	Granted         bool
	PaymentRequired bool
	Cost            float64
	Remaining       int
	Reason          string
	RedirectURL     string
	ResetAt         int64 // ms epoch, set when granted
	TimeLimit       int64 // seconds granted
}

// Workflow lifts daily blocks. A grant clears the block, pushes a reset
// remote record carrying a fresh reset marker, and fans the grant out on
// the local bus and the remote channel so every context and device
// restarts its countdown.
type Workflow struct {
	subs   SubscriptionService
	sess   *session.Session
	local  storage.LocalStore
	remote storage.RemoteStore
	bus    *bus.Bus
	clock  reconcile.Clock
	logger zerolog.Logger
}

// NewWorkflow creates an override workflow. remote may be nil.
func NewWorkflow(subs SubscriptionService, sess *session.Session, local storage.LocalStore, remote storage.RemoteStore, b *bus.Bus, clock reconcile.Clock, logger zerolog.Logger) *Workflow {
	return &Workflow{
		subs:   subs,
		sess:   sess,
		local:  local,
		remote: remote,
		bus:    b,
		clock:  clock,
		logger: logger.With().Str("component", "override").Logger(),
	}
}

// Grant asks the subscription collaborator for an override and applies it.
// Denials come back in the Result; a collaborator failure is an error. In
// both cases the block stays in place.
func (w *Workflow) Grant(ctx context.Context, rawDomain, reason string) (*Result, error) {
	cfg := w.sess.DomainConfig(rawDomain)
	if cfg == nil {
		return nil, fmt.Errorf("domain not tracked: %s", rawDomain)
	}
	domain := cfg.Domain
	userID := w.sess.UserID()

	decision, err := w.subs.CanOverride(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("override check failed: %w", err)
	}

	if decision.Cost > 0 {
		metrics.OverridesDenied.WithLabelValues(domain, "payment_required").Inc()
		w.logger.Info().Str("domain", domain).Float64("cost", decision.Cost).Msg("Override requires payment")
		return &Result{
			PaymentRequired: true,
			Cost:            decision.Cost,
			Reason:          decision.Reason,
			RedirectURL:     decision.RedirectURL,
		}, nil
	}

	if !decision.Allowed {
		metrics.OverridesDenied.WithLabelValues(domain, "denied").Inc()
		w.logger.Info().Str("domain", domain).Str("reason", decision.Reason).Msg("Override denied")
		return &Result{
			Reason:      decision.Reason,
			RedirectURL: decision.RedirectURL,
			Remaining:   decision.Remaining,
		}, nil
	}

	record, err := w.subs.ProcessOverride(ctx, userID, domain, reason)
	if err != nil {
		return nil, fmt.Errorf("override processing failed: %w", err)
	}

	now := w.clock.Now()
	resetAt := now.UnixMilli()
	limit := cfg.GraceLimit

	if err := w.local.RemoveDailyBlock(ctx, domain); err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to clear daily block")
	}

	if w.remote != nil && userID != "" {
		remoteRecord := storage.RemoteTimerRecord{
			UserID:        userID,
			Domain:        domain,
			TimeRemaining: limit,
			TimeLimit:     limit,
			IsBlocked:     false,
			UpdatedAt:     now,
			Date:          now.Format("2006-01-02"),
			LastReset:     resetAt,
		}
		if err := w.remote.Push(ctx, remoteRecord); err != nil {
			metrics.RemoteSyncErrors.Inc()
			w.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to push reset record")
		}

		event := storage.OverrideEvent{Domain: domain, ResetAt: resetAt, TimeLimit: limit}
		if err := w.remote.PublishOverride(ctx, userID, event); err != nil {
			w.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to publish override event")
		}
	}

	w.bus.Publish(bus.Message{
		Type:    bus.TypeOverrideGranted,
		Domain:  domain,
		Payload: bus.OverridePayload{ResetAt: resetAt, TimeLimit: limit},
	})

	metrics.OverridesGranted.WithLabelValues(domain).Inc()
	w.logger.Info().
		Str("domain", domain).
		Str("override_id", record.ID).
		Int("remaining", decision.Remaining).
		Msg("Override granted")

	return &Result{
		Granted:   true,
		Remaining: decision.Remaining,
		ResetAt:   resetAt,
		TimeLimit: limit,
	}, nil
}
