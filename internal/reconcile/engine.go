package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/limitd/internal/metrics"
	"github.com/goodtune/limitd/internal/storage"
	"github.com/rs/zerolog"
)

// HysteresisSeconds is the merge noise floor. Readings within this distance
// of each other are treated as equal so devices with healthy clock skew do
// not ping-pong corrections at each other.
const HysteresisSeconds = 1

// Source identifies where a merged countdown value came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceMemory Source = "memory"
	SourceFresh  Source = "fresh"
)

// Reading is one observation of a countdown: how many seconds were left and
// when that was true. Counting marks readings that kept burning down after
// Timestamp (an active, unpaused owner), so they must be extrapolated.
type Reading struct {
	Source    Source
	Seconds   int64
	Timestamp int64 // ms epoch when Seconds was observed
	Counting  bool
	LastReset int64 // ms epoch of the last sanctioned reset
}

// Result is the merged authoritative countdown.
type Result struct {
	Seconds   int64
	Source    Source
	LastReset int64
	Expired   bool
}

// Extrapolate projects a reading forward to now. A counting reading loses
// one second per elapsed wall-clock second, clamped at zero; a paused or
// inactive reading is frozen.
func Extrapolate(r Reading, nowMS int64) int64 {
	seconds := r.Seconds
	if r.Counting && nowMS > r.Timestamp {
		seconds -= (nowMS - r.Timestamp) / 1000
	}
	if seconds < 0 {
		seconds = 0
	}
	return seconds
}

// Merge combines any number of extrapolated readings into the authoritative
// value. The conservative rule is min-wins: time only ever merges downward.
// The single exception is a strictly newer LastReset, which marks a
// sanctioned increase (an override) and wins outright. With no
// readings at all the countdown starts fresh at the full limit.
//
// Merge is pure and idempotent: the same readings at the same instant always
// produce the same result.
func Merge(limit int64, nowMS int64, readings ...Reading) Result {
	if len(readings) == 0 {
		return Result{Seconds: limit, Source: SourceFresh, Expired: limit <= 0}
	}

	var maxReset int64
	for _, r := range readings {
		if r.LastReset > maxReset {
			maxReset = r.LastReset
		}
	}

	// Only readings that have seen the newest reset may vote; a stale
	// reading predating an override would otherwise clamp it back down.
	merged := Result{Seconds: -1, LastReset: maxReset}
	for _, r := range readings {
		if r.LastReset != maxReset {
			continue
		}
		seconds := Extrapolate(r, nowMS)
		if merged.Seconds < 0 || seconds < merged.Seconds {
			merged.Seconds = seconds
			merged.Source = r.Source
		}
	}

	merged.Expired = merged.Seconds <= 0
	return merged
}

// Engine reconciles the in-memory countdown, the device-local store, and the
// per-user remote store into one authoritative value, then pushes that value
// back to whichever side was too optimistic.
type Engine struct {
	local  storage.LocalStore
	remote storage.RemoteStore
	clock  Clock
	logger zerolog.Logger
}

// NewEngine creates a reconciliation engine. remote may be nil for
// local-only operation.
func NewEngine(local storage.LocalStore, remote storage.RemoteStore, clock Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		local:  local,
		remote: remote,
		clock:  clock,
		logger: logger.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile merges all available readings for a domain and converges the
// stores toward the result. mem is the caller's in-memory reading, nil if it
// has none yet.
//
// A non-nil error reports a degraded pass (remote store unreachable); the
// returned Result is still valid and built from the readings that were
// available. An unreachable remote is "unknown", never zero.
func (e *Engine) Reconcile(ctx context.Context, userID, domain string, limit int64, mem *Reading) (Result, error) {
	now := e.clock.Now()
	nowMS := now.UnixMilli()
	today := now.Format("2006-01-02")

	readings := make([]Reading, 0, 3)
	if mem != nil {
		m := *mem
		m.Source = SourceMemory
		readings = append(readings, m)
	}

	var localState *storage.TimerState
	if state, err := e.local.Get(ctx, domain); err == nil {
		if state.Date == today {
			localState = state
			readings = append(readings, Reading{
				Source:    SourceLocal,
				Seconds:   state.TimeRemaining,
				Timestamp: state.Timestamp,
				Counting:  state.OwnerContext != "" && !state.IsPaused,
				LastReset: state.LastReset,
			})
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn().Err(err).Str("domain", domain).Msg("Local read failed, continuing without local reading")
	}

	var remoteErr error
	var remoteReading *Reading
	if e.remote != nil && userID != "" {
		record, err := e.remote.Fetch(ctx, userID, domain)
		switch {
		case err == nil:
			if record.Date == today {
				r := Reading{
					Source:    SourceRemote,
					Seconds:   record.TimeRemaining,
					Timestamp: record.UpdatedAt.UnixMilli(),
					Counting:  record.IsActive && !record.IsBlocked,
					LastReset: record.LastReset,
				}
				if record.IsBlocked {
					r.Seconds = 0
				}
				remoteReading = &r
				readings = append(readings, r)
			}
		case errors.Is(err, storage.ErrNotFound):
			// No record yet, nothing to merge
		default:
			remoteErr = fmt.Errorf("remote fetch %s: %w", domain, err)
			metrics.RemoteSyncErrors.Inc()
			e.logger.Warn().Err(err).Str("domain", domain).Msg("Remote fetch failed, treating as unknown")
		}
	}

	merged := Merge(limit, nowMS, readings...)
	metrics.Reconciliations.WithLabelValues(string(merged.Source)).Inc()

	// Converge the side that was running high back down to the merged
	// value. A missing or stale-dated remote record is created outright;
	// otherwise another device would seed a fresh allowance while time is
	// burning here. Differences inside the hysteresis window are clock noise.
	if e.remote != nil && userID != "" && remoteErr == nil {
		push := remoteReading == nil
		if remoteReading != nil {
			remoteNow := Extrapolate(*remoteReading, nowMS)
			push = remoteNow-merged.Seconds > HysteresisSeconds
		}
		if push {
			// The merged value is a frozen snapshot at now; the owning
			// context refreshes the activity flag on its own push cadence.
			record := storage.RemoteTimerRecord{
				UserID:        userID,
				Domain:        domain,
				TimeRemaining: merged.Seconds,
				TimeLimit:     limit,
				IsActive:      false,
				IsBlocked:     merged.Expired,
				UpdatedAt:     now,
				Date:          today,
				LastReset:     merged.LastReset,
			}
			if err := e.remote.Push(ctx, record); err != nil {
				if errors.Is(err, storage.ErrRemoteRejected) {
					e.logger.Debug().Str("domain", domain).Msg("Remote already held a lower value")
				} else {
					metrics.RemoteSyncErrors.Inc()
					e.logger.Warn().Err(err).Str("domain", domain).Msg("Remote push failed")
					remoteErr = fmt.Errorf("remote push %s: %w", domain, err)
				}
			}
		}
	}

	if localState != nil {
		localNow := Extrapolate(Reading{
			Seconds:   localState.TimeRemaining,
			Timestamp: localState.Timestamp,
			Counting:  localState.OwnerContext != "" && !localState.IsPaused,
		}, nowMS)
		if localNow-merged.Seconds > HysteresisSeconds {
			updated := *localState
			updated.TimeRemaining = merged.Seconds
			updated.Timestamp = nowMS
			updated.LastReset = merged.LastReset
			if err := e.local.Set(ctx, updated); err != nil {
				e.logger.Warn().Err(err).Str("domain", domain).Msg("Local converge write failed")
			}
		}
	}

	return merged, remoteErr
}
