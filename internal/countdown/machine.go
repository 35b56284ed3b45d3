package countdown

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/limitd/internal/arbiter"
	"github.com/goodtune/limitd/internal/bus"
	"github.com/goodtune/limitd/internal/metrics"
	"github.com/goodtune/limitd/internal/reconcile"
	"github.com/goodtune/limitd/internal/session"
	"github.com/goodtune/limitd/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is the countdown resolution.
	DefaultTickInterval = 1 * time.Second

	// DefaultPersistEvery is the local persistence cadence.
	DefaultPersistEvery = 3 * time.Second

	// DefaultSyncEvery is the remote reconcile cadence.
	DefaultSyncEvery = 5 * time.Second

	// maxConsecutiveSyncErrors is the threshold after which the machine
	// logs that it is running local-only until the remote recovers.
	maxConsecutiveSyncErrors = 5
)

// State is the lifecycle position of one countdown context.
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StatePaused
	StateExpired
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExpired:
		return "expired"
	case StateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config holds machine configuration for one domain.
type Config struct {
	Domain       string
	GraceLimit   int64 // daily allowance in seconds
	TickInterval time.Duration
	PersistEvery time.Duration
	SyncEvery    time.Duration
	StartVisible bool
}

// Machine is one execution context's countdown for one domain. It owns its
// state on a single goroutine; siblings coordinate only through the shared
// stores and the bus. Decrements follow elapsed wall-clock time, never tick
// counts, so a starved ticker cannot grant extra allowance.
type Machine struct {
	cfg       Config
	contextID string

	sess   *session.Session
	local  storage.LocalStore
	remote storage.RemoteStore
	engine *reconcile.Engine
	bus    *bus.Bus
	arb    *arbiter.Arbiter
	clock  reconcile.Clock
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	remaining       int64
	date            string
	lastReset       int64 // ms epoch
	lastTickMS      int64
	lastPersist     time.Time
	lastSync        time.Time
	syncFailures    int
	storageDegraded bool
	cleared         bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a countdown machine. remote may be nil for local-only mode.
func New(cfg Config, sess *session.Session, local storage.LocalStore, remote storage.RemoteStore, engine *reconcile.Engine, b *bus.Bus, clock reconcile.Clock, logger zerolog.Logger) *Machine {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PersistEvery == 0 {
		cfg.PersistEvery = DefaultPersistEvery
	}
	if cfg.SyncEvery == 0 {
		cfg.SyncEvery = DefaultSyncEvery
	}

	m := &Machine{
		cfg:       cfg,
		contextID: generateContextID(),
		sess:      sess,
		local:     local,
		remote:    remote,
		engine:    engine,
		bus:       b,
		clock:     clock,
		logger:    logger.With().Str("component", "countdown").Str("domain", cfg.Domain).Logger(),
		state:     StateUninitialized,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.arb = arbiter.New(cfg.StartVisible, m.logger)
	m.arb.OnActivate(m.onActivate)
	m.arb.OnDeactivate(m.onDeactivate)

	return m
}

// ContextID returns this context's identifier.
func (m *Machine) ContextID() string {
	return m.contextID
}

// SetVisible reports a visibility change for this context.
func (m *Machine) SetVisible(visible bool) {
	m.arb.SetVisible(visible)
}

// Snapshot is a point-in-time view of the machine for observers.
type Snapshot struct {
	Domain        string
	State         State
	TimeRemaining int64
	Date          string
}

// Snapshot returns the current machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Domain:        m.cfg.Domain,
		State:         m.state,
		TimeRemaining: m.remaining,
		Date:          m.date,
	}
}

// Start initializes the countdown and launches the tick loop. It blocks
// until the session is ready.
func (m *Machine) Start(ctx context.Context) error {
	if err := m.sess.WaitReady(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.initializeLocked(ctx)
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop shuts the machine down and waits for the loop to exit.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// initializeLocked seeds the countdown: a daily block dated today moves
// straight to Blocked, anything else comes from an initial reconcile.
// Stale records from previous days are discarded.
func (m *Machine) initializeLocked(ctx context.Context) {
	now := m.clock.Now()
	m.date = now.Format("2006-01-02")
	m.lastTickMS = now.UnixMilli()
	m.lastPersist = now
	m.lastSync = now

	if block, err := m.local.GetDailyBlock(ctx, m.cfg.Domain); err == nil {
		if block.Date == m.date {
			m.state = StateBlocked
			m.remaining = 0
			m.logger.Info().Msg("Domain is blocked for today")
			return
		}
		if err := m.local.RemoveDailyBlock(ctx, m.cfg.Domain); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn().Err(err).Msg("Failed to clear stale daily block")
		}
	}

	result, err := m.engine.Reconcile(ctx, m.sess.UserID(), m.cfg.Domain, m.cfg.GraceLimit, nil)
	if err != nil {
		m.noteSyncFailureLocked(err)
	} else {
		m.noteSyncSuccessLocked()
	}

	m.remaining = result.Seconds
	m.lastReset = result.LastReset

	if result.Expired {
		m.expireLocked(ctx)
		return
	}

	if m.arb.Active() {
		m.state = StateRunning
	} else {
		m.state = StatePaused
	}
	m.persistLocked(ctx)

	m.logger.Info().
		Int64("remaining", m.remaining).
		Str("seed", string(result.Source)).
		Str("state", m.state.String()).
		Msg("Countdown initialized")
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)

	metrics.ActiveContexts.Inc()
	defer metrics.ActiveContexts.Dec()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	busCh, cancelBus := m.bus.Subscribe(m.cfg.Domain)
	defer cancelBus()

	cancelStore := m.local.Subscribe(m.onStoreChange)
	defer cancelStore()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(context.Background())
			return
		case <-m.stop:
			m.shutdown(ctx)
			return
		case <-ticker.C:
			m.tick(ctx)
		case msg := <-busCh:
			if quit := m.handleMessage(ctx, msg); quit {
				return
			}
		}
	}
}

func (m *Machine) shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleared {
		return
	}
	if m.state == StateRunning || m.state == StatePaused {
		// Final persist so siblings and the next start resume from here
		m.consumeElapsedLocked()
		m.persistLocked(ctx)
		m.pushStateLocked(ctx, m.clock.Now(), false)
	}
	m.logger.Info().Str("state", m.state.String()).Msg("Countdown stopped")
}

func (m *Machine) tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	today := now.Format("2006-01-02")
	if today != m.date {
		m.rolloverLocked(ctx, now, today)
		return
	}

	switch m.state {
	case StateBlocked, StateExpired, StateUninitialized:
		return
	case StatePaused:
		// Frozen: elapsed hidden time must not burn allowance
		m.lastTickMS = now.UnixMilli()
		return
	}

	elapsed := m.consumeElapsedLocked()
	if elapsed > 0 {
		metrics.TicksTotal.WithLabelValues(m.cfg.Domain).Inc()
		metrics.SecondsConsumed.WithLabelValues(m.cfg.Domain).Add(float64(elapsed))
		metrics.TimeRemaining.WithLabelValues(m.cfg.Domain).Set(float64(m.remaining))
	}

	if m.remaining <= 0 {
		m.expireLocked(ctx)
		return
	}

	if now.Sub(m.lastPersist) >= m.cfg.PersistEvery {
		m.persistLocked(ctx)
	}

	if now.Sub(m.lastSync) >= m.cfg.SyncEvery {
		m.syncLocked(ctx, now)
	}
}

// consumeElapsedLocked decrements by whole elapsed wall-clock seconds and
// returns how many were consumed. Sub-second remainders carry over.
func (m *Machine) consumeElapsedLocked() int64 {
	nowMS := m.clock.Now().UnixMilli()
	if m.state != StateRunning || nowMS <= m.lastTickMS {
		m.lastTickMS = nowMS
		return 0
	}

	elapsed := (nowMS - m.lastTickMS) / 1000
	if elapsed <= 0 {
		return 0
	}
	m.lastTickMS += elapsed * 1000

	if elapsed > m.remaining {
		elapsed = m.remaining
	}
	m.remaining -= elapsed
	return elapsed
}

// rolloverLocked starts a fresh day: the old countdown and block are
// discarded and the full allowance is granted again.
func (m *Machine) rolloverLocked(ctx context.Context, now time.Time, today string) {
	m.logger.Info().Str("from", m.date).Str("to", today).Msg("Day rollover, granting fresh allowance")

	if err := m.local.RemoveDailyBlock(ctx, m.cfg.Domain); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("Failed to clear daily block on rollover")
	}

	m.date = today
	m.remaining = m.cfg.GraceLimit
	m.lastReset = 0 // reset markers belong to overrides, not rollovers
	m.lastTickMS = now.UnixMilli()
	if m.arb.Active() {
		m.state = StateRunning
	} else {
		m.state = StatePaused
	}
	m.persistLocked(ctx)
	metrics.TimeRemaining.WithLabelValues(m.cfg.Domain).Set(float64(m.remaining))
}

// syncLocked reconciles against the shared stores and adopts the merged
// value. Increases are adopted only with a newer reset marker.
func (m *Machine) syncLocked(ctx context.Context, now time.Time) {
	m.lastSync = now

	mem := &reconcile.Reading{
		Seconds:   m.remaining,
		Timestamp: now.UnixMilli(),
		Counting:  false, // already extrapolated to now
		LastReset: m.lastReset,
	}

	result, err := m.engine.Reconcile(ctx, m.sess.UserID(), m.cfg.Domain, m.cfg.GraceLimit, mem)
	if err != nil {
		m.noteSyncFailureLocked(err)
	} else {
		m.noteSyncSuccessLocked()
	}

	if result.LastReset > m.lastReset {
		// Sanctioned increase from another device
		m.remaining = result.Seconds
		m.lastReset = result.LastReset
	} else if result.Seconds < m.remaining {
		m.remaining = result.Seconds
	}

	if m.remaining <= 0 || result.Expired {
		m.remaining = 0
		if m.state == StateRunning || m.state == StatePaused {
			m.expireLocked(ctx)
		}
		return
	}

	m.pushStateLocked(ctx, now, m.state == StateRunning)
}

// pushStateLocked refreshes this context's remote record so other devices
// always find a current observation instead of seeding a fresh allowance.
// A rejection means the remote already holds a lower value; the next
// reconcile adopts it.
func (m *Machine) pushStateLocked(ctx context.Context, now time.Time, active bool) {
	if m.remote == nil || m.sess.UserID() == "" {
		return
	}

	record := storage.RemoteTimerRecord{
		UserID:        m.sess.UserID(),
		Domain:        m.cfg.Domain,
		TimeRemaining: m.remaining,
		TimeLimit:     m.cfg.GraceLimit,
		IsActive:      active,
		UpdatedAt:     now,
		Date:          m.date,
		LastReset:     m.lastReset,
	}
	if err := m.remote.Push(ctx, record); err != nil && !errors.Is(err, storage.ErrRemoteRejected) {
		metrics.RemoteSyncErrors.Inc()
		m.logger.Warn().Err(err).Msg("Failed to push timer state")
	}
}

func (m *Machine) noteSyncFailureLocked(err error) {
	m.syncFailures++
	if m.syncFailures == maxConsecutiveSyncErrors {
		m.logger.Warn().Err(err).
			Int("failures", m.syncFailures).
			Msg("Remote sync failing repeatedly, operating local-only until it recovers")
	}
}

func (m *Machine) noteSyncSuccessLocked() {
	if m.syncFailures >= maxConsecutiveSyncErrors {
		m.logger.Info().Msg("Remote sync recovered")
	}
	m.syncFailures = 0
}

// expireLocked runs the blocking transition. Every side effect is attempted
// regardless of earlier failures; a broken store must never keep the domain
// unblocked.
func (m *Machine) expireLocked(ctx context.Context) {
	m.state = StateExpired
	m.remaining = 0
	now := m.clock.Now()

	block := storage.DailyBlock{
		Domain:    m.cfg.Domain,
		Date:      m.date,
		Timestamp: now.UnixMilli(),
	}
	if err := m.local.SetDailyBlock(ctx, block); err != nil {
		m.logger.Error().Err(err).Msg("Failed to write daily block")
	}

	if m.remote != nil && m.sess.UserID() != "" {
		until := endOfDay(now)
		record := storage.RemoteTimerRecord{
			UserID:        m.sess.UserID(),
			Domain:        m.cfg.Domain,
			TimeRemaining: 0,
			TimeLimit:     m.cfg.GraceLimit,
			IsBlocked:     true,
			BlockedUntil:  &until,
			UpdatedAt:     now,
			Date:          m.date,
			LastReset:     m.lastReset,
		}
		if err := m.remote.Push(ctx, record); err != nil && !errors.Is(err, storage.ErrRemoteRejected) {
			metrics.RemoteSyncErrors.Inc()
			m.logger.Warn().Err(err).Msg("Failed to push blocked record")
		}
	}

	if err := m.local.Remove(ctx, m.cfg.Domain); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("Failed to clear timer state")
	}

	m.bus.Publish(bus.Message{
		Type:   bus.TypeStateChanged,
		Domain: m.cfg.Domain,
		Payload: bus.StateChangedPayload{
			State:         StateExpired.String(),
			TimeRemaining: 0,
			ContextID:     m.contextID,
		},
	})

	m.state = StateBlocked
	metrics.DomainsBlocked.WithLabelValues(m.cfg.Domain).Inc()
	metrics.TimeRemaining.WithLabelValues(m.cfg.Domain).Set(0)
	m.logger.Info().Msg("Allowance exhausted, domain blocked for today")
}

func (m *Machine) handleMessage(ctx context.Context, msg bus.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case bus.TypeOverrideGranted:
		payload, ok := msg.Payload.(bus.OverridePayload)
		if !ok {
			return false
		}
		m.applyOverrideLocked(ctx, payload.ResetAt, payload.TimeLimit)

	case bus.TypeStateChanged:
		payload, ok := msg.Payload.(bus.StateChangedPayload)
		if !ok || payload.ContextID == m.contextID {
			return false
		}
		if payload.State == StateExpired.String() && m.state != StateBlocked && m.state != StateExpired {
			// A sibling hit zero first; it already wrote the block
			m.state = StateBlocked
			m.remaining = 0
			metrics.TimeRemaining.WithLabelValues(m.cfg.Domain).Set(0)
			m.logger.Info().Str("by", payload.ContextID).Msg("Blocked by sibling context")
		}

	case bus.TypeStopTracking:
		if err := m.local.Remove(ctx, m.cfg.Domain); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn().Err(err).Msg("Failed to clear timer state on stop")
		}
		m.cleared = true
		m.state = StateUninitialized
		m.logger.Info().Msg("Tracking stopped, state cleared")
		return true
	}
	return false
}

// applyOverrideLocked lifts a block: Blocked -> Uninitialized -> Running
// with the granted allowance and the new reset marker.
func (m *Machine) applyOverrideLocked(ctx context.Context, resetAt, limit int64) {
	if limit <= 0 {
		limit = m.cfg.GraceLimit
	}
	now := m.clock.Now()
	if resetAt <= m.lastReset {
		// Already applied this reset
		return
	}
	if time.UnixMilli(resetAt).In(now.Location()).Format("2006-01-02") != now.Format("2006-01-02") {
		// Replayed reset from a previous day
		return
	}

	if err := m.local.RemoveDailyBlock(ctx, m.cfg.Domain); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("Failed to clear daily block on override")
	}

	m.state = StateUninitialized
	m.date = now.Format("2006-01-02")
	m.remaining = limit
	m.lastReset = resetAt
	m.lastTickMS = now.UnixMilli()
	if m.arb.Active() {
		m.state = StateRunning
	} else {
		m.state = StatePaused
	}
	m.persistLocked(ctx)
	metrics.TimeRemaining.WithLabelValues(m.cfg.Domain).Set(float64(m.remaining))

	m.logger.Info().Int64("granted", limit).Msg("Override applied, countdown restarted")
}

// onActivate fires when this context becomes visible. It must reconcile
// before resuming; the countdown may have burned down elsewhere meanwhile.
func (m *Machine) onActivate() {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return
	}

	now := m.clock.Now()
	m.lastTickMS = now.UnixMilli()
	m.syncLocked(ctx, now)
	if m.state != StatePaused {
		return // sync expired us
	}

	m.state = StateRunning
	m.persistLocked(ctx)
	m.logger.Debug().Int64("remaining", m.remaining).Msg("Resumed after reconcile")
}

// onDeactivate fires when this context is hidden. State is persisted
// flagged not-active so another context can take over the decrement.
func (m *Machine) onDeactivate() {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return
	}

	m.consumeElapsedLocked()
	m.state = StatePaused
	m.persistLocked(ctx)
	m.pushStateLocked(ctx, m.clock.Now(), false)
	m.logger.Debug().Int64("remaining", m.remaining).Msg("Paused")
}

// onStoreChange adopts lower values written by sibling contexts on the same
// device. It runs on the notifier's goroutine.
func (m *Machine) onStoreChange(domain string, old, updated *storage.TimerState) {
	if domain != m.cfg.Domain || updated == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if updated.OwnerContext == m.contextID {
		return // our own write
	}
	if updated.Date != m.date {
		return
	}

	seconds := reconcile.Extrapolate(reconcile.Reading{
		Seconds:   updated.TimeRemaining,
		Timestamp: updated.Timestamp,
		Counting:  updated.OwnerContext != "" && !updated.IsPaused,
	}, m.clock.Now().UnixMilli())

	if updated.LastReset > m.lastReset {
		m.remaining = seconds
		m.lastReset = updated.LastReset
	} else if seconds < m.remaining {
		m.remaining = seconds
	}
}

func (m *Machine) persistLocked(ctx context.Context) {
	now := m.clock.Now()
	owner := ""
	if m.state == StateRunning {
		owner = m.contextID
	}

	state := storage.TimerState{
		Domain:        m.cfg.Domain,
		TimeRemaining: m.remaining,
		GraceLimit:    m.cfg.GraceLimit,
		IsPaused:      m.state == StatePaused,
		OwnerContext:  owner,
		Timestamp:     now.UnixMilli(),
		Date:          m.date,
		LastReset:     m.lastReset,
	}

	err := m.local.Set(ctx, state)
	switch {
	case err == nil:
		m.lastPersist = now
		m.storageDegraded = false
	case errors.Is(err, storage.ErrStorageUnavailable):
		if !m.storageDegraded {
			m.storageDegraded = true
			m.logger.Warn().Err(err).Msg("Local store unavailable, continuing in memory")
		}
	default:
		m.logger.Error().Err(err).Msg("Failed to persist timer state")
	}
}

// endOfDay returns the next local midnight.
func endOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

func generateContextID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("ctx-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
