package countdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/limitd/internal/bus"
	"github.com/goodtune/limitd/internal/config"
	"github.com/goodtune/limitd/internal/reconcile"
	"github.com/goodtune/limitd/internal/session"
	"github.com/goodtune/limitd/internal/storage"
	"github.com/goodtune/limitd/internal/storage/memory"
	redisstore "github.com/goodtune/limitd/internal/storage/redis"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

type harness struct {
	machine *Machine
	local   storage.LocalStore
	remote  storage.RemoteStore
	bus     *bus.Bus
	clock   *reconcile.TestClock
}

func newHarness(t *testing.T, userID string, limit int64, withRemote bool) *harness {
	t.Helper()

	local := memory.New()
	clock := &reconcile.TestClock{CurrentTime: testNow}
	b := bus.New()

	var remote storage.RemoteStore
	if withRemote {
		mr := miniredis.RunT(t)
		store, err := redisstore.Open(config.RedisConfig{
			Host:         mr.Addr(),
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		})
		if err != nil {
			t.Fatalf("Failed to open Redis store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		remote = store
	}

	provider := &session.StaticProvider{
		Domains: map[string]int64{"youtube.com": limit},
		Enabled: true,
	}
	sess := session.New(userID, provider, zerolog.Nop())
	sess.MarkReady()

	engine := reconcile.NewEngine(local, remote, clock, zerolog.Nop())
	machine := New(Config{
		Domain:       "youtube.com",
		GraceLimit:   limit,
		StartVisible: true,
	}, sess, local, remote, engine, b, clock, zerolog.Nop())

	return &harness{machine: machine, local: local, remote: remote, bus: b, clock: clock}
}

func (h *harness) initialize(ctx context.Context) {
	h.machine.mu.Lock()
	h.machine.initializeLocked(ctx)
	h.machine.mu.Unlock()
}

func TestInitialize_StartsRunningWithFullAllowance(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	h.initialize(context.Background())

	snap := h.machine.Snapshot()
	if snap.State != StateRunning {
		t.Errorf("Expected running, got %s", snap.State)
	}
	if snap.TimeRemaining != 1800 {
		t.Errorf("Expected full allowance 1800, got %d", snap.TimeRemaining)
	}
}

func TestInitialize_ResumesFromLocalState(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()

	_ = h.local.Set(ctx, storage.TimerState{
		Domain:        "youtube.com",
		TimeRemaining: 700,
		GraceLimit:    1800,
		Timestamp:     testNow.UnixMilli(),
		Date:          "2026-08-31",
	})

	h.initialize(ctx)

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 700 {
		t.Errorf("Expected resumed 700, got %d", snap.TimeRemaining)
	}
}

func TestInitialize_BlockedTodayGoesStraightToBlocked(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()

	_ = h.local.SetDailyBlock(ctx, storage.DailyBlock{
		Domain:    "youtube.com",
		Date:      "2026-08-31",
		Timestamp: testNow.UnixMilli(),
	})

	h.initialize(ctx)

	if snap := h.machine.Snapshot(); snap.State != StateBlocked {
		t.Errorf("Expected blocked, got %s", snap.State)
	}
}

func TestInitialize_StaleBlockDiscarded(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()

	_ = h.local.SetDailyBlock(ctx, storage.DailyBlock{
		Domain:    "youtube.com",
		Date:      "2026-08-30",
		Timestamp: testNow.Add(-24 * time.Hour).UnixMilli(),
	})

	h.initialize(ctx)

	if snap := h.machine.Snapshot(); snap.State != StateRunning {
		t.Errorf("Expected running after stale block, got %s", snap.State)
	}
	if _, err := h.local.GetDailyBlock(ctx, "youtube.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected stale block removed, got %v", err)
	}
}

func TestTick_DecrementsByElapsedWallClock(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(5 * time.Second)
	h.machine.tick(ctx)

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1795 {
		t.Errorf("Expected 1795 after 5s, got %d", snap.TimeRemaining)
	}

	// Even if ticks were starved, elapsed wall-clock time is what counts
	h.clock.Advance(30 * time.Second)
	h.machine.tick(ctx)

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1765 {
		t.Errorf("Expected 1765 after 35s total, got %d", snap.TimeRemaining)
	}
}

func TestTick_SubSecondRemainderCarriesOver(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(500 * time.Millisecond)
	h.machine.tick(ctx)
	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1800 {
		t.Errorf("Expected no decrement under 1s, got %d", snap.TimeRemaining)
	}

	h.clock.Advance(600 * time.Millisecond)
	h.machine.tick(ctx)
	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1799 {
		t.Errorf("Expected 1799 after 1.1s total, got %d", snap.TimeRemaining)
	}
}

func TestPause_FreezesCountdown(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.machine.SetVisible(false)
	if snap := h.machine.Snapshot(); snap.State != StatePaused {
		t.Fatalf("Expected paused, got %s", snap.State)
	}

	h.clock.Advance(10 * time.Minute)
	h.machine.tick(ctx)

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1800 {
		t.Errorf("Expected frozen 1800 while paused, got %d", snap.TimeRemaining)
	}

	h.machine.SetVisible(true)
	if snap := h.machine.Snapshot(); snap.State != StateRunning {
		t.Fatalf("Expected running after resume, got %s", snap.State)
	}

	h.clock.Advance(3 * time.Second)
	h.machine.tick(ctx)
	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1797 {
		t.Errorf("Expected 1797 after resume, got %d", snap.TimeRemaining)
	}
}

func TestExpiry_BlocksAndRunsAllSideEffects(t *testing.T) {
	h := newHarness(t, "user-1", 10, true)
	ctx := context.Background()
	h.initialize(ctx)

	events, cancel := h.bus.Subscribe("youtube.com")
	defer cancel()

	h.clock.Advance(10 * time.Second)
	h.machine.tick(ctx)

	snap := h.machine.Snapshot()
	if snap.State != StateBlocked {
		t.Fatalf("Expected blocked, got %s", snap.State)
	}

	// Daily block written for today
	block, err := h.local.GetDailyBlock(ctx, "youtube.com")
	if err != nil {
		t.Fatalf("Expected daily block, got %v", err)
	}
	if block.Date != "2026-08-31" {
		t.Errorf("Expected block dated today, got %s", block.Date)
	}

	// Timer state cleared
	if _, err := h.local.Get(ctx, "youtube.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected timer state cleared, got %v", err)
	}

	// Final zeroed blocked record pushed remotely
	record, err := h.remote.Fetch(ctx, "user-1", "youtube.com")
	if err != nil {
		t.Fatalf("Expected remote record, got %v", err)
	}
	if !record.IsBlocked || record.TimeRemaining != 0 {
		t.Errorf("Expected blocked zero record, got remaining=%d blocked=%v", record.TimeRemaining, record.IsBlocked)
	}
	if record.BlockedUntil == nil {
		t.Error("Expected blocked_until set")
	}

	// Expiry fanned out on the bus
	select {
	case msg := <-events:
		if msg.Type != bus.TypeStateChanged {
			t.Errorf("Expected stateChanged, got %s", msg.Type)
		}
		payload := msg.Payload.(bus.StateChangedPayload)
		if payload.State != "expired" {
			t.Errorf("Expected expired payload, got %s", payload.State)
		}
	case <-time.After(time.Second):
		t.Error("Expected expiry fan-out on the bus")
	}
}

func TestSiblingExpiry_BlocksThisContext(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	quit := h.machine.handleMessage(ctx, bus.Message{
		Type:   bus.TypeStateChanged,
		Domain: "youtube.com",
		Payload: bus.StateChangedPayload{
			State:     "expired",
			ContextID: "other-context",
		},
	})
	if quit {
		t.Error("stateChanged must not stop the machine")
	}

	if snap := h.machine.Snapshot(); snap.State != StateBlocked {
		t.Errorf("Expected blocked by sibling, got %s", snap.State)
	}
}

func TestOverride_RestartsCountdownFromBlocked(t *testing.T) {
	h := newHarness(t, "", 10, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(10 * time.Second)
	h.machine.tick(ctx)
	if snap := h.machine.Snapshot(); snap.State != StateBlocked {
		t.Fatalf("Expected blocked, got %s", snap.State)
	}

	h.machine.handleMessage(ctx, bus.Message{
		Type:   bus.TypeOverrideGranted,
		Domain: "youtube.com",
		Payload: bus.OverridePayload{
			ResetAt:   h.clock.Now().UnixMilli(),
			TimeLimit: 10,
		},
	})

	snap := h.machine.Snapshot()
	if snap.State != StateRunning {
		t.Errorf("Expected running after override, got %s", snap.State)
	}
	if snap.TimeRemaining != 10 {
		t.Errorf("Expected fresh allowance 10, got %d", snap.TimeRemaining)
	}

	if _, err := h.local.GetDailyBlock(ctx, "youtube.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected daily block cleared, got %v", err)
	}
}

func TestOverride_StaleResetIgnored(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(5 * time.Second)
	h.machine.tick(ctx)

	// A replayed reset from a previous day must not re-grant time
	h.machine.handleMessage(ctx, bus.Message{
		Type:   bus.TypeOverrideGranted,
		Domain: "youtube.com",
		Payload: bus.OverridePayload{
			ResetAt:   testNow.Add(-13 * time.Hour).UnixMilli(),
			TimeLimit: 1800,
		},
	})

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1795 {
		t.Errorf("Expected 1795 unchanged by stale override, got %d", snap.TimeRemaining)
	}
}

func TestRollover_GrantsFreshAllowance(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(30 * time.Second)
	h.machine.tick(ctx)
	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1770 {
		t.Fatalf("Expected 1770 before rollover, got %d", snap.TimeRemaining)
	}

	// Cross midnight
	h.clock.CurrentTime = time.Date(2026, 9, 1, 0, 0, 5, 0, time.UTC)
	h.machine.tick(ctx)

	snap := h.machine.Snapshot()
	if snap.Date != "2026-09-01" {
		t.Errorf("Expected new date, got %s", snap.Date)
	}
	if snap.TimeRemaining != 1800 {
		t.Errorf("Expected fresh allowance 1800, got %d", snap.TimeRemaining)
	}
	if snap.State != StateRunning {
		t.Errorf("Expected running, got %s", snap.State)
	}
}

func TestRollover_UnblocksBlockedDomain(t *testing.T) {
	h := newHarness(t, "", 10, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(10 * time.Second)
	h.machine.tick(ctx)
	if snap := h.machine.Snapshot(); snap.State != StateBlocked {
		t.Fatalf("Expected blocked, got %s", snap.State)
	}

	h.clock.CurrentTime = time.Date(2026, 9, 1, 0, 0, 5, 0, time.UTC)
	h.machine.tick(ctx)

	snap := h.machine.Snapshot()
	if snap.State != StateRunning || snap.TimeRemaining != 10 {
		t.Errorf("Expected fresh running countdown, got %s with %d", snap.State, snap.TimeRemaining)
	}
	if _, err := h.local.GetDailyBlock(ctx, "youtube.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected block cleared on rollover, got %v", err)
	}
}

func TestStopTracking_ClearsStateAndQuits(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	quit := h.machine.handleMessage(ctx, bus.Message{
		Type:   bus.TypeStopTracking,
		Domain: "youtube.com",
	})
	if !quit {
		t.Error("Expected stopTracking to quit the machine")
	}

	if _, err := h.local.Get(ctx, "youtube.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected timer state cleared, got %v", err)
	}
}

func TestStoreChange_AdoptsLowerSiblingValue(t *testing.T) {
	h := newHarness(t, "", 1800, false)
	ctx := context.Background()
	h.initialize(ctx)

	h.machine.onStoreChange("youtube.com", nil, &storage.TimerState{
		Domain:        "youtube.com",
		TimeRemaining: 1000,
		GraceLimit:    1800,
		OwnerContext:  "other-context",
		Timestamp:     h.clock.Now().UnixMilli(),
		Date:          "2026-08-31",
	})

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1000 {
		t.Errorf("Expected adopted 1000, got %d", snap.TimeRemaining)
	}

	// A higher sibling value never inflates this context
	h.machine.onStoreChange("youtube.com", nil, &storage.TimerState{
		Domain:        "youtube.com",
		TimeRemaining: 1600,
		OwnerContext:  "other-context",
		Timestamp:     h.clock.Now().UnixMilli(),
		Date:          "2026-08-31",
	})

	if snap := h.machine.Snapshot(); snap.TimeRemaining != 1000 {
		t.Errorf("Expected 1000 kept against higher sibling, got %d", snap.TimeRemaining)
	}
}

func TestSync_PullsRemoteDecrease(t *testing.T) {
	h := newHarness(t, "user-1", 1800, true)
	ctx := context.Background()
	h.initialize(ctx)

	// Another device burned the allowance down to 200
	_ = h.remote.Push(ctx, storage.RemoteTimerRecord{
		UserID:        "user-1",
		Domain:        "youtube.com",
		TimeRemaining: 200,
		TimeLimit:     1800,
		UpdatedAt:     h.clock.Now(),
		Date:          "2026-08-31",
	})

	h.clock.Advance(6 * time.Second) // past the sync cadence
	h.machine.tick(ctx)

	snap := h.machine.Snapshot()
	if snap.TimeRemaining > 200 {
		t.Errorf("Expected countdown pulled down to ~200, got %d", snap.TimeRemaining)
	}
}

func TestSync_PushesOwnStateToRemote(t *testing.T) {
	h := newHarness(t, "user-1", 600, true)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(6 * time.Second) // past the sync cadence
	h.machine.tick(ctx)

	record, err := h.remote.Fetch(ctx, "user-1", "youtube.com")
	if err != nil {
		t.Fatalf("Expected remote record after sync, got %v", err)
	}
	if record.TimeRemaining != 594 {
		t.Errorf("Expected 594 pushed, got %d", record.TimeRemaining)
	}
	if !record.IsActive {
		t.Error("Expected record marked counting while running")
	}

	// A second device sharing the remote inherits the burned-down
	// countdown instead of seeding a fresh allowance
	provider := &session.StaticProvider{
		Domains: map[string]int64{"youtube.com": 600},
		Enabled: true,
	}
	sess := session.New("user-1", provider, zerolog.Nop())
	sess.MarkReady()
	local := memory.New()
	engine := reconcile.NewEngine(local, h.remote, h.clock, zerolog.Nop())
	other := New(Config{
		Domain:       "youtube.com",
		GraceLimit:   600,
		StartVisible: true,
	}, sess, local, h.remote, engine, bus.New(), h.clock, zerolog.Nop())

	other.mu.Lock()
	other.initializeLocked(ctx)
	other.mu.Unlock()

	if snap := other.Snapshot(); snap.TimeRemaining != 594 {
		t.Errorf("Expected second device seeded with 594, got %d", snap.TimeRemaining)
	}
}

func TestPause_PushesFrozenStateToRemote(t *testing.T) {
	h := newHarness(t, "user-1", 600, true)
	ctx := context.Background()
	h.initialize(ctx)

	h.clock.Advance(6 * time.Second)
	h.machine.tick(ctx)

	h.machine.SetVisible(false)

	record, err := h.remote.Fetch(ctx, "user-1", "youtube.com")
	if err != nil {
		t.Fatalf("Expected remote record after pause, got %v", err)
	}
	if record.IsActive {
		t.Error("Expected paused record not marked counting")
	}
	if record.TimeRemaining != 594 {
		t.Errorf("Expected frozen 594, got %d", record.TimeRemaining)
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	local := memory.New()
	b := bus.New()
	provider := &session.StaticProvider{
		Domains: map[string]int64{"youtube.com": 1800},
		Enabled: true,
	}
	sess := session.New("", provider, zerolog.Nop())
	sess.MarkReady()

	clock := reconcile.RealClock{}
	engine := reconcile.NewEngine(local, nil, clock, zerolog.Nop())
	machine := New(Config{
		Domain:       "youtube.com",
		GraceLimit:   1800,
		TickInterval: 10 * time.Millisecond,
		StartVisible: true,
	}, sess, local, nil, engine, b, clock, zerolog.Nop())

	if err := machine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	machine.Stop()

	// Final state persisted for the next start
	state, err := local.Get(context.Background(), "youtube.com")
	if err != nil {
		t.Fatalf("Expected persisted state after stop, got %v", err)
	}
	if state.TimeRemaining != 1800 {
		t.Errorf("Expected 1800 (under a second elapsed), got %d", state.TimeRemaining)
	}
}
