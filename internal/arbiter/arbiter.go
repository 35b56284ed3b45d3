package arbiter

import (
	"sync"

	"github.com/rs/zerolog"
)

// Arbiter tracks one execution context's visibility and decides whether it
// is the active context for its domain. Visibility is a soft claim: two
// contexts may briefly both believe they are active, and the conservative
// merge in reconciliation absorbs the overlap. There is no leader election.
type Arbiter struct {
	mu           sync.Mutex
	visible      bool
	onActivate   func()
	onDeactivate func()
	logger       zerolog.Logger
}

// New creates an arbiter with the given initial visibility.
func New(initiallyVisible bool, logger zerolog.Logger) *Arbiter {
	return &Arbiter{
		visible: initiallyVisible,
		logger:  logger.With().Str("component", "arbiter").Logger(),
	}
}

// OnActivate registers the callback fired on hidden to visible transitions.
// The callback must reconcile against the shared stores before resuming the
// countdown; the context may have gone stale while hidden.
func (a *Arbiter) OnActivate(fn func()) {
	a.mu.Lock()
	a.onActivate = fn
	a.mu.Unlock()
}

// OnDeactivate registers the callback fired on visible to hidden
// transitions. The callback persists current state flagged not-active.
func (a *Arbiter) OnDeactivate(fn func()) {
	a.mu.Lock()
	a.onDeactivate = fn
	a.mu.Unlock()
}

// SetVisible records a visibility change. Callbacks fire only on actual
// transitions; repeated reports of the same state are ignored.
func (a *Arbiter) SetVisible(visible bool) {
	a.mu.Lock()
	if a.visible == visible {
		a.mu.Unlock()
		return
	}
	a.visible = visible
	var fn func()
	if visible {
		fn = a.onActivate
	} else {
		fn = a.onDeactivate
	}
	a.mu.Unlock()

	a.logger.Debug().Bool("visible", visible).Msg("Visibility changed")
	if fn != nil {
		fn()
	}
}

// Active reports whether this context currently holds the decrement claim.
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible
}
