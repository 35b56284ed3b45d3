package override

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/goodtune/limitd/internal/reconcile"
)

// StaticPlans is a SubscriptionService backed by file configuration. It
// grants a fixed number of free overrides per day; when the plan carries
// none, denials point the user at the upgrade URL. Usage is counted in
// memory and rolls over at local midnight.
type StaticPlans struct {
	FreePerDay int
	UpgradeURL string

	clock reconcile.Clock

	mu   sync.Mutex
	date string
	used map[string]int // userID -> overrides used today
}

// NewStaticPlans creates a plan collaborator with the given daily quota.
func NewStaticPlans(freePerDay int, upgradeURL string, clock reconcile.Clock) *StaticPlans {
	return &StaticPlans{
		FreePerDay: freePerDay,
		UpgradeURL: upgradeURL,
		clock:      clock,
		used:       make(map[string]int),
	}
}

func (p *StaticPlans) rolloverLocked() {
	today := p.clock.Now().Format("2006-01-02")
	if p.date != today {
		p.date = today
		p.used = make(map[string]int)
	}
}

// CanOverride checks today's remaining quota for the user.
func (p *StaticPlans) CanOverride(_ context.Context, userID string) (*Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked()

	if p.FreePerDay <= 0 {
		return &Decision{
			Reason:      "plan does not include overrides",
			RedirectURL: p.UpgradeURL,
		}, nil
	}

	remaining := p.FreePerDay - p.used[userID]
	if remaining <= 0 {
		return &Decision{
			Reason:      "daily override limit reached",
			RedirectURL: p.UpgradeURL,
		}, nil
	}

	return &Decision{Allowed: true, Remaining: remaining}, nil
}

// ProcessOverride consumes one override from today's quota.
func (p *StaticPlans) ProcessOverride(_ context.Context, userID, domain, reason string) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked()

	p.used[userID]++

	id := ""
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		id = fmt.Sprintf("ovr-%d", p.clock.Now().UnixMilli())
	} else {
		id = hex.EncodeToString(buf)
	}
	return &Record{
		ID:        id,
		UserID:    userID,
		Domain:    domain,
		Reason:    reason,
		GrantedAt: p.clock.Now(),
	}, nil
}
