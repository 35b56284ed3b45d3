package session

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const domainCacheSize = 256

// DomainConfig is the tracking configuration for one domain.
type DomainConfig struct {
	Domain     string
	GraceLimit int64 // daily allowance in seconds
}

// ConfigProvider resolves tracking configuration for normalized domains.
// A nil result means the domain is not tracked.
type ConfigProvider interface {
	DomainConfig(domain string) *DomainConfig
	TrackingEnabled() bool
}

// Session holds the identity and configuration shared by every execution
// context in the process. It is built once at startup; consumers wait on
// Ready rather than polling.
type Session struct {
	userID   string
	provider ConfigProvider
	cache    *lru.Cache[string, *DomainConfig]
	logger   zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a session. userID may be empty for local-only operation.
func New(userID string, provider ConfigProvider, logger zerolog.Logger) *Session {
	cache, _ := lru.New[string, *DomainConfig](domainCacheSize)
	return &Session{
		userID:   userID,
		provider: provider,
		cache:    cache,
		logger:   logger.With().Str("component", "session").Logger(),
		ready:    make(chan struct{}),
	}
}

// MarkReady signals that stores and configuration are initialized.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		s.logger.Debug().Msg("Session ready")
	})
}

// Ready returns a channel closed once the session is initialized.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the session is ready or the context ends.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the configured user identity, empty in local-only mode.
func (s *Session) UserID() string {
	return s.userID
}

// TrackingEnabled reports whether countdown enforcement is on at all.
func (s *Session) TrackingEnabled() bool {
	return s.provider.TrackingEnabled()
}

// DomainConfig resolves the tracking config for a raw domain or URL,
// normalizing it first. Lookups are cached.
func (s *Session) DomainConfig(raw string) *DomainConfig {
	domain := NormalizeDomain(raw)
	if domain == "" {
		return nil
	}

	if cfg, ok := s.cache.Get(domain); ok {
		return cfg
	}

	cfg := s.provider.DomainConfig(domain)
	s.cache.Add(domain, cfg)
	return cfg
}

// NormalizeDomain reduces a URL or host to a bare comparable domain:
// scheme, path, port and a leading "www." are stripped, and the result is
// lower-cased.
func NormalizeDomain(raw string) string {
	domain := strings.TrimSpace(strings.ToLower(raw))

	if i := strings.Index(domain, "://"); i >= 0 {
		domain = domain[i+3:]
	}
	if i := strings.IndexAny(domain, "/?#"); i >= 0 {
		domain = domain[:i]
	}
	if i := strings.LastIndex(domain, ":"); i >= 0 && !strings.Contains(domain[i:], "]") {
		domain = domain[:i]
	}
	domain = strings.TrimPrefix(domain, "www.")

	return domain
}

// StaticProvider is a ConfigProvider backed by a fixed domain map, built
// from file configuration.
type StaticProvider struct {
	Domains map[string]int64 // normalized domain -> allowance seconds
	Enabled bool
}

// DomainConfig returns the config for a tracked domain, nil otherwise.
func (p *StaticProvider) DomainConfig(domain string) *DomainConfig {
	limit, ok := p.Domains[domain]
	if !ok {
		return nil
	}
	return &DomainConfig{Domain: domain, GraceLimit: limit}
}

// TrackingEnabled reports the configured enforcement switch.
func (p *StaticProvider) TrackingEnabled() bool {
	return p.Enabled
}
