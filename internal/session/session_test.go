package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"youtube.com", "youtube.com"},
		{"www.youtube.com", "youtube.com"},
		{"https://www.youtube.com/watch?v=abc", "youtube.com"},
		{"http://YouTube.COM", "youtube.com"},
		{"youtube.com:443", "youtube.com"},
		{"https://reddit.com/r/golang", "reddit.com"},
		{"  www.example.org  ", "example.org"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := NormalizeDomain(tt.raw); got != tt.want {
				t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func testSession(userID string) *Session {
	provider := &StaticProvider{
		Domains: map[string]int64{
			"youtube.com": 1800,
			"reddit.com":  900,
		},
		Enabled: true,
	}
	return New(userID, provider, zerolog.Nop())
}

func TestDomainConfig_NormalizesAndResolves(t *testing.T) {
	s := testSession("user-1")

	cfg := s.DomainConfig("https://www.youtube.com/watch?v=abc")
	if cfg == nil {
		t.Fatal("Expected config for youtube.com")
	}
	if cfg.GraceLimit != 1800 {
		t.Errorf("Expected GraceLimit 1800, got %d", cfg.GraceLimit)
	}

	if cfg := s.DomainConfig("untracked.com"); cfg != nil {
		t.Errorf("Expected nil for untracked domain, got %+v", cfg)
	}
}

func TestDomainConfig_CachedLookup(t *testing.T) {
	s := testSession("user-1")

	first := s.DomainConfig("youtube.com")
	second := s.DomainConfig("www.youtube.com")
	if first == nil || second == nil {
		t.Fatal("Expected configs from both lookups")
	}
	if first != second {
		t.Error("Expected cached pointer for normalized duplicate lookup")
	}
}

func TestWaitReady(t *testing.T) {
	s := testSession("user-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); err == nil {
		t.Error("Expected timeout before MarkReady")
	}

	s.MarkReady()
	s.MarkReady() // idempotent

	if err := s.WaitReady(context.Background()); err != nil {
		t.Errorf("Expected ready, got %v", err)
	}

	select {
	case <-s.Ready():
	default:
		t.Error("Expected Ready channel closed")
	}
}

func TestUserID_LocalOnlyMode(t *testing.T) {
	s := testSession("")
	if s.UserID() != "" {
		t.Errorf("Expected empty user ID, got %q", s.UserID())
	}
}
