package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrStorageUnavailable is returned when the local store cannot be reached.
// Callers degrade to in-memory operation for the session and retry later.
var ErrStorageUnavailable = errors.New("storage: local store unavailable")

// ErrUnauthenticated is returned for remote operations without a user
// identity. The engine runs local-only until one is configured.
var ErrUnauthenticated = errors.New("storage: no user identity")

// ErrRemoteRejected is returned when the remote store refuses a push,
// typically because it would inflate an already lower countdown.
var ErrRemoteRejected = errors.New("storage: remote rejected write")

// ChangeFunc receives local store change notifications. old is nil on
// first write, updated is nil on removal.
type ChangeFunc func(domain string, old, updated *TimerState)

// LocalStore is the device-local countdown store shared by every execution
// context on one device. Writes are last-write-wins; each write fans out to
// all subscribers.
type LocalStore interface {
	Get(ctx context.Context, domain string) (*TimerState, error)
	Set(ctx context.Context, state TimerState) error
	Remove(ctx context.Context, domain string) error

	GetDailyBlock(ctx context.Context, domain string) (*DailyBlock, error)
	SetDailyBlock(ctx context.Context, block DailyBlock) error
	RemoveDailyBlock(ctx context.Context, domain string) error

	// Subscribe registers a change callback and returns a cancel func.
	// Callbacks run on their own goroutine, at most once per write.
	Subscribe(fn ChangeFunc) (cancel func())

	Close() error
}

// RemoteStore is the per-user cross-device countdown store. Fetch and Push
// failures are transient: a failed fetch means "unknown", never an
// authoritative zero.
type RemoteStore interface {
	Fetch(ctx context.Context, userID, domain string) (*RemoteTimerRecord, error)
	Push(ctx context.Context, record RemoteTimerRecord) error

	PublishOverride(ctx context.Context, userID string, event OverrideEvent) error
	SubscribeOverrides(ctx context.Context, userID string) (<-chan OverrideEvent, func(), error)

	Close() error
}
