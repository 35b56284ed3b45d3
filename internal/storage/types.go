package storage

import "time"

// TimerState is a device-local countdown record for one domain. Timestamp is
// the moment TimeRemaining was observed, in milliseconds since the Unix epoch,
// so readers can extrapolate how much time has burned off since the write.
type TimerState struct {
	Domain        string `json:"domain"`
	TimeRemaining int64  `json:"timeRemaining"` // seconds left today
	GraceLimit    int64  `json:"graceLimit"`    // full daily allowance in seconds
	IsPaused      bool   `json:"isPaused"`
	OwnerContext  string `json:"ownerContextId,omitempty"` // context currently decrementing
	Timestamp     int64  `json:"timestamp"`                // ms epoch of this observation
	Date          string `json:"date"`                     // YYYY-MM-DD the record belongs to
	LastReset     int64  `json:"lastReset,omitempty"`      // ms epoch of the last sanctioned reset
}

// DailyBlock marks a domain as exhausted for one calendar day.
type DailyBlock struct {
	Domain    string `json:"domain"`
	Date      string `json:"date"`      // YYYY-MM-DD
	Timestamp int64  `json:"timestamp"` // ms epoch when the block was written
}

// RemoteTimerRecord is the cross-device representation of a countdown,
// shared by all devices of one user.
type RemoteTimerRecord struct {
	UserID        string
	Domain        string
	TimeRemaining int64 // seconds left today
	TimeLimit     int64 // full daily allowance in seconds
	IsActive      bool  // a context was counting down at UpdatedAt
	IsBlocked     bool
	BlockedUntil  *time.Time
	UpdatedAt     time.Time
	Date          string // YYYY-MM-DD
	LastReset     int64  // ms epoch of the last sanctioned reset
}

// OverrideEvent is fanned out to every device of a user when a block is
// lifted, carrying the reset moment so the merge accepts the time increase.
type OverrideEvent struct {
	Domain    string `json:"domain"`
	ResetAt   int64  `json:"reset_at"`   // ms epoch
	TimeLimit int64  `json:"time_limit"` // seconds granted by the reset
}
