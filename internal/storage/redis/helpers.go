package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/limitd/internal/storage"
)

// parseTimerRecord converts a Redis hash to RemoteTimerRecord
func parseTimerRecord(data map[string]string) (*storage.RemoteTimerRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	timeRemaining, err := strconv.ParseInt(data["time_remaining"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time_remaining: %w", err)
	}

	timeLimit, err := strconv.ParseInt(data["time_limit"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time_limit: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	isActive := data["is_active"] == "1"
	isBlocked := data["is_blocked"] == "1"

	var blockedUntil *time.Time
	if raw := data["blocked_until"]; raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse blocked_until: %w", err)
		}
		blockedUntil = &parsed
	}

	var lastReset int64
	if raw := data["last_reset"]; raw != "" {
		lastReset, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_reset: %w", err)
		}
	}

	return &storage.RemoteTimerRecord{
		UserID:        data["user_id"],
		Domain:        data["domain"],
		TimeRemaining: timeRemaining,
		TimeLimit:     timeLimit,
		IsActive:      isActive,
		IsBlocked:     isBlocked,
		BlockedUntil:  blockedUntil,
		UpdatedAt:     updatedAt,
		Date:          data["date"],
		LastReset:     lastReset,
	}, nil
}
