package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/limitd/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Fetch retrieves the timer record for a user and domain
func (s *Store) Fetch(ctx context.Context, userID, domain string) (*storage.RemoteTimerRecord, error) {
	if userID == "" {
		return nil, storage.ErrUnauthenticated
	}

	data, err := s.client.HGetAll(ctx, timerKey(userID, domain)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseTimerRecord(data)
}

// Push writes a timer record through the anti-inflation script. A write that
// would raise time_remaining for the same date without a newer last_reset
// returns ErrRemoteRejected.
func (s *Store) Push(ctx context.Context, record storage.RemoteTimerRecord) error {
	if record.UserID == "" {
		return storage.ErrUnauthenticated
	}

	script := redis.NewScript(pushTimerScript)

	active := "0"
	if record.IsActive {
		active = "1"
	}

	blocked := "0"
	if record.IsBlocked {
		blocked = "1"
	}

	blockedUntil := ""
	if record.BlockedUntil != nil {
		blockedUntil = record.BlockedUntil.Format(time.RFC3339Nano)
	}

	keys := []string{timerKey(record.UserID, record.Domain)}
	args := []interface{}{
		record.UserID,
		record.Domain,
		record.TimeRemaining,
		record.TimeLimit,
		active,
		blocked,
		blockedUntil,
		record.UpdatedAt.Format(time.RFC3339Nano),
		record.Date,
		record.LastReset,
	}

	result, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}
	if result == "REJECTED" {
		return fmt.Errorf("push %s for %s: %w", record.Domain, record.UserID, storage.ErrRemoteRejected)
	}
	return nil
}
