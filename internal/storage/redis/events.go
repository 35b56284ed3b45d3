package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/limitd/internal/storage"
)

// PublishOverride fans an override event out to every device of a user
func (s *Store) PublishOverride(ctx context.Context, userID string, event storage.OverrideEvent) error {
	if userID == "" {
		return storage.ErrUnauthenticated
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal override event: %w", err)
	}

	return s.client.Publish(ctx, eventsChannel(userID), payload).Err()
}

// SubscribeOverrides listens for override events published for a user.
// The returned cancel func closes the subscription and the channel.
// Delivery is at-most-once; a device that is offline misses the event and
// catches up through reconciliation instead.
func (s *Store) SubscribeOverrides(ctx context.Context, userID string) (<-chan storage.OverrideEvent, func(), error) {
	if userID == "" {
		return nil, nil, storage.ErrUnauthenticated
	}

	pubsub := s.client.Subscribe(ctx, eventsChannel(userID))

	// Force the subscription to be established before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe overrides: %w", err)
	}

	out := make(chan storage.OverrideEvent, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event storage.OverrideEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			default:
				// Slow consumer, drop. Reconciliation repairs the miss.
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
