package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/limitd/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketTimerState = "timer_state"
	bucketDailyBlock = "daily_block"
)

// Store implements storage.LocalStore using bbolt. One Store is shared by
// every execution context on the device; Set fans out to all subscribers.
type Store struct {
	db *bbolt.DB

	mu      sync.Mutex
	nextSub int
	subs    map[int]storage.ChangeFunc
}

// Open opens a BoltDB-backed local store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", storage.ErrStorageUnavailable)
	}

	store := &Store{db: db, subs: make(map[int]storage.ChangeFunc)}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketTimerState),
			[]byte(bucketDailyBlock),
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the countdown record for a domain.
func (s *Store) Get(ctx context.Context, domain string) (*storage.TimerState, error) {
	return getBucketValue[storage.TimerState](ctx, s.db, bucketTimerState, domain)
}

// Set writes a countdown record and notifies all subscribers. Last write
// wins.
func (s *Store) Set(ctx context.Context, state storage.TimerState) error {
	var old *storage.TimerState
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketTimerState))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketTimerState)
		}
		if prev := b.Get([]byte(state.Domain)); prev != nil {
			var p storage.TimerState
			if err := unmarshal(prev, &p); err == nil {
				old = &p
			}
		}
		data, err := marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.Domain), data)
	})
	if err != nil {
		return wrapIO(err)
	}

	s.notify(state.Domain, old, &state)
	return nil
}

// Remove deletes the countdown record for a domain.
func (s *Store) Remove(ctx context.Context, domain string) error {
	var old *storage.TimerState
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketTimerState))
		if b == nil {
			return storage.ErrNotFound
		}
		prev := b.Get([]byte(domain))
		if prev == nil {
			return storage.ErrNotFound
		}
		var p storage.TimerState
		if err := unmarshal(prev, &p); err == nil {
			old = &p
		}
		return b.Delete([]byte(domain))
	})
	if err != nil {
		return wrapIO(err)
	}

	s.notify(domain, old, nil)
	return nil
}

// GetDailyBlock returns the block record for a domain, if any.
func (s *Store) GetDailyBlock(ctx context.Context, domain string) (*storage.DailyBlock, error) {
	return getBucketValue[storage.DailyBlock](ctx, s.db, bucketDailyBlock, domain)
}

// SetDailyBlock writes a block record for a domain.
func (s *Store) SetDailyBlock(ctx context.Context, block storage.DailyBlock) error {
	data, err := marshal(block)
	if err != nil {
		return err
	}
	return wrapIO(s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyBlock))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketDailyBlock)
		}
		return b.Put([]byte(block.Domain), data)
	}))
}

// RemoveDailyBlock deletes the block record for a domain.
func (s *Store) RemoveDailyBlock(ctx context.Context, domain string) error {
	return wrapIO(s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyBlock))
		if b == nil {
			return storage.ErrNotFound
		}
		if b.Get([]byte(domain)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(domain))
	}))
}

// Subscribe registers a change callback and returns a cancel func.
func (s *Store) Subscribe(fn storage.ChangeFunc) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(domain string, old, updated *storage.TimerState) {
	s.mu.Lock()
	fns := make([]storage.ChangeFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		go fn(domain, old, updated)
	}
}

// wrapIO maps bolt I/O failures to ErrStorageUnavailable so callers can
// degrade uniformly. Sentinel and context errors pass through untouched.
func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%v: %w", err, storage.ErrStorageUnavailable)
}

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, wrapIO(err)
	}
	return item, nil
}
