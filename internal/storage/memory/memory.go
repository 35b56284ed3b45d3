package memory

import (
	"context"
	"sync"

	"github.com/goodtune/limitd/internal/storage"
)

// Store implements storage.LocalStore in process memory. It backs the agent
// when the bolt file cannot be opened and keeps tests hermetic. Contents are
// lost on restart.
type Store struct {
	mu      sync.Mutex
	states  map[string]storage.TimerState
	blocks  map[string]storage.DailyBlock
	nextSub int
	subs    map[int]storage.ChangeFunc
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		states: make(map[string]storage.TimerState),
		blocks: make(map[string]storage.DailyBlock),
		subs:   make(map[int]storage.ChangeFunc),
	}
}

// Get returns the countdown record for a domain.
func (s *Store) Get(ctx context.Context, domain string) (*storage.TimerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[domain]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &state, nil
}

// Set writes a countdown record and notifies all subscribers.
func (s *Store) Set(ctx context.Context, state storage.TimerState) error {
	s.mu.Lock()
	var old *storage.TimerState
	if prev, ok := s.states[state.Domain]; ok {
		p := prev
		old = &p
	}
	s.states[state.Domain] = state
	fns := s.snapshotSubs()
	s.mu.Unlock()

	updated := state
	for _, fn := range fns {
		go fn(state.Domain, old, &updated)
	}
	return nil
}

// Remove deletes the countdown record for a domain.
func (s *Store) Remove(ctx context.Context, domain string) error {
	s.mu.Lock()
	prev, ok := s.states[domain]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	delete(s.states, domain)
	fns := s.snapshotSubs()
	s.mu.Unlock()

	old := prev
	for _, fn := range fns {
		go fn(domain, &old, nil)
	}
	return nil
}

// GetDailyBlock returns the block record for a domain, if any.
func (s *Store) GetDailyBlock(ctx context.Context, domain string) (*storage.DailyBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.blocks[domain]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &block, nil
}

// SetDailyBlock writes a block record for a domain.
func (s *Store) SetDailyBlock(ctx context.Context, block storage.DailyBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[block.Domain] = block
	return nil
}

// RemoveDailyBlock deletes the block record for a domain.
func (s *Store) RemoveDailyBlock(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[domain]; !ok {
		return storage.ErrNotFound
	}
	delete(s.blocks, domain)
	return nil
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

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) snapshotSubs() []storage.ChangeFunc {
	fns := make([]storage.ChangeFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	return fns
}
