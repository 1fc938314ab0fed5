package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a flow may live before the sweeper removes it.
const DefaultTTL = 10 * time.Minute

// entry holds one thread's flow. Its mutex serializes every operation on
// that thread; removed is set when the entry leaves the map so a caller
// that raced the removal can retry against the current entry.
type entry struct {
	mu      sync.Mutex
	flow    *Flow
	removed bool
}

// StoreOptions configure a Store.
type StoreOptions struct {
	TTL    time.Duration    // Zero means DefaultTTL
	Now    func() time.Time // Clock, overridable for tests
	Logger *slog.Logger
}

// Store holds at most one flow per thread.
//
// The store is keyed by thread only. The flow's OwnerRef is recorded but
// never used for lookup: everyone in a thread shares its in-flight dialog.
//
// Thread Safety:
// The map lock is held only while the map itself changes. Operations on a
// single thread are serialized by that thread's entry lock, so they appear
// atomic relative to operations on other threads without serializing them.
// The sweeper takes the same entry lock before removing a flow.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		ttl:     opts.TTL,
		now:     opts.Now,
		log:     opts.Logger,
	}
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) lookup(threadKey string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[threadKey]
}

func (s *Store) getOrCreate(threadKey string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadKey]
	if !ok {
		e = &entry{}
		s.entries[threadKey] = e
	}
	return e
}

// detach removes e from the map if it is still the thread's entry.
// The caller holds e.mu.
func (s *Store) detach(threadKey string, e *entry) {
	e.flow = nil
	e.removed = true
	s.mu.Lock()
	if s.entries[threadKey] == e {
		delete(s.entries, threadKey)
	}
	s.mu.Unlock()
}

// Get returns a copy of the thread's flow. A flow past its TTL is treated as
// absent even if the sweeper has not removed it yet.
func (s *Store) Get(threadKey string) (*Flow, bool) {
	e := s.lookup(threadKey)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flow == nil || e.flow.Expired(s.now(), s.ttl) {
		return nil, false
	}
	return e.flow.Clone(), true
}

// Set stores f as the thread's flow, replacing any previous flow without
// merging. A zero CreatedAt is set to now.
func (s *Store) Set(threadKey string, f *Flow) {
	f = f.Clone()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	f.ThreadKey = threadKey

	for {
		e := s.getOrCreate(threadKey)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.flow != nil && e.flow.Kind != f.Kind {
			s.log.Debug("replacing flow", "thread", threadKey, "oldKind", e.flow.Kind, "newKind", f.Kind)
		}
		e.flow = f
		e.mu.Unlock()
		return
	}
}

// Clear removes the thread's flow. It reports whether one existed.
func (s *Store) Clear(threadKey string) bool {
	e := s.lookup(threadKey)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	existed := e.flow != nil
	s.detach(threadKey, e)
	return existed
}

// Update runs fn on the thread's flow under the thread's lock and stores the
// result. If fn returns an error nothing is stored. If the flow reaches
// StepDone it is cleared after fn returns. Update returns ErrNoFlow when the
// thread has no unexpired flow.
func (s *Store) Update(threadKey string, fn func(f *Flow) error) (*Flow, error) {
	e := s.lookup(threadKey)
	if e == nil {
		return nil, ErrNoFlow
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || e.flow == nil {
		return nil, ErrNoFlow
	}
	if e.flow.Expired(s.now(), s.ttl) {
		s.detach(threadKey, e)
		return nil, ErrNoFlow
	}

	working := e.flow.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if working.Done() {
		s.detach(threadKey, e)
	} else {
		e.flow = working
	}
	return working.Clone(), nil
}

// SweepExpired removes every flow older than the TTL at now, whatever its
// step, and returns how many were removed.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.RLock()
	type candidate struct {
		key string
		e   *entry
	}
	candidates := make([]candidate, 0, len(s.entries))
	for k, e := range s.entries {
		candidates = append(candidates, candidate{k, e})
	}
	s.mu.RUnlock()

	removed := 0
	for _, c := range candidates {
		c.e.mu.Lock()
		if !c.e.removed && (c.e.flow == nil || c.e.flow.Expired(now, s.ttl)) {
			if c.e.flow != nil {
				removed++
				s.log.Debug("flow expired", "thread", c.key, "kind", c.e.flow.Kind, "step", c.e.flow.Step)
			}
			s.detach(c.key, c.e)
		}
		c.e.mu.Unlock()
	}
	return removed
}

// Len returns the number of threads with a stored flow, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepExpired(s.now()); n > 0 {
				s.log.Info("swept expired flows", "count", n)
			}
		}
	}
}
