package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/clock"
)

// SeenSet remembers delivery keys for a TTL. Reserve claims a key before a
// send; a claimed or delivered key cannot be reserved again until it is
// released or expires.
type SeenSet interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	MarkDelivered(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type seenEntry struct {
	delivered bool
	expires   time.Time
}

// MemorySeenSet is a process-local SeenSet.
type MemorySeenSet struct {
	mu    sync.Mutex
	keys  map[string]seenEntry
	clock clock.Clock
}

// NewMemorySeenSet returns an empty seen-set. A nil clock uses wall time.
func NewMemorySeenSet(c clock.Clock) *MemorySeenSet {
	if c == nil {
		c = clock.Real{}
	}
	return &MemorySeenSet{keys: make(map[string]seenEntry), clock: c}
}

// Reserve claims key unless it is already held.
func (s *MemorySeenSet) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.keys[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	s.keys[key] = seenEntry{expires: now.Add(ttl)}
	s.gc(now)
	return true, nil
}

// MarkDelivered keeps key for ttl after a successful send.
func (s *MemorySeenSet) MarkDelivered(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = seenEntry{delivered: true, expires: s.clock.Now().Add(ttl)}
	return nil
}

// Release forgets key so a later attempt may send again.
func (s *MemorySeenSet) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// Delivered reports whether key was marked delivered and has not expired.
func (s *MemorySeenSet) Delivered(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keys[key]
	return ok && e.delivered && s.clock.Now().Before(e.expires)
}

// gc drops expired keys once the set grows.
func (s *MemorySeenSet) gc(now time.Time) {
	if len(s.keys) < 4096 {
		return
	}
	for k, e := range s.keys {
		if !now.Before(e.expires) {
			delete(s.keys, k)
		}
	}
}
