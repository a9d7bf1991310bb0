package mailqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used with the memory database driver.
type MemoryStore struct {
	mu           sync.Mutex
	nextID       int64
	items        map[int64]*MailQueueItem
	fingerprints map[string]int64
}

// NewMemoryStore returns an empty queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:        make(map[int64]*MailQueueItem),
		fingerprints: make(map[string]int64),
	}
}

func (m *MemoryStore) Insert(_ context.Context, item *MailQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.InsertFingerprint != nil {
		if _, ok := m.fingerprints[*item.InsertFingerprint]; ok {
			return ErrAlreadyQueued
		}
	}
	m.nextID++
	cp := *item
	cp.ID = m.nextID
	if cp.CreateTime.IsZero() {
		cp.CreateTime = time.Now().UTC()
	}
	m.items[cp.ID] = &cp
	if cp.InsertFingerprint != nil {
		m.fingerprints[*cp.InsertFingerprint] = cp.ID
	}
	item.ID = cp.ID
	return nil
}

func (m *MemoryStore) selectItems(limit int, keep func(*MailQueueItem) bool) []*MailQueueItem {
	var out []*MailQueueItem
	for _, it := range m.items {
		if keep(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetPending(_ context.Context, now time.Time, maxAttempts, limit int) ([]*MailQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectItems(limit, func(it *MailQueueItem) bool {
		return (it.DueTime == nil || !it.DueTime.After(now)) && it.Attempts < maxAttempts
	}), nil
}

func (m *MemoryStore) UpdateAttempts(_ context.Context, id int64, lastError string, nextDueTime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.Attempts++
		it.LastError = &lastError
		it.DueTime = nextDueTime
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		if it.InsertFingerprint != nil {
			delete(m.fingerprints, *it.InsertFingerprint)
		}
		delete(m.items, id)
	}
	return nil
}

func (m *MemoryStore) GetFailed(_ context.Context, maxAttempts int, limit int) ([]*MailQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectItems(limit, func(it *MailQueueItem) bool { return it.Attempts >= maxAttempts }), nil
}

// Len reports the number of queued items.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
