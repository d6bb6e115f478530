// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the archive in process memory, evicting the oldest
// events once the cap is reached. Useful for tests and single-node runs
// where durability across restarts is not needed.
type MemoryStore struct {
	mu       sync.RWMutex
	max      int
	events   []Record
	sessions []SessionRecord
	byID     map[string]int
}

// NewMemoryStore builds a memory archive holding at most maxEvents events.
// Zero means DefaultMaxEvents.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryStore{
		max:  maxEvents,
		byID: make(map[string]int),
	}
}

// SaveEvent appends an event, evicting the oldest when full.
func (m *MemoryStore) SaveEvent(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) >= m.max {
		drop := len(m.events) - m.max + 1
		m.events = m.events[drop:]
	}
	m.events = append(m.events, rec)
	return nil
}

// SaveSession records a finished session, replacing any earlier row with
// the same ID.
func (m *MemoryStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, exists := m.byID[rec.ID]; exists {
		m.sessions[i] = rec
		return nil
	}
	if len(m.sessions) >= m.max {
		delete(m.byID, m.sessions[0].ID)
		m.sessions = m.sessions[1:]
		for id, i := range m.byID {
			m.byID[id] = i - 1
		}
	}
	m.byID[rec.ID] = len(m.sessions)
	m.sessions = append(m.sessions, rec)
	return nil
}

// Events returns matching events, newest first.
func (m *MemoryStore) Events(ctx context.Context, q EventQuery) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := q.limit()
	out := make([]Record, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.events[i]
		if q.Topic != "" && rec.Topic != q.Topic {
			continue
		}
		if q.Subject != "" && rec.Subject != q.Subject {
			continue
		}
		if !q.Since.IsZero() && rec.Time.Before(q.Since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Session returns one archived session or ErrNotFound.
func (m *MemoryStore) Session(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, exists := m.byID[id]
	if !exists {
		return nil, ErrNotFound
	}
	rec := m.sessions[i]
	return &rec, nil
}

// Sessions returns archived sessions, newest first.
func (m *MemoryStore) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]SessionRecord, 0, limit)
	for i := len(m.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.sessions[i])
	}
	return out, nil
}

// Prune drops events and sessions older than the cutoff.
func (m *MemoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	kept := m.events[:0]
	for _, rec := range m.events {
		if rec.Time.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	m.events = kept

	keptSessions := m.sessions[:0]
	for _, rec := range m.sessions {
		if rec.CompletedAt.Before(before) {
			delete(m.byID, rec.ID)
			pruned++
			continue
		}
		keptSessions = append(keptSessions, rec)
	}
	m.sessions = keptSessions
	for i, rec := range m.sessions {
		m.byID[rec.ID] = i
	}
	return pruned, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error { return nil }
