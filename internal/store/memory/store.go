// Package memory is a single-process Queue Store. Reads take a shared lock on
// the whole map; writes to one entry are serialized by that entry's own lock,
// and a writer that finds the lock taken fails fast with store.ErrConflict.
package memory

import (
	"context"
	"sync"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu       sync.RWMutex
	entries  map[string]models.QueueEntry
	tokens   map[string]string
	requests map[string]string
	events   map[string][]store.EntryEvent
	locks    sync.Map
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries:  make(map[string]models.QueueEntry),
		tokens:   make(map[string]string),
		requests: make(map[string]string),
		events:   make(map[string][]store.EntryEvent),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func tokenKey(day, token string) string {
	return day + "|" + token
}

func (s *Store) Insert(ctx context.Context, entry models.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return store.ErrConflict
	}
	key := tokenKey(entry.TokenDay, entry.Token)
	if _, exists := s.tokens[key]; exists {
		return store.ErrDuplicateToken
	}
	if entry.RequestID != "" {
		if _, exists := s.requests[entry.RequestID]; exists {
			return store.ErrConflict
		}
	}
	if err := s.appendEventLocked(entry, store.EventCreated); err != nil {
		return err
	}

	s.entries[entry.ID] = entry.Clone()
	s.tokens[key] = entry.ID
	if entry.RequestID != "" {
		s.requests[entry.RequestID] = entry.ID
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return models.QueueEntry{}, store.ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *Store) GetByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.requests[requestID]
	if !ok {
		return models.QueueEntry{}, false, nil
	}
	entry, ok := s.entries[id]
	if !ok {
		return models.QueueEntry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (s *Store) Update(ctx context.Context, id string, mutation store.Mutation) (models.QueueEntry, error) {
	updated, err := s.UpdateMany(ctx, []string{id}, mutation)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return updated[0], nil
}

// UpdateMany applies mutation to every id or to none of them.
func (s *Store) UpdateMany(ctx context.Context, ids []string, mutation store.Mutation) ([]models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := s.lockEntries(ids)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	working := make([]models.QueueEntry, 0, len(ids))
	for _, id := range ids {
		entry, ok := s.entries[id]
		if !ok {
			s.mu.RUnlock()
			return nil, store.ErrNotFound
		}
		working = append(working, entry.Clone())
	}
	s.mu.RUnlock()

	now := s.now()
	for i := range working {
		if err := mutation.Apply(&working[i]); err != nil {
			return nil, err
		}
		working[i].UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueueEntry, 0, len(working))
	for _, entry := range working {
		if err := s.appendEventLocked(entry, mutation.Event); err != nil {
			return nil, err
		}
		s.entries[entry.ID] = entry.Clone()
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) (models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, err
	}
	release, err := s.lockEntries([]string{id})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return models.QueueEntry{}, store.ErrNotFound
	}
	if entry.Status == models.StatusInConsultation {
		return models.QueueEntry{}, &store.StateError{ID: id, Status: entry.Status, Action: "remove"}
	}
	if err := s.appendEventLocked(entry, store.EventRemoved); err != nil {
		return models.QueueEntry{}, err
	}
	delete(s.entries, id)
	if entry.RequestID != "" {
		delete(s.requests, entry.RequestID)
	}
	s.locks.Delete(id)
	return entry.Clone(), nil
}

func (s *Store) List(ctx context.Context, filter store.Filter) ([]models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.QueueEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.Match(entry) {
			out = append(out, entry.Clone())
		}
	}
	s.mu.RUnlock()
	store.SortEntries(out)
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.events[entryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.EntryEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) appendEventLocked(entry models.QueueEntry, eventType string) error {
	payload, err := store.EventPayload(entry)
	if err != nil {
		return err
	}
	history := s.events[entry.ID]
	var prev *store.EntryEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	event := store.NextEntryEvent(prev, uuid.NewString(), entry.ID, eventType, payload, s.now())
	s.events[entry.ID] = append(history, event)
	return nil
}

func (s *Store) lockEntries(ids []string) (func(), error) {
	held := make([]*sync.Mutex, 0, len(ids))
	release := func() {
		for _, mu := range held {
			mu.Unlock()
		}
	}
	s.mu.RLock()
	for _, id := range ids {
		if _, ok := s.entries[id]; !ok {
			s.mu.RUnlock()
			return nil, store.ErrNotFound
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		value, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
		mu := value.(*sync.Mutex)
		if !mu.TryLock() {
			release()
			return nil, store.ErrConflict
		}
		held = append(held, mu)
	}
	return release, nil
}
