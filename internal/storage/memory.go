package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// memStore is a volatile Store used by tests and throwaway runs.
// It applies the same semantics as the sqlite backend, minus durability.
type memStore struct {
	mu   sync.Mutex
	recs map[string]reminder.Reminder
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{recs: map[string]reminder.Reminder{}}
}

func (s *memStore) Create(_ context.Context, r reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[r.ID]; ok {
		return fmt.Errorf("reminder %q already exists", r.ID)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.recs[r.ID] = r
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) SetStatus(_ context.Context, id string, st reminder.Status) error {
	return s.mutate(id, func(r *reminder.Reminder) {
		r.Status = st
	})
}

func (s *memStore) UpdateSchedule(_ context.Context, id string, dueAt time.Time, st reminder.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok || r.Status != reminder.StatusFiring {
		return ErrNotFound
	}
	r.DueAt = dueAt
	r.Status = st
	r.UpdatedAt = time.Now().UTC()
	s.recs[id] = r
	return nil
}

func (s *memStore) Retire(_ context.Context, id string, failReason string) error {
	return s.mutate(id, func(r *reminder.Reminder) {
		r.Status = reminder.StatusRetired
		r.FailReason = failReason
	})
}

func (s *memStore) ListPending(_ context.Context) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range s.recs {
		if r.Status == reminder.StatusPending || r.Status == reminder.StatusFiring {
			out = append(out, r)
		}
	}
	sortByDue(out)
	return out, nil
}

func (s *memStore) ListByRecipient(_ context.Context, recipient string) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range s.recs {
		if r.Recipient == recipient && r.Status != reminder.StatusRetired {
			out = append(out, r)
		}
	}
	sortByDue(out)
	return out, nil
}

func (s *memStore) PurgeRetired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.recs {
		if r.Status == reminder.StatusRetired && r.UpdatedAt.Before(cutoff) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) mutate(id string, fn func(*reminder.Reminder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	s.recs[id] = r
	return nil
}

func sortByDue(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].DueAt.Before(rs[j].DueAt) })
}
