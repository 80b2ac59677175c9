package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/minerush/balance-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]model.UserRow
	wins  []model.ItemWin
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]model.UserRow),
	}
}

// PutUser inserts or replaces a user row.
func (s *MemoryStore) PutUser(row model.UserRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[row.ID] = row
}

func (s *MemoryStore) LoadUser(_ context.Context, id string) (model.UserRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.users[id]
	if !ok {
		return model.UserRow{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return row, nil
}

// SaveUserFinal only updates existing users, matching the UPDATE semantics
// of the relational store.
func (s *MemoryStore) SaveUserFinal(_ context.Context, row model.UserRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[row.ID]; !ok {
		return fmt.Errorf("user %s: %w", row.ID, ErrNotFound)
	}
	s.users[row.ID] = row
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context, offset, limit int) ([]model.UserRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	rows := make([]model.UserRow, 0, end-offset)
	for _, id := range ids[offset:end] {
		rows = append(rows, s.users[id])
	}
	return rows, nil
}

func (s *MemoryStore) ListPassiveUsers(_ context.Context) ([]model.UserRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.UserRow
	for _, u := range s.users {
		if u.PassiveRate.IsPositive() {
			rows = append(rows, u)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *MemoryStore) RecordItemWin(_ context.Context, win model.ItemWin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wins = append(s.wins, win)
	return nil
}

func (s *MemoryStore) CountItemWins(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, w := range s.wins {
		counts[w.ItemID] += w.Count
	}
	return counts, nil
}

// ItemWins returns a copy of every recorded win.
func (s *MemoryStore) ItemWins() []model.ItemWin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ItemWin(nil), s.wins...)
}
