package prefs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	prefs    map[string]Preferences
	progress map[string]Progress

	// now stamps UpdatedAt. Defaults to time.Now.
	now func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		prefs:    make(map[string]Preferences),
		progress: make(map[string]Progress),
	}
}

// Preferences implements [Store.Preferences].
func (s *MemStore) Preferences(_ context.Context, profileID string) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[profileID]; ok {
		return p, nil
	}
	return Defaults(), nil
}

// SavePreferences implements [Store.SavePreferences].
func (s *MemStore) SavePreferences(_ context.Context, profileID string, p Preferences) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("prefs: save preferences: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		s.prefs = make(map[string]Preferences)
	}
	s.prefs[profileID] = p
	return nil
}

// Progress implements [Store.Progress].
func (s *MemStore) Progress(_ context.Context, sessionID string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.progress[sessionID]; ok {
		return p, nil
	}
	return Progress{SessionID: sessionID}, nil
}

// SaveProgress implements [Store.SaveProgress].
func (s *MemStore) SaveProgress(_ context.Context, p Progress) error {
	if p.SessionID == "" {
		return fmt.Errorf("prefs: save progress: %w: empty session id", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress == nil {
		s.progress = make(map[string]Progress)
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	p.UpdatedAt = now()
	s.progress[p.SessionID] = p
	return nil
}

// DeleteProgress implements [Store.DeleteProgress].
func (s *MemStore) DeleteProgress(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, sessionID)
	return nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }
