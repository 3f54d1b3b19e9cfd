package credential

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byIdent map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]User),
		byIdent: make(map[string]string),
	}
}

func (s *MemoryStore) ByIdentifier(_ context.Context, identifier string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdent[NormalizeIdentifier(identifier)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) ByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) Create(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident := NormalizeIdentifier(u.Identifier)
	if _, ok := s.byIdent[ident]; ok {
		return ErrUserExists
	}
	if _, ok := s.byID[u.ID]; ok {
		return ErrUserExists
	}
	u.Identifier = ident
	s.byID[u.ID] = u
	s.byIdent[ident] = u.ID
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Active = active
	s.byID[userID] = u
	return nil
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	s.byID[userID] = u
	return nil
}
