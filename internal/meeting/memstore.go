package meeting

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store and ChatArchiver. It backs dev mode (no
// database configured) and tests.
type MemStore struct {
	mu       sync.Mutex
	meetings map[string]Meeting
	archived []ChatRecord

	// GetErr, when set, is returned by every GetMeeting call. Tests use it to
	// simulate an unavailable meeting store.
	GetErr error
}

func NewMemStore() *MemStore {
	return &MemStore{meetings: make(map[string]Meeting)}
}

func (s *MemStore) Put(m Meeting) {
	s.mu.Lock()
	s.meetings[m.ID] = m
	s.mu.Unlock()
}

func (s *MemStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return Meeting{}, s.GetErr
	}
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return m, nil
}

func (s *MemStore) ArchiveMessage(ctx context.Context, rec ChatRecord) error {
	s.mu.Lock()
	s.archived = append(s.archived, rec)
	s.mu.Unlock()
	return nil
}

// Archived returns a copy of every record handed to ArchiveMessage.
func (s *MemStore) Archived() []ChatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRecord, len(s.archived))
	copy(out, s.archived)
	return out
}
