package store

import (
	"context"
	"sync"

	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/util"
)

// MemStore is an in-memory store with the same optimistic-concurrency
// contract as PostgresStore, used by tests and by the authority's own
// fixtures. It is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	queues map[string][]queue.Item
	seqs   map[string]int64
	users  map[string]User
}

func NewMemStore() *MemStore {
	return &MemStore{
		queues: make(map[string][]queue.Item),
		seqs:   make(map[string]int64),
		users:  make(map[string]User),
	}
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) EnsureSlice(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seqs[id]; !ok {
		s.seqs[id] = 1
	}
	return nil
}

// Seed installs a queue directly, bypassing the seq check. Test setup only.
func (s *MemStore) Seed(sliceID string, items []queue.Item, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[sliceID] = items
	s.seqs[sliceID] = seq
}

func (s *MemStore) LoadQueue(ctx context.Context, sliceID string) ([]queue.Item, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[sliceID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return queue.CloneItems(s.queues[sliceID]), seq, nil
}

func (s *MemStore) ReplaceQueue(ctx context.Context, sliceID string, items []queue.Item, expectedSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[sliceID]
	if !ok {
		return 0, ErrNotFound
	}
	if seq != expectedSeq {
		return 0, ErrSeqConflict
	}
	s.queues[sliceID] = queue.CloneItems(items)
	s.seqs[sliceID] = seq + 1
	return seq + 1, nil
}

func (s *MemStore) QueueSeq(ctx context.Context, sliceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[sliceID]
	if !ok {
		return 0, ErrNotFound
	}
	return seq, nil
}

func (s *MemStore) GetUserByName(ctx context.Context, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemStore) CreateUser(ctx context.Context, name, role, passwordHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := User{ID: util.NewID("usr"), DisplayName: name, Role: role, PasswordHash: passwordHash}
	s.users[name] = user
	return user, nil
}
