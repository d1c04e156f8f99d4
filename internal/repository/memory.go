package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"securesend/internal/common"
	"securesend/internal/models"
)

// InMemoryStore keeps records in a map guarded by one RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*models.Object
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]*models.Object)}
}

func (s *InMemoryStore) Create(ctx context.Context, obj *models.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[obj.ID]; exists {
		return common.ErrConflict
	}
	s.objects[obj.ID] = obj.Clone()
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return obj.Clone(), nil
}

func (s *InMemoryStore) ConsumeDownload(ctx context.Context, id string, now time.Time) (*models.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	if err := denial(obj, now); err != nil {
		return nil, err
	}
	obj.DownloadsRemaining--
	return obj.Clone(), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return common.ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

func (s *InMemoryStore) ListReclaimable(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for id, obj := range s.objects {
		if id > after && !obj.Available(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if n := batchSize(limit); len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

func (s *InMemoryStore) Close() error { return nil }
