package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"securesend/internal/common"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Begin(ctx context.Context, id string) (Upload, error) {
	return &memoryUpload{store: s, id: id}, nil
}

func (s *MemoryStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

// Len reports how many committed blobs are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

var errUploadClosed = errors.New("upload already finished")

type memoryUpload struct {
	store *MemoryStore
	id    string
	buf   bytes.Buffer
	done  bool
}

func (u *memoryUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errUploadClosed
	}
	return u.buf.Write(p)
}

func (u *memoryUpload) Commit(ctx context.Context) error {
	if u.done {
		return errUploadClosed
	}
	u.done = true

	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if _, exists := u.store.blobs[u.id]; exists {
		return common.ErrConflict
	}
	u.store.blobs[u.id] = u.buf.Bytes()
	return nil
}

func (u *memoryUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.buf.Reset()
	return nil
}
