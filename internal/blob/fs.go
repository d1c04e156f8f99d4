package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"securesend/internal/common"
)

const blobExt = ".frames"

// FSStore keeps each blob as a file in one directory. Staged writes go to a
// temp file in the same directory and are hard-linked into place on commit,
// which fails if the blob already exists.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(id string) string {
	return filepath.Join(s.dir, id+blobExt)
}

func (s *FSStore) Begin(ctx context.Context, id string) (Upload, error) {
	f, err := os.CreateTemp(s.dir, "staging-*")
	if err != nil {
		return nil, storageErr("stage blob", err)
	}
	return &fsUpload{f: f, dst: s.path(id)}, nil
}

func (s *FSStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, storageErr("open blob", err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("delete blob", err)
	}
	return nil
}

type fsUpload struct {
	f    *os.File
	dst  string
	done bool
}

func (u *fsUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errUploadClosed
	}
	n, err := u.f.Write(p)
	if err != nil {
		return n, storageErr("write blob", err)
	}
	return n, nil
}

func (u *fsUpload) Commit(ctx context.Context) error {
	if u.done {
		return errUploadClosed
	}
	u.done = true

	if err := u.f.Sync(); err != nil {
		u.cleanup()
		return storageErr("sync blob", err)
	}
	if err := u.f.Close(); err != nil {
		_ = os.Remove(u.f.Name())
		return storageErr("close blob", err)
	}
	// Link refuses an existing destination, unlike Rename.
	defer os.Remove(u.f.Name())
	if err := os.Link(u.f.Name(), u.dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return common.ErrConflict
		}
		return storageErr("commit blob", err)
	}
	return nil
}

func (u *fsUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.cleanup()
	return nil
}

func (u *fsUpload) cleanup() {
	_ = u.f.Close()
	_ = os.Remove(u.f.Name())
}
