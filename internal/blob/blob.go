// Package blob stores ciphertext frame streams keyed by object id. Writes are
// staged: nothing is visible to Open until Commit returns.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"securesend/internal/common"
)

// Store holds committed frame streams.
type Store interface {
	// Begin starts a staged write for id.
	Begin(ctx context.Context, id string) (Upload, error)
	// Open streams a committed blob. Missing blobs yield common.ErrNotFound.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, id string) error
}

// Upload is a staged write. Exactly one of Commit or Abort must be called.
type Upload interface {
	io.Writer
	Commit(ctx context.Context) error
	Abort() error
}

// Presigner is implemented by stores that can hand out direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, id string, ttl time.Duration) (string, error)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, common.ErrStorageFailure, err)
}
