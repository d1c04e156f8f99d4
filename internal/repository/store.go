package repository

import (
	"context"
	"fmt"
	"time"

	"securesend/internal/common"
	"securesend/internal/models"
)

// ObjectStore persists object records. Implementations must make
// ConsumeDownload an atomic compare-and-decrement: under any interleaving the
// number of successful calls for one object never exceeds its initial limit.
type ObjectStore interface {
	// Create inserts obj. A duplicate ID yields common.ErrConflict.
	Create(ctx context.Context, obj *models.Object) error
	// Get returns the record regardless of expiry or remaining downloads.
	Get(ctx context.Context, id string) (*models.Object, error)
	// ConsumeDownload decrements the remaining count when the object is
	// unexpired at now and has downloads left, returning the updated record.
	// Otherwise it returns ErrNotFound, ErrExpired or ErrLimitReached.
	ConsumeDownload(ctx context.Context, id string, now time.Time) (*models.Object, error)
	Delete(ctx context.Context, id string) error
	// ListReclaimable returns up to limit ids that are expired or exhausted,
	// in id order, starting strictly after the cursor. An empty cursor
	// starts from the beginning.
	ListReclaimable(ctx context.Context, now time.Time, after string, limit int) ([]string, error)
	Close() error
}

// DefaultReclaimBatch is used when ListReclaimable is called with a
// non-positive limit.
const DefaultReclaimBatch = 100

func batchSize(limit int) int {
	if limit <= 0 {
		return DefaultReclaimBatch
	}
	return limit
}

// denial classifies why a record could not be consumed.
func denial(obj *models.Object, now time.Time) error {
	if !now.Before(obj.ExpiresAt) {
		return common.ErrExpired
	}
	if obj.DownloadsRemaining <= 0 {
		return common.ErrLimitReached
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, common.ErrStorageFailure, err)
}
