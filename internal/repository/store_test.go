package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"securesend/internal/common"
	"securesend/internal/link"
	"securesend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testID() string {
	id, err := link.NewObjectID()
	if err != nil {
		panic(err)
	}
	return id
}

func newObject(limit int, expires time.Time) *models.Object {
	return &models.Object{
		ID:                 testID(),
		SealedMeta:         []byte("sealed"),
		RevokeHash:         []byte("hash"),
		DownloadsRemaining: limit,
		FrameCount:         3,
		CipherSize:         1234,
		ExpiresAt:          expires.UTC(),
		CreatedAt:          time.Now().UTC(),
	}
}

type storeFactory func(t *testing.T) ObjectStore

func factories(t *testing.T) map[string]storeFactory {
	f := map[string]storeFactory{
		"memory": func(t *testing.T) ObjectStore { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) ObjectStore {
			s, err := NewSQLiteStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", testID()))
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		f["postgres"] = func(t *testing.T) ObjectStore {
			ctx := context.Background()
			s, err := NewPostgresStore(ctx, url, zap.NewNop().Sugar())
			require.NoError(t, err)
			require.NoError(t, s.RunMigrations(ctx))
			return s
		}
	}
	return f
}

func forEachStore(t *testing.T, fn func(t *testing.T, s ObjectStore)) {
	for name, newStore := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestCreateGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		obj := newObject(2, time.Now().Add(time.Hour))
		obj.PasswordProtected = true
		obj.WrappedKey = []byte("wrapped")
		obj.PasswordSalt = []byte("salt")
		obj.KDFTime, obj.KDFMemoryKiB, obj.KDFThreads = 3, 65536, 4
		obj.VerificationTag = []byte("tag")

		require.NoError(t, s.Create(ctx, obj))

		got, err := s.Get(ctx, obj.ID)
		require.NoError(t, err)
		assert.Equal(t, obj.ID, got.ID)
		assert.Equal(t, obj.SealedMeta, got.SealedMeta)
		assert.Equal(t, obj.Wrapped(), got.Wrapped())
		assert.Equal(t, 2, got.DownloadsRemaining)
		assert.Equal(t, int64(3), got.FrameCount)
		assert.WithinDuration(t, obj.ExpiresAt, got.ExpiresAt, time.Millisecond)

		err = s.Create(ctx, newObjectWithID(obj.ID))
		assert.ErrorIs(t, err, common.ErrConflict)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func newObjectWithID(id string) *models.Object {
	o := newObject(1, time.Now().Add(time.Hour))
	o.ID = id
	return o
}

func TestConsumeDownload(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		now := time.Now()
		obj := newObject(2, now.Add(time.Hour))
		require.NoError(t, s.Create(ctx, obj))

		got, err := s.ConsumeDownload(ctx, obj.ID, now)
		require.NoError(t, err)
		assert.Equal(t, 1, got.DownloadsRemaining)

		got, err = s.ConsumeDownload(ctx, obj.ID, now)
		require.NoError(t, err)
		assert.Equal(t, 0, got.DownloadsRemaining)

		_, err = s.ConsumeDownload(ctx, obj.ID, now)
		assert.ErrorIs(t, err, common.ErrLimitReached)

		_, err = s.ConsumeDownload(ctx, "missing", now)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestConsumeDownloadExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		now := time.Now()
		obj := newObject(5, now.Add(time.Minute))
		require.NoError(t, s.Create(ctx, obj))

		_, err := s.ConsumeDownload(ctx, obj.ID, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, common.ErrExpired)

		got, err := s.Get(ctx, obj.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.DownloadsRemaining)
	})
}

func TestConsumeDownloadConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		const limit, workers = 3, 32
		now := time.Now()
		obj := newObject(limit, now.Add(time.Hour))
		require.NoError(t, s.Create(ctx, obj))

		var (
			wg      sync.WaitGroup
			ok      atomic.Int32
			limited atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeDownload(ctx, obj.ID, now)
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, common.ErrLimitReached):
					limited.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), ok.Load())
		assert.Equal(t, int32(workers-limit), limited.Load())
	})
}

func TestDeleteAndListReclaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		now := time.Now()

		live := newObject(1, now.Add(time.Hour))
		expired := newObject(1, now.Add(-time.Minute))
		exhausted := newObject(0, now.Add(time.Hour))
		for _, o := range []*models.Object{live, expired, exhausted} {
			require.NoError(t, s.Create(ctx, o))
		}

		ids, err := s.ListReclaimable(ctx, now, "", 10000)
		require.NoError(t, err)
		assert.Contains(t, ids, expired.ID)
		assert.Contains(t, ids, exhausted.ID)
		assert.NotContains(t, ids, live.ID)

		first, err := s.ListReclaimable(ctx, now, "", 1)
		require.NoError(t, err)
		require.Len(t, first, 1)
		rest, err := s.ListReclaimable(ctx, now, first[0], 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Greater(t, rest[0], first[0])
		assert.ElementsMatch(t, []string{expired.ID, exhausted.ID}, append(first, rest...))

		require.NoError(t, s.Delete(ctx, expired.ID))
		assert.ErrorIs(t, s.Delete(ctx, expired.ID), common.ErrNotFound)

		_, err = s.Get(ctx, expired.ID)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}
