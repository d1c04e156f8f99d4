package service

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"securesend/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepReclaimsExpiredAndExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := NewSweeper(f.svc, time.Minute, 10, zap.NewNop().Sugar())

	live := f.upload(t, 10, 2, nil)
	exhausted := f.upload(t, 10, 1, nil)

	h, err := f.svc.BeginDownload(ctx, exhausted.id, nil)
	require.NoError(t, err)

	// the outstanding handle pins the exhausted object
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rc, err := f.svc.StreamFrames(ctx, h.Token)
	require.NoError(t, err)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = io.Copy(io.Discard, rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.objects.Get(ctx, exhausted.id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, f.blobs.Len())

	f.clock.Advance(2 * time.Hour)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.objects.Get(ctx, live.id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 0, f.blobs.Len())
}

func TestSweepPagesPastPinnedObjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const batch = 2
	sw := NewSweeper(f.svc, time.Minute, batch, zap.NewNop().Sugar())

	var uploads []*upload
	for i := 0; i < 5; i++ {
		uploads = append(uploads, f.upload(t, 10, 1, nil))
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].id < uploads[j].id })

	// the first batch by id stays pinned by outstanding handles
	for _, u := range uploads[:batch] {
		_, err := f.svc.BeginDownload(ctx, u.id, nil)
		require.NoError(t, err)
	}
	for _, u := range uploads[batch:] {
		f.download(t, u, nil)
	}

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch, n)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, u := range uploads[:batch] {
		_, err := f.objects.Get(ctx, u.id)
		assert.NoError(t, err, "pinned object survives")
	}
	for _, u := range uploads[batch:] {
		_, err := f.objects.Get(ctx, u.id)
		assert.ErrorIs(t, err, common.ErrNotFound)
	}
	assert.Equal(t, batch, f.blobs.Len())
}

func TestSweepExpiredHandleUnpins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := NewSweeper(f.svc, time.Minute, 10, zap.NewNop().Sugar())

	u := f.upload(t, 10, 1, nil)
	_, err := f.svc.BeginDownload(ctx, u.id, nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeperRunStops(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.svc, 5*time.Millisecond, 10, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
