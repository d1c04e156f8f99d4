package transfer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"securesend/internal/archive"
	"securesend/internal/auth"
	"securesend/internal/blob"
	"securesend/internal/common"
	"securesend/internal/cryptox"
	"securesend/internal/link"
	"securesend/internal/lock"
	"securesend/internal/models"
	"securesend/internal/repository"
	"securesend/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const baseURL = "https://send.example.com"

var fastRetry = RetryPolicy{Retries: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

func newService(t *testing.T) (*service.ObjectService, *repository.InMemoryStore) {
	t.Helper()
	handles, err := auth.NewHandleIssuer("secret", time.Minute, nil)
	require.NoError(t, err)
	objects := repository.NewInMemoryStore()
	svc := service.NewObjectService(objects, blob.NewMemoryStore(), lock.NewKeyedLocker(), handles, zap.NewNop().Sugar(), service.Options{})
	return svc, objects
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) assertMonotonic(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	prev := 0.0
	for _, e := range r.events {
		assert.GreaterOrEqual(t, e.Fraction, prev)
		assert.LessOrEqual(t, e.Fraction, 1.0)
		prev = e.Fraction
	}
	last := r.events[len(r.events)-1]
	assert.Equal(t, Complete, last.State)
	assert.Equal(t, 1.0, last.Fraction)
}

func TestEndToEndTenMiB(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	data := randomBytes(t, 10<<20)

	up := &recorder{}
	us := NewUploadSession(svc, baseURL, WithProgress(up.record))
	res, err := us.Run(ctx, UploadInput{
		Source:        bytes.NewReader(data),
		Name:          "report.pdf",
		MimeType:      "application/pdf",
		Size:          int64(len(data)),
		DownloadLimit: 1,
		Expiry:        time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, Complete, us.State())
	up.assertMonotonic(t)
	assert.Equal(t, 1, res.DownloadsRemaining)

	parsed, err := link.Parse(res.Link)
	require.NoError(t, err)
	assert.Equal(t, res.ObjectID, parsed.ObjectID)
	assert.False(t, parsed.PasswordProtected)

	down := &recorder{}
	ds, err := NewDownloadSession(svc, res.Link, WithProgress(down.record))
	require.NoError(t, err)
	info, err := ds.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", info.Name)
	assert.Equal(t, "application/pdf", info.MimeType)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, int64(10), info.FrameCount)

	var out bytes.Buffer
	_, err = ds.Run(ctx, &out, "")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out.Bytes()))
	down.assertMonotonic(t)

	second, err := NewDownloadSession(svc, res.Link)
	require.NoError(t, err)
	_, err = second.Run(ctx, io.Discard, "")
	assert.ErrorIs(t, err, common.ErrLimitReached)
	assert.Equal(t, Failed, second.State())
}

func TestArchiveUploadRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	root := filepath.Join(t.TempDir(), "album")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "raw"), 0o755))
	photo := randomBytes(t, 300_000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "raw", "photo.dng"), photo, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hi"), 0o644))

	bundle, err := archive.Collect([]string{root})
	require.NoError(t, err)
	src := bundle.Open()
	defer src.Close()

	up := &recorder{}
	res, err := NewUploadSession(svc, baseURL, WithProgress(up.record)).Run(ctx, UploadInput{
		Source:        src,
		Name:          bundle.Name(),
		MimeType:      archive.MimeType,
		Size:          bundle.Size(),
		DownloadLimit: 1,
		Expiry:        time.Hour,
		ChunkSize:     cryptox.MinChunkSize,
	})
	require.NoError(t, err)
	up.assertMonotonic(t)

	ds, err := NewDownloadSession(svc, res.Link)
	require.NoError(t, err)
	info, err := ds.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "album.zip", info.Name)
	assert.Equal(t, archive.MimeType, info.MimeType)
	assert.Equal(t, bundle.Size(), info.Size)

	var out bytes.Buffer
	_, err = ds.Run(ctx, &out, "")
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		require.NoError(t, err)
		files[f.Name], err = io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
	}
	assert.Equal(t, map[string][]byte{"album/raw/photo.dng": photo, "album/readme.txt": []byte("hi")}, files)
}

func TestPasswordDownload(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	data := randomBytes(t, 200_000)

	res, err := NewUploadSession(svc, baseURL).Run(ctx, UploadInput{
		Source:        bytes.NewReader(data),
		Name:          "secret.txt",
		Size:          int64(len(data)),
		Password:      "correct horse",
		KDF:           cryptox.MinKDFParams,
		DownloadLimit: 2,
		ChunkSize:     cryptox.MinChunkSize,
		Suite:         cryptox.SuiteChaCha20Poly1305,
	})
	require.NoError(t, err)

	p, err := link.Parse(res.Link)
	require.NoError(t, err)
	require.True(t, p.PasswordProtected)
	require.NotNil(t, p.DataKey)

	ds, err := NewDownloadSession(svc, res.Link)
	require.NoError(t, err)
	info, err := ds.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.PasswordProtected)
	assert.Equal(t, AwaitingPassword, ds.State())
	assert.True(t, ds.NeedsPassword())

	_, err = ds.Run(ctx, io.Discard, "")
	require.ErrorIs(t, err, common.ErrWrongPassword)
	_, err = ds.Run(ctx, io.Discard, "wrong horse")
	require.ErrorIs(t, err, common.ErrWrongPassword)
	assert.Equal(t, AwaitingPassword, ds.State())

	var out bytes.Buffer
	_, err = ds.Run(ctx, &out, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())

	// a link stripped of its fragment still opens with the password
	bare := link.ServerVisible(res.Link)
	ds, err = NewDownloadSession(svc, bare)
	require.NoError(t, err)
	info, err = ds.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Name)

	out.Reset()
	info, err = ds.Run(ctx, &out, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, "secret.txt", info.Name)
}

func TestInvalidLink(t *testing.T) {
	svc, _ := newService(t)
	_, err := NewDownloadSession(svc, "https://send.example.com/download?id=nope")
	assert.ErrorIs(t, err, common.ErrInvalidLink)
}

func TestTamperedKeyFailsAuthentication(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	data := randomBytes(t, 1000)

	res, err := NewUploadSession(svc, baseURL).Run(ctx, UploadInput{Source: bytes.NewReader(data), Name: "a", Size: 1000, DownloadLimit: 1})
	require.NoError(t, err)

	p, err := link.Parse(res.Link)
	require.NoError(t, err)
	otherKey, err := cryptox.CreateShareKey()
	require.NoError(t, err)
	forged, err := link.Build(baseURL, p.ObjectID, otherKey.DataKey, false)
	require.NoError(t, err)

	ds, err := NewDownloadSession(svc, forged)
	require.NoError(t, err)
	_, err = ds.Info(ctx)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)
	assert.Equal(t, Failed, ds.State())
}

// flakyBackend fails the first n Create calls midway through the frames.
type flakyBackend struct {
	Backend
	failures int
	calls    int
}

func (b *flakyBackend) Create(ctx context.Context, req service.CreateRequest, frames cryptox.FrameSource) (*service.CreateResult, error) {
	b.calls++
	if b.calls <= b.failures {
		_, _ = frames.Next()
		return nil, common.ErrStorageFailure
	}
	return b.Backend.Create(ctx, req, frames)
}

func TestUploadRetriesSeekableSource(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	data := randomBytes(t, 300_000)
	fb := &flakyBackend{Backend: svc, failures: 2}

	rec := &recorder{}
	res, err := NewUploadSession(fb, baseURL, WithRetry(fastRetry), WithProgress(rec.record)).Run(ctx, UploadInput{
		Source:    bytes.NewReader(data),
		Size:      int64(len(data)),
		ChunkSize: cryptox.MinChunkSize,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, fb.calls)
	rec.assertMonotonic(t)

	ds, err := NewDownloadSession(svc, res.Link)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = ds.Run(ctx, &out, "")
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestUploadDoesNotRetryStreams(t *testing.T) {
	svc, _ := newService(t)
	fb := &flakyBackend{Backend: svc, failures: 1}

	us := NewUploadSession(fb, baseURL, WithRetry(fastRetry))
	_, err := us.Run(context.Background(), UploadInput{
		Source: io.LimitReader(bytes.NewReader(randomBytes(t, 1000)), 1000),
		Size:   1000,
	})
	require.ErrorIs(t, err, common.ErrStorageFailure)
	assert.Equal(t, 1, fb.calls)
	assert.Equal(t, Failed, us.State())
}

// flakyBlobs fails the first n frame-stream opens with a transient error.
type flakyBlobs struct {
	*blob.MemoryStore
	mu       sync.Mutex
	failures int
	opens    int
}

func (b *flakyBlobs) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	b.mu.Lock()
	b.opens++
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("get object: %w: connection reset", common.ErrStorageFailure)
	}
	return b.MemoryStore.Open(ctx, id)
}

func TestDownloadRetriesTransientOpenFailure(t *testing.T) {
	handles, err := auth.NewHandleIssuer("secret", time.Minute, nil)
	require.NoError(t, err)
	blobs := &flakyBlobs{MemoryStore: blob.NewMemoryStore()}
	svc := service.NewObjectService(repository.NewInMemoryStore(), blobs, lock.NewKeyedLocker(), handles, zap.NewNop().Sugar(), service.Options{})
	ctx := context.Background()
	data := randomBytes(t, 200_000)

	res, err := NewUploadSession(svc, baseURL).Run(ctx, UploadInput{
		Source:        bytes.NewReader(data),
		Size:          int64(len(data)),
		DownloadLimit: 1,
		ChunkSize:     cryptox.MinChunkSize,
	})
	require.NoError(t, err)

	blobs.failures = 2
	ds, err := NewDownloadSession(svc, res.Link, WithRetry(fastRetry))
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = ds.Run(ctx, &out, "")
	require.NoError(t, err)
	assert.Equal(t, Complete, ds.State())
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, 3, blobs.opens)
}

type blockingReader struct {
	ctx context.Context
}

func (r blockingReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	case <-time.After(time.Millisecond):
		return copy(p, make([]byte, len(p))), nil
	}
}

func TestUploadCancelLeavesNothing(t *testing.T) {
	svc, objects := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	us := NewUploadSession(svc, baseURL, WithProgress(func(p Progress) {
		if p.Done == 2 {
			cancel()
		}
	}))
	done := make(chan error, 1)
	go func() {
		_, err := us.Run(ctx, UploadInput{Source: blockingReader{ctx: ctx}, Size: 50 * cryptox.MinChunkSize, ChunkSize: cryptox.MinChunkSize})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after cancel")
	}
	assert.Equal(t, Failed, us.State())

	ids, err := objects.ListReclaimable(context.Background(), time.Now().Add(365*24*time.Hour), "", 100)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Create(ctx context.Context, req service.CreateRequest, frames cryptox.FrameSource) (*service.CreateResult, error) {
	args := m.Called(ctx, req, frames)
	res, _ := args.Get(0).(*service.CreateResult)
	return res, args.Error(1)
}

func (m *mockBackend) FetchMetadata(ctx context.Context, id string) (*models.Object, error) {
	args := m.Called(ctx, id)
	obj, _ := args.Get(0).(*models.Object)
	return obj, args.Error(1)
}

func (m *mockBackend) BeginDownload(ctx context.Context, id string, proof []byte) (*service.DownloadHandle, error) {
	args := m.Called(ctx, id, proof)
	h, _ := args.Get(0).(*service.DownloadHandle)
	return h, args.Error(1)
}

func (m *mockBackend) StreamFrames(ctx context.Context, handle string) (io.ReadCloser, error) {
	args := m.Called(ctx, handle)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func testLink(t *testing.T) string {
	t.Helper()
	id, err := link.NewObjectID()
	require.NoError(t, err)
	sk, err := cryptox.CreateShareKey()
	require.NoError(t, err)
	raw, err := link.Build(baseURL, id, sk.DataKey, false)
	require.NoError(t, err)
	return raw
}

func TestInfoRetryPolicy(t *testing.T) {
	cases := map[string]struct {
		err   error
		calls int
	}{
		"storage failure retried": {common.ErrStorageFailure, 4},
		"denial not retried":      {common.ErrNotFound, 1},
		"crypto not retried":      {common.ErrAuthenticationFailed, 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m := &mockBackend{}
			m.On("FetchMetadata", mock.Anything, mock.Anything).Return(nil, tc.err)

			ds, err := NewDownloadSession(m, testLink(t), WithRetry(fastRetry))
			require.NoError(t, err)
			_, err = ds.Info(context.Background())
			require.True(t, errors.Is(err, tc.err), "got %v", err)
			m.AssertNumberOfCalls(t, "FetchMetadata", tc.calls)
			m.AssertNotCalled(t, "BeginDownload", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestStateStrings(t *testing.T) {
	for s := Idle; s <= Failed; s++ {
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.True(t, Complete.Terminal())
	assert.False(t, Decrypting.Terminal())
}
