package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"securesend/internal/auth"
	"securesend/internal/blob"
	"securesend/internal/common"
	"securesend/internal/cryptox"
	"securesend/internal/link"
	"securesend/internal/lock"
	"securesend/internal/models"
	"securesend/internal/repository"

	"go.uber.org/zap"
)

const (
	MinDownloadLimit     = 1
	MaxDownloadLimit     = 100
	DefaultDownloadLimit = 1

	MinExpiry     = time.Hour
	MaxExpiry     = 7 * 24 * time.Hour
	DefaultExpiry = 24 * time.Hour

	DefaultPasswordCheckTimeout = 5 * time.Second

	revokeTokenBytes = 32
)

// Options tune an ObjectService. Zero values select defaults.
type Options struct {
	// PasswordCheckTimeout bounds BeginDownload, lock wait included.
	PasswordCheckTimeout time.Duration
	// MaxCipherSize rejects uploads whose frame stream grows past it. Zero
	// means unlimited.
	MaxCipherSize int64
	// PresignFrames makes FrameURL hand out direct blob-store URLs when the
	// blob store supports it.
	PresignFrames bool
	Now           func() time.Time
}

// ObjectService owns the lifecycle of encrypted objects: atomic creation,
// gated downloads with a bounded count, expiry and revocation.
type ObjectService struct {
	objects  repository.ObjectStore
	blobs    blob.Store
	locks    lock.Provider
	handles  *auth.HandleIssuer
	registry *handleRegistry
	log      *zap.SugaredLogger
	opts     Options
}

func NewObjectService(objects repository.ObjectStore, blobs blob.Store, locks lock.Provider, handles *auth.HandleIssuer, log *zap.SugaredLogger, opts Options) *ObjectService {
	if opts.PasswordCheckTimeout <= 0 {
		opts.PasswordCheckTimeout = DefaultPasswordCheckTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ObjectService{
		objects:  objects,
		blobs:    blobs,
		locks:    locks,
		handles:  handles,
		registry: newHandleRegistry(),
		log:      log,
		opts:     opts,
	}
}

// CreateRequest describes an object to store. The frames are passed
// separately so they can be streamed.
type CreateRequest struct {
	ID            string
	SealedMeta    []byte
	WrappedKey    *cryptox.WrappedKey
	DownloadLimit int
	Expiry        time.Duration
}

// CreateResult is returned to the sender. RevokeToken is shown exactly once.
type CreateResult struct {
	ID                 string    `json:"id"`
	RevokeToken        string    `json:"revokeToken"`
	ExpiresAt          time.Time `json:"expiresAt"`
	DownloadsRemaining int       `json:"downloadsRemaining"`
	FrameCount         int64     `json:"frameCount"`
	CipherSize         int64     `json:"cipherSize"`
}

// DownloadHandle grants one frame stream. WrappedKey is only set for
// password-protected objects, after the proof verified.
type DownloadHandle struct {
	Token              string              `json:"handle"`
	ObjectID           string              `json:"objectId"`
	ExpiresAt          time.Time           `json:"expiresAt"`
	FrameCount         int64               `json:"frameCount"`
	CipherSize         int64               `json:"cipherSize"`
	DownloadsRemaining int                 `json:"downloadsRemaining"`
	WrappedKey         *cryptox.WrappedKey `json:"wrappedKey,omitempty"`
}

func (r *CreateRequest) normalize() error {
	if !link.ValidObjectID(r.ID) {
		return fmt.Errorf("%w: malformed object id", common.ErrValidation)
	}
	if len(r.SealedMeta) == 0 {
		return fmt.Errorf("%w: sealed metadata required", common.ErrValidation)
	}
	if r.DownloadLimit == 0 {
		r.DownloadLimit = DefaultDownloadLimit
	}
	if r.DownloadLimit < MinDownloadLimit || r.DownloadLimit > MaxDownloadLimit {
		return fmt.Errorf("%w: download limit must be between %d and %d", common.ErrValidation, MinDownloadLimit, MaxDownloadLimit)
	}
	if r.Expiry == 0 {
		r.Expiry = DefaultExpiry
	}
	if r.Expiry < MinExpiry || r.Expiry > MaxExpiry {
		return fmt.Errorf("%w: expiry must be between %s and %s", common.ErrValidation, MinExpiry, MaxExpiry)
	}
	if w := r.WrappedKey; w != nil {
		if err := w.Params.Validate(); err != nil {
			return err
		}
		if len(w.Salt) == 0 || len(w.VerificationTag) != sha256.Size || len(w.Ciphertext) < cryptox.NonceSize+cryptox.TagSize {
			return fmt.Errorf("%w: malformed wrapped key", common.ErrValidation)
		}
	}
	return nil
}

// Create stages frames into the blob store, commits them and then inserts
// the record. The insert is the visibility point: until it succeeds no
// reader can observe the object. Failures remove only a blob this call
// committed itself.
func (s *ObjectService) Create(ctx context.Context, req CreateRequest, frames cryptox.FrameSource) (*CreateResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	if _, err := s.objects.Get(ctx, req.ID); err == nil {
		return nil, common.ErrConflict
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	up, err := s.blobs.Begin(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	count, size, err := s.stage(ctx, up, frames)
	if err != nil {
		_ = up.Abort()
		s.log.Warnw("upload aborted", "object_id", req.ID, "frames", count, "error", err)
		return nil, err
	}

	// Commit and insert happen under the object lock, after a second
	// existence check, so a concurrent create of the same id can neither
	// replace the winner's blob nor discard it.
	unlock, err := s.locks.Lock(ctx, req.ID)
	if err != nil {
		_ = up.Abort()
		return nil, fmt.Errorf("acquire object lock: %w: %v", common.ErrStorageFailure, err)
	}
	defer unlock()

	if _, err := s.objects.Get(ctx, req.ID); err == nil {
		_ = up.Abort()
		return nil, common.ErrConflict
	} else if !errors.Is(err, common.ErrNotFound) {
		_ = up.Abort()
		return nil, err
	}
	// A conflicting commit wrote nothing, so there is nothing to discard.
	if err := up.Commit(ctx); err != nil {
		return nil, err
	}

	token, hash, err := newRevokeToken()
	if err != nil {
		s.discardBlob(req.ID)
		return nil, err
	}

	now := s.opts.Now().UTC()
	obj := &models.Object{
		ID:                 req.ID,
		SealedMeta:         req.SealedMeta,
		RevokeHash:         hash,
		DownloadsRemaining: req.DownloadLimit,
		FrameCount:         count,
		CipherSize:         size,
		ExpiresAt:          now.Add(req.Expiry),
		CreatedAt:          now,
	}
	obj.SetWrapped(req.WrappedKey)

	if err := s.objects.Create(ctx, obj); err != nil {
		if errors.Is(err, common.ErrConflict) {
			// The id was claimed concurrently. The blob now backs that
			// record and is reclaimed with it.
			s.log.Warnw("object id claimed concurrently", "object_id", req.ID)
			return nil, err
		}
		s.discardBlob(req.ID)
		return nil, err
	}

	s.log.Infow("object created",
		"object_id", obj.ID,
		"frames", count,
		"cipher_size", size,
		"downloads", obj.DownloadsRemaining,
		"expires_at", obj.ExpiresAt,
		"password", obj.PasswordProtected,
	)
	return &CreateResult{
		ID:                 obj.ID,
		RevokeToken:        token,
		ExpiresAt:          obj.ExpiresAt,
		DownloadsRemaining: obj.DownloadsRemaining,
		FrameCount:         count,
		CipherSize:         size,
	}, nil
}

// stage copies frames into up, enforcing strictly increasing indices and a
// final frame that is also the last.
func (s *ObjectService) stage(ctx context.Context, up blob.Upload, frames cryptox.FrameSource) (int64, int64, error) {
	cw := &countingWriter{w: up}
	fw := cryptox.NewFrameWriter(cw)

	var (
		next  uint64
		final bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return int64(next), cw.n, err
		}
		f, err := frames.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return int64(next), cw.n, err
		}
		if final {
			return int64(next), cw.n, fmt.Errorf("%w: frame %d after final frame", common.ErrIncompleteStream, f.Index)
		}
		if f.Index != next {
			return int64(next), cw.n, fmt.Errorf("%w: got frame %d, want %d", common.ErrOutOfOrder, f.Index, next)
		}
		if err := fw.WriteFrame(f); err != nil {
			return int64(next), cw.n, err
		}
		if s.opts.MaxCipherSize > 0 && cw.n > s.opts.MaxCipherSize {
			return int64(next), cw.n, fmt.Errorf("%w: upload exceeds %d bytes", common.ErrValidation, s.opts.MaxCipherSize)
		}
		next++
		final = f.Final
	}
	if !final {
		return int64(next), cw.n, fmt.Errorf("%w: final frame missing after %d frames", common.ErrIncompleteStream, next)
	}
	return int64(next), cw.n, nil
}

// FetchMetadata returns the record without touching the download count.
func (s *ObjectService) FetchMetadata(ctx context.Context, id string) (*models.Object, error) {
	if !link.ValidObjectID(id) {
		return nil, common.ErrNotFound
	}
	obj, err := s.objects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := availability(obj, s.opts.Now()); err != nil {
		return nil, err
	}
	return obj, nil
}

// BeginDownload checks expiry, remaining count and the password proof, then
// reserves one download. Under concurrent calls on an object with one
// download left, exactly one caller succeeds.
func (s *ObjectService) BeginDownload(ctx context.Context, id string, proof []byte) (*DownloadHandle, error) {
	if !link.ValidObjectID(id) {
		return nil, common.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PasswordCheckTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acquire object lock: %w: %v", common.ErrStorageFailure, err)
	}
	defer unlock()

	obj, err := s.objects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	if err := availability(obj, now); err != nil {
		return nil, err
	}
	if obj.PasswordProtected && !cryptox.VerifyProof(obj.VerificationTag, proof) {
		s.log.Infow("password proof rejected", "object_id", id)
		return nil, common.ErrWrongPassword
	}

	updated, err := s.objects.ConsumeDownload(ctx, id, now)
	if err != nil {
		return nil, err
	}

	token, claims, err := s.handles.Issue(id)
	if err != nil {
		return nil, err
	}
	s.registry.issued(claims)

	s.log.Infow("download reserved", "object_id", id, "downloads_remaining", updated.DownloadsRemaining)
	return &DownloadHandle{
		Token:              token,
		ObjectID:           id,
		ExpiresAt:          claims.ExpiresAt,
		FrameCount:         updated.FrameCount,
		CipherSize:         updated.CipherSize,
		DownloadsRemaining: updated.DownloadsRemaining,
		WrappedKey:         updated.Wrapped(),
	}, nil
}

// StreamFrames redeems a handle and opens the object's frame stream. Once
// any ciphertext has been read the handle is spent, whether or not the caller
// reads to the end. A failed open or a stream closed before its first byte
// hands the handle back, so transient storage failures can be retried.
func (s *ObjectService) StreamFrames(ctx context.Context, handle string) (io.ReadCloser, error) {
	claims, err := s.redeem(handle)
	if err != nil {
		return nil, err
	}

	rc, err := s.blobs.Open(ctx, claims.ObjectID)
	if err != nil {
		s.registry.release(claims)
		return nil, err
	}
	return &trackedStream{ReadCloser: rc, onClose: func(delivered bool) {
		if delivered {
			s.registry.streamClosed(claims.ObjectID)
			return
		}
		s.registry.release(claims)
	}}, nil
}

// FrameURL redeems a handle and returns a presigned blob-store URL. It
// returns ok=false without redeeming when presigning is not available.
func (s *ObjectService) FrameURL(ctx context.Context, handle string) (url string, ok bool, err error) {
	p, can := s.blobs.(blob.Presigner)
	if !s.opts.PresignFrames || !can {
		return "", false, nil
	}
	claims, err := s.redeem(handle)
	if err != nil {
		return "", true, err
	}

	url, err = p.PresignGet(ctx, claims.ObjectID, s.handles.TTL())
	if err != nil {
		s.registry.release(claims)
		return "", true, err
	}
	// The server never sees the transfer, so a handed-out URL counts as
	// delivered.
	s.registry.streamClosed(claims.ObjectID)
	return url, true, nil
}

func (s *ObjectService) redeem(handle string) (*auth.HandleClaims, error) {
	claims, err := s.handles.Validate(handle)
	if err != nil {
		return nil, err
	}
	if err := s.registry.redeem(claims); err != nil {
		s.log.Warnw("download handle replayed", "object_id", claims.ObjectID, "jti", claims.ID)
		return nil, err
	}
	return claims, nil
}

// Revoke deletes the object immediately when token matches the one returned
// by Create.
func (s *ObjectService) Revoke(ctx context.Context, id, token string) error {
	if !link.ValidObjectID(id) {
		return common.ErrNotFound
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire object lock: %w: %v", common.ErrStorageFailure, err)
	}
	defer unlock()

	obj, err := s.objects.Get(ctx, id)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], obj.RevokeHash) != 1 {
		return common.ErrInvalidToken
	}

	if err := s.remove(ctx, id); err != nil {
		return err
	}
	s.log.Infow("object revoked", "object_id", id)
	return nil
}

// remove deletes blob then record; a crash in between leaves a record the
// sweeper will retry.
func (s *ObjectService) remove(ctx context.Context, id string) error {
	if err := s.blobs.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, id); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	return nil
}

func (s *ObjectService) discardBlob(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, id); err != nil {
		s.log.Errorw("failed to discard staged blob", "object_id", id, "error", err)
	}
}

func availability(obj *models.Object, now time.Time) error {
	if !now.Before(obj.ExpiresAt) {
		return common.ErrExpired
	}
	if obj.DownloadsRemaining <= 0 {
		return common.ErrLimitReached
	}
	return nil
}

func newRevokeToken() (string, []byte, error) {
	b := make([]byte, revokeTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate revoke token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(token))
	return token, sum[:], nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// trackedStream reports on Close whether any bytes were read through it.
type trackedStream struct {
	io.ReadCloser
	onClose   func(delivered bool)
	delivered bool
	closed    bool
}

func (t *trackedStream) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 {
		t.delivered = true
	}
	return n, err
}

func (t *trackedStream) Close() error {
	if !t.closed {
		t.closed = true
		t.onClose(t.delivered)
	}
	return t.ReadCloser.Close()
}
