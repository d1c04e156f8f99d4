package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"securesend/internal/common"
	"securesend/internal/cryptox"
	"securesend/internal/link"
	"securesend/internal/service"
)

// UploadInput describes one file to share.
type UploadInput struct {
	Source   io.Reader
	Name     string
	MimeType string
	// Size is the plaintext length; it drives progress and is sealed into
	// the metadata.
	Size int64

	Password      string
	KDF           cryptox.KDFParams
	DownloadLimit int
	Expiry        time.Duration
	ChunkSize     int
	Suite         cryptox.Suite
}

// UploadResult is everything the sender needs afterwards.
type UploadResult struct {
	Link               string
	ObjectID           string
	RevokeToken        string
	ExpiresAt          time.Time
	DownloadsRemaining int
}

// UploadSession runs one upload: Idle → Encrypting → Uploading → Complete or
// Failed. A session is single-use.
type UploadSession struct {
	tracker
	backend Backend
	baseURL string
	cfg     sessionConfig
}

func NewUploadSession(backend Backend, baseURL string, opts ...Option) *UploadSession {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &UploadSession{backend: backend, baseURL: baseURL, cfg: cfg}
	s.notify = cfg.progress
	return s
}

// Run encrypts in.Source frame by frame while streaming it to the backend.
// When the source is an io.Seeker, transient storage failures restart the
// whole upload under the same object id and key.
func (s *UploadSession) Run(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if s.State() != Idle {
		return nil, fmt.Errorf("%w: upload session already used", common.ErrValidation)
	}
	if in.Source == nil || in.Size < 0 {
		return nil, s.fail(fmt.Errorf("%w: source and size required", common.ErrValidation))
	}
	s.setState(Encrypting)

	chunk := in.ChunkSize
	if chunk == 0 {
		chunk = cryptox.DefaultChunkSize
	}
	suite := in.Suite
	if suite == 0 {
		suite = cryptox.SuiteAESGCM
	}
	s.setTotal(cryptox.FrameCount(in.Size, chunk))

	id, err := link.NewObjectID()
	if err != nil {
		return nil, s.fail(err)
	}
	key, err := cryptox.CreateShareKey()
	if err != nil {
		return nil, s.fail(err)
	}
	meta, err := cryptox.SealMetadata(key.DataKey, id, cryptox.FileMeta{Name: in.Name, MimeType: in.MimeType, Size: in.Size})
	if err != nil {
		return nil, s.fail(err)
	}

	req := service.CreateRequest{ID: id, SealedMeta: meta, DownloadLimit: in.DownloadLimit, Expiry: in.Expiry}
	if in.Password != "" {
		params := in.KDF
		if params == (cryptox.KDFParams{}) {
			params = cryptox.DefaultKDFParams
		}
		req.WrappedKey, err = cryptox.WrapWithPassword(key.DataKey, in.Password, params)
		if err != nil {
			return nil, s.fail(err)
		}
	}

	seeker, rewindable := in.Source.(io.Seeker)
	var start int64
	if rewindable {
		if start, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			rewindable = false
		}
	}
	attempt := 0
	var res *service.CreateResult
	upload := func(ctx context.Context) error {
		if attempt > 0 {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("rewind source: %w", err)
			}
		}
		attempt++

		enc, err := cryptox.EncryptStream(in.Source, key.DataKey, id, cryptox.WithChunkSize(chunk), cryptox.WithSuite(suite))
		if err != nil {
			return err
		}
		s.setState(Uploading)
		res, err = s.backend.Create(ctx, req, s.countFrames(enc))
		return err
	}

	policy := s.cfg.retry
	if !rewindable {
		policy.Retries = 0
	}
	if err := policy.do(ctx, upload); err != nil {
		return nil, s.fail(err)
	}

	shareLink, err := link.Build(s.baseURL, id, key.DataKey, req.WrappedKey != nil)
	if err != nil {
		return nil, s.fail(err)
	}
	s.setState(Complete)
	return &UploadResult{
		Link:               shareLink,
		ObjectID:           res.ID,
		RevokeToken:        res.RevokeToken,
		ExpiresAt:          res.ExpiresAt,
		DownloadsRemaining: res.DownloadsRemaining,
	}, nil
}

// countFrames reports progress as frames leave the encryptor.
func (s *UploadSession) countFrames(src cryptox.FrameSource) cryptox.FrameSource {
	var n uint64
	return cryptox.FrameSourceFunc(func() (*cryptox.Frame, error) {
		f, err := src.Next()
		if err == nil {
			n++
			s.frameDone(n)
		}
		return f, err
	})
}
