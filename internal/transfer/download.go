package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"securesend/internal/common"
	"securesend/internal/cryptox"
	"securesend/internal/link"
	"securesend/internal/models"
)

// Preview is what a recipient sees before committing to a download. Name,
// MimeType and Size are empty when the link carries no key; they become
// available once the password unwraps it.
type Preview struct {
	ObjectID           string
	Name               string
	MimeType           string
	Size               int64
	DownloadsRemaining int
	ExpiresAt          time.Time
	ExpiresIn          time.Duration
	PasswordProtected  bool
	FrameCount         int64
}

// DownloadSession runs one download: Idle → FetchingInfo → AwaitingPassword
// (password-protected objects only) → Downloading → Decrypting → Complete or
// Failed.
type DownloadSession struct {
	tracker
	backend Backend
	link    *link.Parsed
	cfg     sessionConfig

	obj     *models.Object
	preview *Preview
}

// NewDownloadSession parses rawLink; malformed links fail with
// common.ErrInvalidLink before any network traffic.
func NewDownloadSession(backend Backend, rawLink string, opts ...Option) (*DownloadSession, error) {
	parsed, err := link.Parse(rawLink)
	if err != nil {
		return nil, err
	}
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &DownloadSession{backend: backend, link: parsed, cfg: cfg}
	s.notify = cfg.progress
	return s, nil
}

// Info fetches and decrypts the preview. It never spends a download.
func (s *DownloadSession) Info(ctx context.Context) (*Preview, error) {
	if s.preview != nil {
		return s.preview, nil
	}
	if st := s.State(); st != Idle {
		return nil, fmt.Errorf("%w: session is %s", common.ErrValidation, st)
	}
	s.setState(FetchingInfo)

	var obj *models.Object
	err := s.cfg.retry.do(ctx, func(ctx context.Context) error {
		var err error
		obj, err = s.backend.FetchMetadata(ctx, s.link.ObjectID)
		return err
	})
	if err != nil {
		return nil, s.fail(err)
	}

	p := &Preview{
		ObjectID:           obj.ID,
		DownloadsRemaining: obj.DownloadsRemaining,
		ExpiresAt:          obj.ExpiresAt,
		ExpiresIn:          time.Until(obj.ExpiresAt),
		PasswordProtected:  obj.PasswordProtected,
		FrameCount:         obj.FrameCount,
	}
	if s.link.DataKey != nil {
		if err := fillMeta(p, s.link.DataKey, obj); err != nil {
			return nil, s.fail(err)
		}
	}

	s.obj, s.preview = obj, p
	if obj.PasswordProtected {
		s.setState(AwaitingPassword)
	}
	return p, nil
}

// NeedsPassword reports whether Run requires a password. Valid after Info.
func (s *DownloadSession) NeedsPassword() bool {
	return s.obj != nil && s.obj.PasswordProtected
}

// Run reserves a download, streams the frames and writes verified plaintext
// to w. A download is spent as soon as the reservation succeeds, even if the
// transfer then fails.
func (s *DownloadSession) Run(ctx context.Context, w io.Writer, password string) (*Preview, error) {
	if _, err := s.Info(ctx); err != nil {
		return nil, err
	}
	if st := s.State(); st != FetchingInfo && st != AwaitingPassword {
		return nil, fmt.Errorf("%w: session is %s", common.ErrValidation, st)
	}

	var proof []byte
	if s.obj.PasswordProtected {
		if password == "" {
			return nil, fmt.Errorf("%w: password required", common.ErrWrongPassword)
		}
		var err error
		proof, err = cryptox.PasswordProof(password, s.obj.PasswordSalt, s.obj.KDF())
		if err != nil {
			return nil, s.fail(err)
		}
	}

	s.setState(Downloading)
	// Not retried: a reservation that reached the server is spent.
	h, err := s.backend.BeginDownload(ctx, s.obj.ID, proof)
	if errors.Is(err, common.ErrWrongPassword) {
		s.setState(AwaitingPassword)
		return nil, err
	}
	if err != nil {
		return nil, s.fail(err)
	}

	key := s.link.DataKey
	if key == nil {
		if h.WrappedKey == nil {
			return nil, s.fail(fmt.Errorf("%w: link has no key and object has no password", common.ErrInvalidLink))
		}
		key, err = cryptox.UnwrapWithPassword(h.WrappedKey, password)
		if err != nil {
			return nil, s.fail(err)
		}
		if err := fillMeta(s.preview, key, s.obj); err != nil {
			return nil, s.fail(err)
		}
	}

	var stream io.ReadCloser
	err = s.cfg.retry.do(ctx, func(ctx context.Context) error {
		var err error
		stream, err = s.backend.StreamFrames(ctx, h.Token)
		return err
	})
	if err != nil {
		return nil, s.fail(err)
	}
	defer stream.Close()

	s.setTotal(uint64(h.FrameCount))
	s.setState(Decrypting)

	dec := cryptox.DecryptStream(s.countFrames(ctx, cryptox.NewFrameReader(stream)), key, s.obj.ID)
	if _, err := dec.WriteTo(w); err != nil {
		return nil, s.fail(err)
	}

	s.setState(Complete)
	return s.preview, nil
}

// countFrames reports progress per received frame and stops promptly on
// cancellation.
func (s *DownloadSession) countFrames(ctx context.Context, src cryptox.FrameSource) cryptox.FrameSource {
	var n uint64
	return cryptox.FrameSourceFunc(func() (*cryptox.Frame, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := src.Next()
		if err == nil {
			n++
			s.frameDone(n)
		}
		return f, err
	})
}

func fillMeta(p *Preview, key []byte, obj *models.Object) error {
	meta, err := cryptox.OpenMetadata(key, obj.ID, obj.SealedMeta)
	if err != nil {
		return err
	}
	p.Name, p.MimeType, p.Size = meta.Name, meta.MimeType, meta.Size
	return nil
}
