package cryptox

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"securesend/internal/common"
)

const (
	DefaultChunkSize = 1 << 20
	MinChunkSize     = 64 << 10
	MaxChunkSize     = 4 << 20
)

type streamConfig struct {
	chunkSize int
	suite     Suite
}

// StreamOption tunes EncryptStream.
type StreamOption func(*streamConfig)

// WithChunkSize sets the plaintext chunk size. Values outside
// [MinChunkSize, MaxChunkSize] are rejected by EncryptStream.
func WithChunkSize(n int) StreamOption {
	return func(c *streamConfig) { c.chunkSize = n }
}

// WithSuite selects the AEAD primitive.
func WithSuite(s Suite) StreamOption {
	return func(c *streamConfig) { c.suite = s }
}

// FrameCount returns how many frames a plaintext of the given size produces.
// An empty plaintext still produces one (final) frame.
func FrameCount(plaintextSize int64, chunkSize int) uint64 {
	if plaintextSize <= 0 {
		return 1
	}
	cs := int64(chunkSize)
	return uint64((plaintextSize + cs - 1) / cs)
}

// nonceFor combines the per-object base nonce with the frame index. The index
// occupies the low 8 bytes, so distinct indices never share a nonce.
func nonceFor(base []byte, index uint64) []byte {
	n := make([]byte, NonceSize)
	copy(n, base)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for i := 0; i < 8; i++ {
		n[NonceSize-8+i] ^= idx[i]
	}
	return n
}

func frameAAD(objectID string, index uint64, flags byte) []byte {
	aad := make([]byte, 0, len(objectID)+9)
	aad = append(aad, objectID...)
	aad = binary.BigEndian.AppendUint64(aad, index)
	return append(aad, flags)
}

// Encryptor lazily turns a plaintext reader into sealed frames, holding at
// most one chunk in memory.
type Encryptor struct {
	r        *bufio.Reader
	aead     cipher.AEAD
	suite    Suite
	objectID string
	base     []byte
	buf      []byte
	index    uint64
	done     bool
}

// EncryptStream prepares an Encryptor for one object. Every call draws a
// fresh random base nonce.
func EncryptStream(r io.Reader, key []byte, objectID string, opts ...StreamOption) (*Encryptor, error) {
	cfg := streamConfig{chunkSize: DefaultChunkSize, suite: SuiteAESGCM}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chunkSize < MinChunkSize || cfg.chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d out of range", common.ErrValidation, cfg.chunkSize)
	}
	if objectID == "" {
		return nil, fmt.Errorf("%w: empty object id", common.ErrValidation)
	}

	frameKey, err := deriveSubkey(key, infoFrames)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(cfg.suite, frameKey)
	if err != nil {
		return nil, err
	}

	base := make([]byte, NonceSize)
	if _, err := rand.Read(base); err != nil {
		return nil, fmt.Errorf("generate base nonce: %w", err)
	}

	return &Encryptor{
		r:        bufio.NewReader(r),
		aead:     aead,
		suite:    cfg.suite,
		objectID: objectID,
		base:     base,
		buf:      make([]byte, cfg.chunkSize),
	}, nil
}

// Next seals the next chunk. It returns io.EOF once the final frame has been
// produced.
func (e *Encryptor) Next() (*Frame, error) {
	if e.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(e.r, e.buf)
	final := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		final = true
	case err != nil:
		return nil, fmt.Errorf("read plaintext: %w", err)
	default:
		// A full chunk is final only if nothing follows it.
		if _, perr := e.r.Peek(1); perr != nil {
			if !errors.Is(perr, io.EOF) {
				return nil, fmt.Errorf("read plaintext: %w", perr)
			}
			final = true
		}
	}

	f := &Frame{
		Index: e.index,
		Final: final,
		Suite: e.suite,
		Nonce: nonceFor(e.base, e.index),
	}
	sealed := e.aead.Seal(nil, f.Nonce, e.buf[:n], frameAAD(e.objectID, f.Index, f.flags()))
	f.Ciphertext = sealed[:len(sealed)-TagSize]
	f.Tag = sealed[len(sealed)-TagSize:]

	e.index++
	e.done = final
	return f, nil
}

// Decryptor verifies and opens frames in order. Plaintext for a frame is only
// returned after its tag verified; the first failure is sticky.
type Decryptor struct {
	src      FrameSource
	key      []byte
	objectID string
	aead     cipher.AEAD
	suite    Suite
	base     []byte
	next     uint64
	done     bool
	err      error
	pending  []byte
}

// DecryptStream wraps src. Errors from key derivation surface on the first
// call to Next.
func DecryptStream(src FrameSource, key []byte, objectID string) *Decryptor {
	d := &Decryptor{src: src, objectID: objectID}
	frameKey, err := deriveSubkey(key, infoFrames)
	if err != nil {
		d.err = err
		return d
	}
	d.key = frameKey
	return d
}

// Next returns the plaintext of the next frame. io.EOF is returned only
// after the final frame verified and the source is exhausted.
func (d *Decryptor) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	pt, err := d.openNext()
	if err != nil {
		d.err = err
	}
	return pt, err
}

func (d *Decryptor) openNext() ([]byte, error) {
	f, err := d.src.Next()
	if d.done {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case err != nil:
			return nil, err
		default:
			return nil, fmt.Errorf("%w: frame %d after final frame", common.ErrIncompleteStream, f.Index)
		}
	}
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: final frame missing after %d frames", common.ErrIncompleteStream, d.next)
	}
	if err != nil {
		return nil, err
	}

	if f.Index != d.next {
		return nil, fmt.Errorf("%w: got frame %d, want %d", common.ErrOutOfOrder, f.Index, d.next)
	}
	if len(f.Nonce) != NonceSize || len(f.Tag) != TagSize {
		return nil, fmt.Errorf("%w: malformed frame %d", common.ErrAuthenticationFailed, f.Index)
	}
	if f.Index == 0 {
		aead, err := newAEAD(f.Suite, d.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrAuthenticationFailed, err)
		}
		d.aead = aead
		d.suite = f.Suite
		d.base = append([]byte(nil), f.Nonce...)
	} else if f.Suite != d.suite {
		return nil, fmt.Errorf("%w: suite changed at frame %d", common.ErrAuthenticationFailed, f.Index)
	}
	if !bytes.Equal(f.Nonce, nonceFor(d.base, f.Index)) {
		return nil, fmt.Errorf("%w: unexpected nonce at frame %d", common.ErrAuthenticationFailed, f.Index)
	}

	sealed := make([]byte, 0, len(f.Ciphertext)+TagSize)
	sealed = append(sealed, f.Ciphertext...)
	sealed = append(sealed, f.Tag...)
	pt, err := d.aead.Open(nil, f.Nonce, sealed, frameAAD(d.objectID, f.Index, f.flags()))
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d", common.ErrAuthenticationFailed, f.Index)
	}

	d.next++
	d.done = f.Final
	return pt, nil
}

// FramesVerified reports how many frames have been opened so far.
func (d *Decryptor) FramesVerified() uint64 {
	return d.next
}

// Read implements io.Reader over the verified plaintext.
func (d *Decryptor) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		pt, err := d.Next()
		if err != nil {
			return 0, err
		}
		d.pending = pt
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// WriteTo drains the stream into w.
func (d *Decryptor) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(d.pending) > 0 {
		n, err := w.Write(d.pending)
		total += int64(n)
		d.pending = nil
		if err != nil {
			return total, err
		}
	}
	for {
		pt, err := d.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(pt)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
