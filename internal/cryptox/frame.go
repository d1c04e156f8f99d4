package cryptox

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"securesend/internal/common"
)

const (
	flagFinal = 0x01

	// frameHeaderSize is index(8) + flags(1) + nonce(12) + length(4).
	frameHeaderSize = 8 + 1 + NonceSize + 4
)

// Frame is one sealed chunk of an object.
type Frame struct {
	Index      uint64
	Final      bool
	Suite      Suite
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// FrameSource is a pull-style sequence of frames. Next returns io.EOF when
// the sequence is exhausted.
type FrameSource interface {
	Next() (*Frame, error)
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func() (*Frame, error)

func (f FrameSourceFunc) Next() (*Frame, error) { return f() }

func (f *Frame) flags() byte {
	b := byte(f.Suite) << 4
	if f.Final {
		b |= flagFinal
	}
	return b
}

// WireSize is the number of bytes the frame occupies on the wire.
func (f *Frame) WireSize() int64 {
	return int64(frameHeaderSize + len(f.Ciphertext) + len(f.Tag))
}

// FrameWriter serializes frames as a length-prefixed byte stream:
//
//	index u64 BE | flags u8 | nonce[12] | len u32 BE | ciphertext[len] | tag[16]
type FrameWriter struct {
	w   io.Writer
	hdr [frameHeaderSize]byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) WriteFrame(f *Frame) error {
	if len(f.Nonce) != NonceSize || len(f.Tag) != TagSize {
		return fmt.Errorf("malformed frame %d", f.Index)
	}
	if len(f.Ciphertext) > MaxChunkSize {
		return fmt.Errorf("frame %d exceeds %d bytes", f.Index, MaxChunkSize)
	}

	binary.BigEndian.PutUint64(fw.hdr[0:8], f.Index)
	fw.hdr[8] = f.flags()
	copy(fw.hdr[9:9+NonceSize], f.Nonce)
	binary.BigEndian.PutUint32(fw.hdr[9+NonceSize:], uint32(len(f.Ciphertext)))

	if _, err := fw.w.Write(fw.hdr[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(f.Ciphertext); err != nil {
		return err
	}
	_, err := fw.w.Write(f.Tag)
	return err
}

// FrameReader parses the stream produced by FrameWriter. It implements
// FrameSource.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns io.EOF only on a clean frame boundary. A stream cut inside a
// frame yields ErrIncompleteStream.
func (fr *FrameReader) Next() (*Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated(err)
	}

	n := binary.BigEndian.Uint32(hdr[9+NonceSize:])
	if n > MaxChunkSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", common.ErrAuthenticationFailed, n)
	}

	flags := hdr[8]
	f := &Frame{
		Index:      binary.BigEndian.Uint64(hdr[0:8]),
		Final:      flags&flagFinal != 0,
		Suite:      Suite(flags >> 4),
		Nonce:      append([]byte(nil), hdr[9:9+NonceSize]...),
		Ciphertext: make([]byte, n),
		Tag:        make([]byte, TagSize),
	}
	if _, err := io.ReadFull(fr.r, f.Ciphertext); err != nil {
		return nil, truncated(err)
	}
	if _, err := io.ReadFull(fr.r, f.Tag); err != nil {
		return nil, truncated(err)
	}
	return f, nil
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream cut mid-frame", common.ErrIncompleteStream)
	}
	return err
}
