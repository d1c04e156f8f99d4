package cryptox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"securesend/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, frames []*Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	for _, f := range frames {
		require.NoError(t, fw.WriteFrame(f))
	}
	return buf.Bytes()
}

func TestFrameWireRoundTrip(t *testing.T) {
	key := newKey(t)
	plaintext := randomBytes(t, 2*MinChunkSize+5)
	frames := collectFrames(t, plaintext, key, WithChunkSize(MinChunkSize), WithSuite(SuiteChaCha20Poly1305))
	wire := writeFrames(t, frames)

	var total int64
	for _, f := range frames {
		total += f.WireSize()
	}
	assert.Equal(t, int64(len(wire)), total)

	fr := NewFrameReader(bytes.NewReader(wire))
	for _, want := range frames {
		got, err := fr.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := fr.Next()
	assert.True(t, errors.Is(err, io.EOF))

	var out bytes.Buffer
	_, err = DecryptStream(NewFrameReader(bytes.NewReader(wire)), key, testObjectID).WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out.Bytes())
}

func TestFrameReaderCutMidFrame(t *testing.T) {
	frames := collectFrames(t, randomBytes(t, 100), newKey(t))
	wire := writeFrames(t, frames)

	for _, cut := range []int{1, frameHeaderSize, len(wire) - 1} {
		_, err := NewFrameReader(bytes.NewReader(wire[:cut])).Next()
		require.ErrorIs(t, err, common.ErrIncompleteStream, "cut at %d", cut)
	}
}

func TestFrameReaderRejectsOversizedLength(t *testing.T) {
	hdr := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(hdr[9+NonceSize:], MaxChunkSize+TagSize+1)

	_, err := NewFrameReader(bytes.NewReader(hdr)).Next()
	require.ErrorIs(t, err, common.ErrAuthenticationFailed)
}

func TestTruncatedWireStreamFailsDecryption(t *testing.T) {
	key := newKey(t)
	frames := collectFrames(t, randomBytes(t, 3*MinChunkSize), key, WithChunkSize(MinChunkSize))
	wire := writeFrames(t, frames[:2])

	_, err := io.ReadAll(DecryptStream(NewFrameReader(bytes.NewReader(wire)), key, testObjectID))
	require.ErrorIs(t, err, common.ErrIncompleteStream)
}

func TestMetadataSealOpen(t *testing.T) {
	key := newKey(t)
	meta := FileMeta{Name: "report.pdf", MimeType: "application/pdf", Size: 12345}

	sealed, err := SealMetadata(key, testObjectID, meta)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "report.pdf")

	got, err := OpenMetadata(key, testObjectID, sealed)
	require.NoError(t, err)
	assert.Equal(t, meta, *got)

	_, err = OpenMetadata(newKey(t), testObjectID, sealed)
	require.ErrorIs(t, err, common.ErrAuthenticationFailed)

	_, err = OpenMetadata(key, "other-object-id-000000", sealed)
	require.ErrorIs(t, err, common.ErrAuthenticationFailed)
}
