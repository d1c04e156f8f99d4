package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"securesend/internal/archive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSourceSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text notes\n"), 0o644))

	src, err := openSource([]string{path})
	require.NoError(t, err)
	defer src.Close()

	assert.False(t, src.archived)
	assert.Equal(t, "notes.txt", src.name)
	assert.Equal(t, int64(17), src.size)
	assert.Contains(t, src.mimeType, "text/plain")
	_, seekable := src.ReadCloser.(io.Seeker)
	assert.True(t, seekable, "single files stay rewindable for retries")
}

func TestOpenSourceArchivesDirectoriesAndLists(t *testing.T) {
	dir := t.TempDir()
	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("a"), 0o644))

	src, err := openSource([]string{docs})
	require.NoError(t, err)
	assert.True(t, src.archived)
	assert.Equal(t, "docs.zip", src.name)
	assert.Equal(t, archive.MimeType, src.mimeType)
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, src.size, int64(len(data)))
	require.NoError(t, src.Close())

	other := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(other, []byte("b"), 0o644))
	src, err = openSource([]string{filepath.Join(docs, "a.txt"), other})
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, archive.DefaultName, src.name)
	assert.Equal(t, 2, src.files)
}
