// Package archive bundles several files or a directory tree into one zip
// stream so they can be shared under a single link.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"securesend/internal/common"
)

// MimeType is sealed into the metadata of archived uploads.
const MimeType = "application/zip"

// DefaultName names bundles built from loose files.
const DefaultName = "securesend-files.zip"

type entry struct {
	src     string
	name    string
	dir     bool
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

// Bundle is a planned archive. File contents are read only while the archive
// is streamed.
type Bundle struct {
	name    string
	entries []entry
	files   int
	size    int64
}

// Collect plans an archive of paths. A directory keeps its own name as the
// top-level folder and is walked recursively; loose files sit at the root.
// Entries that are neither regular files nor directories are skipped.
func Collect(paths []string) (*Bundle, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: nothing to archive", common.ErrValidation)
	}

	b := &Bundle{name: DefaultName}
	seen := make(map[string]bool)
	add := func(e entry) error {
		if seen[e.name] {
			return fmt.Errorf("%w: duplicate archive entry %q", common.ErrValidation, e.name)
		}
		seen[e.name] = true
		b.entries = append(b.entries, e)
		if !e.dir {
			b.files++
		}
		return nil
	}

	for _, p := range paths {
		root, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		st, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			if !st.Mode().IsRegular() {
				continue
			}
			if err := add(fileEntry(root, filepath.Base(root), st)); err != nil {
				return nil, err
			}
			continue
		}

		parent := filepath.Dir(root)
		if parent == root {
			return nil, fmt.Errorf("%w: cannot archive %s", common.ErrValidation, root)
		}
		if len(paths) == 1 {
			b.name = filepath.Base(root) + ".zip"
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(rel)
			switch {
			case d.IsDir():
				return add(entry{src: path, name: name + "/", dir: true, mode: info.Mode(), modTime: info.ModTime()})
			case info.Mode().IsRegular():
				return add(fileEntry(path, name, info))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if b.files == 0 {
		return nil, fmt.Errorf("%w: no regular files to archive", common.ErrValidation)
	}

	// Entries are stored uncompressed, so the layout depends only on names,
	// sizes and times. A pass over zeros measures it without reading files.
	var cw countingWriter
	if err := b.write(&cw, func(e entry) (io.ReadCloser, error) {
		return io.NopCloser(io.LimitReader(zeros{}, e.size)), nil
	}); err != nil {
		return nil, err
	}
	b.size = cw.n
	return b, nil
}

func fileEntry(src, name string, info fs.FileInfo) entry {
	return entry{src: src, name: name, size: info.Size(), mode: info.Mode(), modTime: info.ModTime()}
}

// Name is the suggested file name for the archive.
func (b *Bundle) Name() string { return b.name }

// Files is the number of regular files in the archive.
func (b *Bundle) Files() int { return b.files }

// Size is the exact length of the stream returned by Open.
func (b *Bundle) Size() int64 { return b.size }

// Open streams the archive through a pipe. Files are read as the stream is
// consumed. Closing the reader early stops the writer. A file whose length
// changed since Collect fails the stream.
func (b *Bundle) Open() io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(b.write(pw, func(e entry) (io.ReadCloser, error) {
			return os.Open(e.src)
		}))
	}()
	return pr
}

func (b *Bundle) write(w io.Writer, open func(entry) (io.ReadCloser, error)) error {
	zw := zip.NewWriter(w)
	for _, e := range b.entries {
		hdr := &zip.FileHeader{Name: e.name, Modified: e.modTime}
		hdr.SetMode(e.mode)
		if e.dir {
			if _, err := zw.CreateHeader(hdr); err != nil {
				return err
			}
			continue
		}

		hdr.Method = zip.Store
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err := copyEntry(fw, e, open); err != nil {
			return err
		}
	}
	return zw.Close()
}

func copyEntry(w io.Writer, e entry, open func(entry) (io.ReadCloser, error)) error {
	rc, err := open(e)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := io.Copy(w, io.LimitReader(rc, e.size))
	if err != nil {
		return err
	}
	if n != e.size {
		return fmt.Errorf("%s changed while archiving: read %d of %d bytes", e.src, n, e.size)
	}
	return nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
