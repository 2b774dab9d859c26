// Package archive adapts on-disk archive files (tar, tar.gz, zip) to the
// ordered entry stream the matcher consumes.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mholt/archives"
	"github.com/mic159/immich-takeout/takeout"
)

// sidecarBufferLimit caps how much of a JSON sidecar gets buffered during
// iteration; real sidecars are a few KB.
const sidecarBufferLimit = 10 << 20

// Reader walks one archive in stream order. JSON sidecar payloads are
// buffered as they go by, because the matcher parses them immediately;
// media payloads are opened lazily, by name, through a second handle on the
// archive, so an entry can still be read long after the stream has moved
// past it.
type Reader struct {
	path    string
	name    string
	entries chan *takeout.Entry
	result  chan error
	cancel  context.CancelFunc
	read    atomic.Int64

	fsysOnce sync.Once
	fsys     fs.FS
	fsysErr  error

	err error
}

// Open starts reading the archive at path. The format is identified from
// the filename and stream contents.
func Open(ctx context.Context, path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		path:    path,
		name:    filepath.Base(path),
		entries: make(chan *takeout.Entry),
		result:  make(chan error, 1),
	}

	counted := &countingReader{r: f, n: &r.read}
	format, input, err := archives.Identify(ctx, r.name, counted)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("identifying archive format: %w", err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%s is not an extractable archive (%T)", r.name, format)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer f.Close()
		defer close(r.entries)
		r.result <- extractor.Extract(ctx, input, r.handle(ctx))
	}()

	return r, nil
}

func (r *Reader) Name() string { return r.name }

// Next returns the next entry in stream order, or io.EOF at the end.
func (r *Reader) Next(ctx context.Context) (*takeout.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	select {
	case entry, ok := <-r.entries:
		if !ok {
			if err := <-r.result; err != nil && !errors.Is(err, io.EOF) {
				r.err = err
			} else {
				r.err = io.EOF
			}
			return nil, r.err
		}
		return entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BytesRead reports how many bytes of the archive file have been consumed
// by iteration so far; useful for progress, nothing else.
func (r *Reader) BytesRead() int64 {
	return r.read.Load()
}

// Close stops iteration and abandons any in-flight entries. Payload handles
// already given out stay usable; they are backed by a separate handle on
// the archive.
func (r *Reader) Close() error {
	r.cancel()
	for range r.entries { // unblock the extractor goroutine
	}
	return nil
}

func (r *Reader) handle(ctx context.Context) archives.FileHandler {
	return func(ctx context.Context, fi archives.FileInfo) error {
		if fi.IsDir() {
			return nil
		}
		entry := &takeout.Entry{
			Name:    fi.NameInArchive,
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC(),
			Archive: r.name,
		}
		if strings.HasSuffix(fi.NameInArchive, ".json") {
			payload, err := readAll(fi)
			if err != nil {
				return fmt.Errorf("buffering sidecar %s: %w", fi.NameInArchive, err)
			}
			entry.Open = func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(payload)), nil
			}
		} else {
			name := fi.NameInArchive
			entry.Open = func(ctx context.Context) (io.ReadCloser, error) {
				return r.openDeferred(ctx, name)
			}
		}
		select {
		case r.entries <- entry:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func readAll(fi archives.FileInfo) ([]byte, error) {
	f, err := fi.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, sidecarBufferLimit))
}

func (r *Reader) openDeferred(ctx context.Context, name string) (io.ReadCloser, error) {
	r.fsysOnce.Do(func() {
		r.fsys, r.fsysErr = archives.FileSystem(ctx, r.path, nil)
	})
	if r.fsysErr != nil {
		return nil, r.fsysErr
	}
	f, err := r.fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("reopening %s from %s: %w", name, r.name, err)
	}
	return f, nil
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
