package takeout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entry is one raw archive entry: its name and attributes, plus a handle
// that opens its payload on demand. The handle must remain usable after the
// archive stream has moved past the entry.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	Archive string
	Open    func(ctx context.Context) (io.ReadCloser, error)
}

// Source is a forward-only iterator over one archive's entries, in stream
// order. Next returns io.EOF when the archive is exhausted.
type Source interface {
	Name() string
	Next(ctx context.Context) (*Entry, error)
}

// SkipSet answers whether a canonical key was already fully processed in a
// previous run. The matcher only reads it.
type SkipSet interface {
	Contains(name string) bool
	Len() int
}

// Reporter receives the run's outcomes for offline inspection. The matcher
// and the downstream stages call it; it must not influence matching.
type Reporter interface {
	Matched(a *Asset)
	DanglingMetadata(key, archive string)
	DanglingFile(key, archive string)
	DuplicateMetadata(key, firstArchive, secondArchive string)
	Skipped(name, archive, reason string)
}

// the export's HTML browser describes the archive itself, not an asset
const indexFilename = "archive_browser.html"

// Matcher pairs media entries with their metadata sidecars while streaming
// through a sequence of archives. Entry names in the archive are distorted
// relative to each other (truncation, extension normalization, numbering
// suffixes), so both sides are reduced to a canonical key first and held in
// pending maps until their counterpart shows up.
//
// A Matcher holds state for exactly one run and must not be shared.
type Matcher struct {
	sources []Source
	skip    SkipSet
	report  Reporter
	log     *zap.Logger

	cur          int
	pendingFiles map[string]*Entry
	pendingMeta  map[string]*Metadata
	matched      map[string]struct{}
	emitted      int
	finished     bool
}

func NewMatcher(sources []Source, skip SkipSet, report Reporter, log *zap.Logger) *Matcher {
	return &Matcher{
		sources:      sources,
		skip:         skip,
		report:       report,
		log:          log,
		pendingFiles: make(map[string]*Entry),
		pendingMeta:  make(map[string]*Metadata),
		matched:      make(map[string]struct{}),
	}
}

// Next returns the next fully joined asset, consuming as many raw entries
// from the archives as needed to produce one. Assets come out in the arrival
// order of their completing half. Once all archives are exhausted, the
// companion cleanup pass runs, remaining dangling entries are reported, and
// every further call returns io.EOF.
func (m *Matcher) Next(ctx context.Context) (*Asset, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.cur >= len(m.sources) {
			return nil, m.finish()
		}
		src := m.sources[m.cur]
		entry, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			m.log.Info("archive exhausted",
				zap.String("archive", src.Name()),
				zap.Int("dangling_metadata", len(m.pendingMeta)),
				zap.Int("dangling_files", len(m.pendingFiles)))
			m.cur++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive %s: %w", src.Name(), err)
		}
		asset, err := m.consume(ctx, src.Name(), entry)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			return asset, nil
		}
	}
}

func (m *Matcher) consume(ctx context.Context, archiveName string, entry *Entry) (*Asset, error) {
	key, isMeta := NormalizeFilename(entry.Name)
	if m.skip.Contains(key) {
		return nil, nil
	}
	if strings.HasSuffix(entry.Name, indexFilename) {
		return nil, nil
	}

	if isMeta {
		meta, err := m.readSidecar(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("sidecar %s in %s: %w", entry.Name, archiveName, err)
		}
		key = fixTruncatedName(key, meta.Title)
		meta.Archive = archiveName
		meta.Key = key
		if prev, ok := m.pendingMeta[key]; ok {
			m.log.Warn("duplicate sidecar for pending key",
				zap.String("key", key),
				zap.String("first_archive", prev.Archive),
				zap.String("second_archive", archiveName))
			m.report.DuplicateMetadata(key, prev.Archive, archiveName)
		}
		m.pendingMeta[key] = meta
	} else {
		entry.Archive = archiveName
		m.pendingFiles[key] = entry
	}

	fileKey, metaKey, ok := m.match(key, isMeta)
	if !ok {
		return nil, nil
	}

	fileEntry := m.pendingFiles[fileKey]
	meta := m.pendingMeta[metaKey]
	delete(m.pendingFiles, fileKey)
	delete(m.pendingMeta, metaKey)

	asset := newAsset(fileKey, fileEntry, meta)
	m.matched[fileKey] = struct{}{}
	m.emitted++
	m.report.Matched(asset)
	m.log.Debug("matched",
		zap.String("key", fileKey),
		zap.String("metadata_archive", meta.Archive),
		zap.String("file_archive", fileEntry.Archive))
	return asset, nil
}

// match looks for a completed pair for key. The exact key is always tried
// first; only when that misses does one direction-specific fallback apply:
// a sidecar whose key lost its extension is tried against files with ".jpg"
// appended, and a media file is tried against sidecars with its extension
// stripped.
func (m *Matcher) match(key string, isMeta bool) (fileKey, metaKey string, ok bool) {
	_, haveFile := m.pendingFiles[key]
	_, haveMeta := m.pendingMeta[key]
	if haveFile && haveMeta {
		return key, key, true
	}
	if isMeta {
		if path.Ext(key) == "" {
			withExt := key + ".jpg"
			if _, ok := m.pendingFiles[withExt]; ok {
				return withExt, key, true
			}
		}
		return "", "", false
	}
	if ext := path.Ext(key); ext != "" {
		stripped := strings.TrimSuffix(key, ext)
		if _, ok := m.pendingMeta[stripped]; ok {
			return key, stripped, true
		}
	}
	return "", "", false
}

func (m *Matcher) readSidecar(ctx context.Context, entry *Entry) (*Metadata, error) {
	rc, err := entry.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	meta := new(Metadata)
	if err := json.NewDecoder(rc).Decode(meta); err != nil {
		return nil, fmt.Errorf("decoding sidecar JSON: %w", err)
	}
	if meta.Title == "" {
		return nil, errors.New("sidecar has no title")
	}
	if _, err := meta.TakenTime(); err != nil {
		return nil, fmt.Errorf("sidecar photoTakenTime: %w", err)
	}
	return meta, nil
}

func (m *Matcher) finish() error {
	if m.finished {
		return io.EOF
	}
	m.finished = true

	m.cleanupMotionVideos()

	m.log.Info("finished extracting files",
		zap.Int("matched", m.emitted),
		zap.Int("previously_processed", m.skip.Len()))
	if len(m.pendingMeta) > 0 {
		m.log.Warn("metadata dangling", zap.Int("count", len(m.pendingMeta)))
	}
	if len(m.pendingFiles) > 0 {
		m.log.Warn("files dangling", zap.Int("count", len(m.pendingFiles)))
	}
	for key, meta := range m.pendingMeta {
		m.report.DanglingMetadata(key, meta.Archive)
	}
	for key, entry := range m.pendingFiles {
		m.report.DanglingFile(key, entry.Archive)
	}
	return io.EOF
}
