package takeout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

// sliceSource replays a fixed list of entries, tracking how far the matcher
// has pulled.
type sliceSource struct {
	name    string
	entries []*Entry
	pos     int
}

func (s *sliceSource) Name() string { return s.name }

func (s *sliceSource) Next(_ context.Context) (*Entry, error) {
	if s.pos >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

type memorySkip map[string]struct{}

func (s memorySkip) Contains(name string) bool { _, ok := s[name]; return ok }
func (s memorySkip) Len() int                  { return len(s) }

// recordingReporter captures every report call for assertions.
type recordingReporter struct {
	matched       []string
	danglingMeta  []string
	danglingFiles []string
	duplicates    []string
	skipped       []string
}

func (r *recordingReporter) Matched(a *Asset)               { r.matched = append(r.matched, a.Key) }
func (r *recordingReporter) DanglingMetadata(key, _ string) { r.danglingMeta = append(r.danglingMeta, key) }
func (r *recordingReporter) DanglingFile(key, _ string)     { r.danglingFiles = append(r.danglingFiles, key) }
func (r *recordingReporter) DuplicateMetadata(key, _, _ string) {
	r.duplicates = append(r.duplicates, key)
}
func (r *recordingReporter) Skipped(name, _, _ string) { r.skipped = append(r.skipped, name) }

func mediaEntry(name string) *Entry {
	return &Entry{
		Name:    name,
		Size:    1234,
		ModTime: time.Date(2022, 12, 19, 4, 5, 31, 0, time.UTC),
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte("media-bytes"))), nil
		},
	}
}

func sidecarEntry(name, title string) *Entry {
	payload := fmt.Sprintf(`{
		"title": %q,
		"photoTakenTime": {"timestamp": "1671422731", "formatted": "Dec 19, 2022, 4:05:31 AM UTC"},
		"geoData": {"latitude": 0.0, "longitude": 0.0, "altitude": 0.0}
	}`, title)
	return &Entry{
		Name:    name,
		Size:    int64(len(payload)),
		ModTime: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(payload))), nil
		},
	}
}

func newTestMatcher(skip SkipSet, report Reporter, entries ...*Entry) *Matcher {
	if skip == nil {
		skip = memorySkip{}
	}
	if report == nil {
		report = new(recordingReporter)
	}
	src := &sliceSource{name: "takeout-001.tgz", entries: entries}
	return NewMatcher([]Source{src}, skip, report, zap.NewNop())
}

func drain(t *testing.T, m *Matcher) []*Asset {
	t.Helper()
	var assets []*Asset
	for {
		a, err := m.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return assets
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assets = append(assets, a)
	}
}

func TestMatcherPairsEitherOrder(t *testing.T) {
	const (
		mediaName = "Takeout/Google Photos/Photos from 2022/PXL_20221220_060913910.jpg"
		metaName  = mediaName + ".json"
		title     = "PXL_20221220_060913910.jpg"
	)
	for i, entries := range [][]*Entry{
		{mediaEntry(mediaName), sidecarEntry(metaName, title)},
		{sidecarEntry(metaName, title), mediaEntry(mediaName)},
	} {
		assets := drain(t, newTestMatcher(nil, nil, entries...))
		if len(assets) != 1 {
			t.Fatalf("test %d: got %d assets, expected 1", i, len(assets))
		}
		a := assets[0]
		if a.Key != mediaName {
			t.Errorf("test %d: got key %q, expected %q", i, a.Key, mediaName)
		}
		if a.Name != title {
			t.Errorf("test %d: got display name %q, expected %q", i, a.Name, title)
		}
		want := time.Date(2022, 12, 19, 4, 5, 31, 0, time.UTC)
		if !a.OriginalTime.Equal(want) {
			t.Errorf("test %d: got taken time %v, expected %v", i, a.OriginalTime, want)
		}
	}
}

func TestMatcherEmitsAsSoonAsJoined(t *testing.T) {
	src := &sliceSource{name: "takeout-001.tgz", entries: []*Entry{
		mediaEntry("Takeout/Google Photos/Photos from 2022/a.jpg"),
		sidecarEntry("Takeout/Google Photos/Photos from 2022/a.jpg.json", "a.jpg"),
		mediaEntry("Takeout/Google Photos/Photos from 2022/b.jpg"),
		sidecarEntry("Takeout/Google Photos/Photos from 2022/b.jpg.json", "b.jpg"),
	}}
	m := NewMatcher([]Source{src}, memorySkip{}, new(recordingReporter), zap.NewNop())

	if _, err := m.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the first pair must come out before the second pair's entries are pulled
	if src.pos != 2 {
		t.Errorf("matcher consumed %d entries before first emission, expected 2", src.pos)
	}
}

func TestMatcherExtensionFallbacks(t *testing.T) {
	// an extension-less sidecar key joins a ".jpg" file in either order: the
	// metadata side appends ".jpg", the media side strips its extension
	for i, entries := range [][]*Entry{
		{
			sidecarEntry("Takeout/Google Photos/Photos from 2022/IMG_0001.json", "IMG_0001"),
			mediaEntry("Takeout/Google Photos/Photos from 2022/IMG_0001.jpg"),
		},
		{
			mediaEntry("Takeout/Google Photos/Photos from 2022/IMG_0001.jpg"),
			sidecarEntry("Takeout/Google Photos/Photos from 2022/IMG_0001.json", "IMG_0001"),
		},
	} {
		assets := drain(t, newTestMatcher(nil, nil, entries...))
		if len(assets) != 1 {
			t.Fatalf("test %d: got %d assets, expected 1", i, len(assets))
		}
		want := "Takeout/Google Photos/Photos from 2022/IMG_0001.jpg"
		if assets[0].Key != want {
			t.Errorf("test %d: got key %q, expected %q", i, assets[0].Key, want)
		}
	}

	// a non-jpg file only joins an extension-less sidecar through its own
	// strip-extension fallback, so the sidecar must already be pending
	assets := drain(t, newTestMatcher(nil, nil,
		sidecarEntry("Takeout/Google Photos/Photos from 2022/IMG_0002.json", "IMG_0002"),
		mediaEntry("Takeout/Google Photos/Photos from 2022/IMG_0002.HEIC"),
	))
	if len(assets) != 1 {
		t.Fatalf("got %d assets, expected 1", len(assets))
	}
	if want := "Takeout/Google Photos/Photos from 2022/IMG_0002.HEIC"; assets[0].Key != want {
		t.Errorf("got key %q, expected %q", assets[0].Key, want)
	}
}

func TestMatcherNumberedDuplicates(t *testing.T) {
	assets := drain(t, newTestMatcher(nil, nil,
		mediaEntry("Takeout/Google Photos/Photos from 2022/PXL_20221220_060913910.jpg"),
		sidecarEntry("Takeout/Google Photos/Photos from 2022/PXL_20221220_060913910.jpg.json", "PXL_20221220_060913910.jpg"),
		mediaEntry("Takeout/Google Photos/Photos from 2022/PXL_20221220_060913910(1).jpg"),
		sidecarEntry("Takeout/Google Photos/Photos from 2022/PXL_20221220_060913910.jpg(1).json", "PXL_20221220_060913910.jpg"),
	))
	if len(assets) != 2 {
		t.Fatalf("got %d assets, expected 2", len(assets))
	}
	if assets[0].Key == assets[1].Key {
		t.Errorf("both assets got key %q, expected distinct keys", assets[0].Key)
	}
}

func TestMatcherTruncatedSidecarName(t *testing.T) {
	assets := drain(t, newTestMatcher(nil, nil,
		sidecarEntry(
			"Takeout/Google Photos/Photos from 2023/story_image_v2_336d088f-fbe5-43a1-b765-58c29b9.json",
			"story_image_v2_336d088f-fbe5-43a1-b765-58c29b9a5b2f_640_wide.jpg"),
		mediaEntry("Takeout/Google Photos/Photos from 2023/story_image_v2_336d088f-fbe5-43a1-b765-58c29b9a.jpg"),
	))
	if len(assets) != 1 {
		t.Fatalf("got %d assets, expected 1", len(assets))
	}
	want := "Takeout/Google Photos/Photos from 2023/story_image_v2_336d088f-fbe5-43a1-b765-58c29b9a.jpg"
	if assets[0].Key != want {
		t.Errorf("got key %q, expected %q", assets[0].Key, want)
	}
}

func TestMatcherDanglingReported(t *testing.T) {
	report := new(recordingReporter)
	assets := drain(t, newTestMatcher(nil, report,
		mediaEntry("Takeout/Google Photos/Photos from 2022/lonely.jpg"),
		sidecarEntry("Takeout/Google Photos/Photos from 2022/other.jpg.json", "other.jpg"),
	))
	if len(assets) != 0 {
		t.Fatalf("got %d assets, expected 0", len(assets))
	}
	if len(report.danglingFiles) != 1 || report.danglingFiles[0] != "Takeout/Google Photos/Photos from 2022/lonely.jpg" {
		t.Errorf("dangling files = %v", report.danglingFiles)
	}
	if len(report.danglingMeta) != 1 || report.danglingMeta[0] != "Takeout/Google Photos/Photos from 2022/other.jpg" {
		t.Errorf("dangling metadata = %v", report.danglingMeta)
	}
}

func TestMatcherSkipSet(t *testing.T) {
	const key = "Takeout/Google Photos/Photos from 2022/seen.jpg"
	skip := memorySkip{key: struct{}{}}
	report := new(recordingReporter)
	assets := drain(t, newTestMatcher(skip, report,
		mediaEntry(key),
		sidecarEntry(key+".json", "seen.jpg"),
	))
	if len(assets) != 0 {
		t.Fatalf("got %d assets, expected 0 for an already-processed key", len(assets))
	}
	if len(report.danglingFiles)+len(report.danglingMeta) != 0 {
		t.Errorf("skipped entries must not be reported dangling: files=%v meta=%v",
			report.danglingFiles, report.danglingMeta)
	}
}

func TestMatcherIgnoresIndexFile(t *testing.T) {
	assets := drain(t, newTestMatcher(nil, nil,
		mediaEntry("Takeout/Google Photos/archive_browser.html"),
	))
	if len(assets) != 0 {
		t.Fatalf("got %d assets, expected 0", len(assets))
	}
}

func TestMatcherDuplicateSidecarWarns(t *testing.T) {
	report := new(recordingReporter)
	drain(t, newTestMatcher(nil, report,
		sidecarEntry("Takeout/Google Photos/Photos from 2022/dup.jpg.json", "dup.jpg"),
		sidecarEntry("Takeout/Google Photos/Photos from 2022/dup.jpg.json", "dup.jpg"),
	))
	if len(report.duplicates) != 1 {
		t.Fatalf("got %d duplicate reports, expected 1", len(report.duplicates))
	}
	if report.duplicates[0] != "Takeout/Google Photos/Photos from 2022/dup.jpg" {
		t.Errorf("duplicate reported for %q", report.duplicates[0])
	}
}

func TestMatcherAcrossArchives(t *testing.T) {
	const key = "Takeout/Google Photos/Photos from 2022/split.jpg"
	m := NewMatcher([]Source{
		&sliceSource{name: "takeout-001.tgz", entries: []*Entry{
			sidecarEntry(key+".json", "split.jpg"),
		}},
		&sliceSource{name: "takeout-002.tgz", entries: []*Entry{
			mediaEntry(key),
		}},
	}, memorySkip{}, new(recordingReporter), zap.NewNop())

	assets := drain(t, m)
	if len(assets) != 1 {
		t.Fatalf("got %d assets, expected 1", len(assets))
	}
	if assets[0].Meta.Archive != "takeout-001.tgz" || assets[0].Entry.Archive != "takeout-002.tgz" {
		t.Errorf("archive bookkeeping: meta=%q file=%q",
			assets[0].Meta.Archive, assets[0].Entry.Archive)
	}
}

func TestMatcherRejectsBadSidecar(t *testing.T) {
	for i, payload := range []string{
		`{"photoTakenTime": {"timestamp": "1671422731"}}`, // no title
		`{"title": "x.jpg"}`,                              // no taken time
		`{"title": "x.jpg", "photoTakenTime": {"timestamp": ""}}`, // unparseable
		`not json at all`, // corrupt
	} {
		entry := &Entry{
			Name: "Takeout/Google Photos/Photos from 2022/x.jpg.json",
			Open: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader([]byte(payload))), nil
			},
		}
		m := newTestMatcher(nil, nil, entry)
		if _, err := m.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
			t.Errorf("test %d: expected a sidecar error, got %v", i, err)
		}
	}
}
