// Package report writes the run's outcomes to a CSV file for offline
// inspection: matched assets, dangling entries, and everything skipped
// along the way.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/mic159/immich-takeout/takeout"
)

var header = []string{"file", "archive_metadata", "archive_file", "state", "photo_taken_time"}

// CSV implements the reporting collaborator on top of a CSV file. Write
// errors are collected by the underlying writer and surfaced on Close, so
// reporting can never interrupt a run.
type CSV struct {
	f *os.File
	w *csv.Writer
}

func NewCSV(filename string) (*CSV, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("creating report file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &CSV{f: f, w: w}, nil
}

func (r *CSV) Matched(a *takeout.Asset) {
	r.write(a.Key, a.Meta.Archive, a.Entry.Archive, "matched", a.OriginalTime.Format(time.RFC3339))
}

func (r *CSV) DanglingMetadata(key, archive string) {
	r.write(key, archive, "", "Dangling metadata", "")
}

func (r *CSV) DanglingFile(key, archive string) {
	r.write(key, "", archive, "Dangling file", "")
}

func (r *CSV) DuplicateMetadata(key, firstArchive, secondArchive string) {
	r.write(key, secondArchive, "", "Duplicate metadata, first seen in "+firstArchive, "")
}

func (r *CSV) Skipped(name, archive, reason string) {
	r.write(name, "", archive, "Skipped, "+reason, "")
}

func (r *CSV) write(cols ...string) {
	r.w.Write(cols) //nolint:errcheck // surfaced by Error() on Close
}

func (r *CSV) Close() error {
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// Discard satisfies the reporting collaborator when no report is wanted.
type Discard struct{}

func (Discard) Matched(*takeout.Asset)           {}
func (Discard) DanglingMetadata(string, string)  {}
func (Discard) DanglingFile(string, string)      {}
func (Discard) DuplicateMetadata(_, _, _ string) {}
func (Discard) Skipped(_, _, _ string)           {}
