package takeout

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Asset is a media entry joined with its sidecar metadata. The matcher
// creates one per canonical key; after the reconciliation stage it also
// carries the chosen capture time and whether that time disagrees with what
// the media file itself recorded.
type Asset struct {
	Key   string
	Entry *Entry
	Meta  *Metadata

	// Name is the display filename: the sidecar title when present (with
	// the media entry's extension recovered if the title lost its own),
	// else the entry name from the archive.
	Name string

	OriginalTime     time.Time
	GPS              *Coordinates
	TimestampDiffers bool

	// Unverified marks assets whose embedded timing data could not be
	// parsed; they pass through with sidecar values, unreconciled.
	Unverified bool
}

func newAsset(key string, entry *Entry, meta *Metadata) *Asset {
	name := meta.Title
	if name == "" {
		name = entry.Name
	} else if path.Ext(name) == "" {
		name += path.Ext(entry.Name)
	}
	taken, err := meta.TakenTime()
	if err != nil || taken.IsZero() {
		taken = entry.ModTime
	}
	return &Asset{
		Key:          key,
		Entry:        entry,
		Meta:         meta,
		Name:         name,
		OriginalTime: taken,
		GPS:          meta.Location(),
	}
}

// DeviceAssetID identifies the asset to the upload API across runs.
func (a *Asset) DeviceAssetID() string {
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(a.Name, " ", ""), a.Entry.Size)
}

// Extension returns the display name's extension, including the dot.
func (a *Asset) Extension() string {
	return path.Ext(a.Name)
}
