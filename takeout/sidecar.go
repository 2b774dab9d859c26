package takeout

import (
	"encoding/json"
	"strconv"
	"time"
)

// Coordinates is a geographic position in signed decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Metadata is the parsed JSON sidecar describing one media item. The schema
// is whatever the export service writes; only the fields the pipeline
// consumes are declared.
type Metadata struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	PhotoTakenTime struct {
		Timestamp string `json:"timestamp"`
		Formatted string `json:"formatted"`
	} `json:"photoTakenTime"`
	CreationTime struct {
		Timestamp string `json:"timestamp"`
		Formatted string `json:"formatted"`
	} `json:"creationTime"`
	GeoData struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Altitude  float64 `json:"altitude"`
	} `json:"geoData"`
	GeoDataExif struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Altitude  float64 `json:"altitude"`
	} `json:"geoDataExif"`
	GooglePhotosOrigin struct {
		FromPartnerSharing json.RawMessage `json:"fromPartnerSharing"`
	} `json:"googlePhotosOrigin"`

	// bookkeeping stamped by the matcher, for later reporting
	Archive string `json:"-"`
	Key     string `json:"-"`
}

// TakenTime returns the authoritative capture time from the sidecar,
// which the export records as epoch seconds in UTC.
func (m *Metadata) TakenTime() (time.Time, error) {
	n, err := strconv.ParseInt(m.PhotoTakenTime.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}

// FromPartnerSharing reports whether the asset came from another account via
// partner sharing. The export encodes this by the field's mere presence.
func (m *Metadata) FromPartnerSharing() bool {
	return len(m.GooglePhotosOrigin.FromPartnerSharing) > 0
}

// Location returns the sidecar's coordinates, preferring the primary geoData
// block over the EXIF-sourced one. A zero latitude means "not recorded".
func (m *Metadata) Location() *Coordinates {
	if m.GeoData.Latitude != 0 {
		return &Coordinates{Latitude: m.GeoData.Latitude, Longitude: m.GeoData.Longitude}
	}
	if m.GeoDataExif.Latitude != 0 {
		return &Coordinates{Latitude: m.GeoDataExif.Latitude, Longitude: m.GeoDataExif.Longitude}
	}
	return nil
}
