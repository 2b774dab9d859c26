// Package reconcile decides, for each matched asset, whether the capture
// time embedded in the media file disagrees with the authoritative sidecar
// time, and if so what the corrected time and zone are.
package reconcile

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/mic159/immich-takeout/takeout"
)

// EmbeddedTime is a capture time read out of a media file's metadata.
// HasOffset distinguishes a wall clock with a recorded UTC offset from a
// naive one whose zone the camera never knew; naive times are carried in
// UTC purely as a representation.
type EmbeddedTime struct {
	Time      time.Time
	HasOffset bool
}

// ZoneFinder resolves coordinates to an IANA time zone name; empty string
// means no zone is known there. *tzf.DefaultFinder satisfies it.
type ZoneFinder interface {
	GetTimezoneName(lng, lat float64) string
}

// maxClockSkew bounds how far a naive embedded clock may sit from the
// sidecar instant for the difference to be read as a time-zone offset
// rather than a wrong date.
const maxClockSkew = 12 * time.Hour

// CheckTimestamp compares the embedded capture time against the sidecar's
// and returns whether a correction is needed, along with the time to use.
// Every branch returns a concrete timestamp:
//
//   - embedded time matches the sidecar instant: no correction, sidecar
//     value returned as-is;
//   - no embedded time: sidecar time, moved into the zone at gps when one
//     resolves, else left in UTC;
//   - naive embedded time within maxClockSkew of the sidecar: the gap is
//     read as a fixed zone offset and the embedded wall clock re-stamped
//     in it (the camera's clock was right, its zone wasn't);
//   - embedded time with an offset but a different instant: the sidecar
//     instant re-expressed in the camera's recorded zone;
//   - anything else: same geographic fallback as the no-embedded-time case.
func CheckTimestamp(embedded *EmbeddedTime, gps *takeout.Coordinates, finder ZoneFinder, sidecar time.Time) (bool, time.Time) {
	if embedded == nil {
		return true, zoneAt(sidecar, gps, finder)
	}
	if embedded.HasOffset && embedded.Time.Equal(sidecar) {
		return false, sidecar
	}
	if !embedded.HasOffset {
		if absDuration(sidecar.Sub(embedded.Time)) <= maxClockSkew {
			return true, calculateZone(embedded.Time, sidecar)
		}
		return true, zoneAt(sidecar, gps, finder)
	}
	// wrong instant, but the camera knew its zone: trust the sidecar's
	// instant and keep the zone
	return true, sidecar.In(embedded.Time.Location())
}

// calculateZone recovers the camera's zone by reading the gap between the
// naive embedded wall clock (treated as UTC) and the sidecar instant as a
// fixed offset, then re-stamps the wall clock in that offset.
func calculateZone(exifAsUTC, sidecar time.Time) time.Time {
	offsetMin := 0 - int(math.Floor(sidecar.Sub(exifAsUTC).Minutes()))
	loc := fixedZone(offsetMin)
	y, mo, d := exifAsUTC.Date()
	h, mi, s := exifAsUTC.Clock()
	return time.Date(y, mo, d, h, mi, s, exifAsUTC.Nanosecond(), loc)
}

// zoneAt moves the sidecar instant into the time zone at gps, when both
// coordinates and a zone for them are available; otherwise it is returned
// unchanged (UTC).
func zoneAt(sidecar time.Time, gps *takeout.Coordinates, finder ZoneFinder) time.Time {
	if gps == nil || finder == nil {
		return sidecar
	}
	name := finder.GetTimezoneName(gps.Longitude, gps.Latitude)
	if name == "" {
		return sidecar
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return sidecar
	}
	return sidecar.In(loc)
}

var offsetRe = regexp.MustCompile(`^([+-]?)(\d{2}):(\d{2})`)

// ParseUTCOffset converts an EXIF OffsetTimeOriginal value such as "+11:00"
// into a fixed-offset location.
func ParseUTCOffset(s string) (*time.Location, error) {
	matches := offsetRe.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("invalid UTC offset %q", s)
	}
	hours, _ := strconv.Atoi(matches[2])
	minutes, _ := strconv.Atoi(matches[3])
	offsetMin := hours * 60
	if matches[1] == "-" {
		offsetMin = -offsetMin
	}
	offsetMin += minutes
	return fixedZone(offsetMin), nil
}

func fixedZone(offsetMin int) *time.Location {
	sign, m := "+", offsetMin
	if m < 0 {
		sign, m = "-", -m
	}
	name := fmt.Sprintf("UTC%s%02d:%02d", sign, m/60, m%60)
	return time.FixedZone(name, offsetMin*60)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
