package reconcile

import (
	"strings"
	"time"

	"github.com/cozy/goexif2/exif"
	"github.com/mic159/immich-takeout/takeout"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// ExtractTimestamp pulls DateTimeOriginal, and its recorded UTC offset when
// present, out of decoded EXIF data. A nil result means the file carries no
// usable capture time; that is an "unverifiable" outcome for the caller,
// never an error.
func ExtractTimestamp(x *exif.Exif) *EmbeddedTime {
	tag, err := x.Get(exif.DateTimeOriginal)
	if err != nil {
		return nil
	}
	val, err := tag.StringVal()
	if err != nil {
		return nil
	}
	t, err := time.Parse(exifTimeLayout, strings.TrimSpace(val))
	if err != nil {
		return nil
	}
	if offTag, err := x.Get("OffsetTimeOriginal"); err == nil {
		if offVal, err := offTag.StringVal(); err == nil {
			if loc, err := ParseUTCOffset(strings.TrimSpace(offVal)); err == nil {
				y, mo, d := t.Date()
				h, mi, s := t.Clock()
				return &EmbeddedTime{
					Time:      time.Date(y, mo, d, h, mi, s, 0, loc),
					HasOffset: true,
				}
			}
		}
	}
	return &EmbeddedTime{Time: t}
}

// ExtractCoordinates decodes the GPS degree/minute/second rational triples
// into signed decimal degrees. Missing fields and zero-denominator rationals
// mean the coordinates are unavailable, not that the file is broken.
func ExtractCoordinates(x *exif.Exif) *takeout.Coordinates {
	lat, ok := dmsField(x, exif.GPSLatitude, exif.GPSLatitudeRef, "S")
	if !ok {
		return nil
	}
	lon, ok := dmsField(x, exif.GPSLongitude, exif.GPSLongitudeRef, "W")
	if !ok {
		return nil
	}
	return &takeout.Coordinates{Latitude: lat, Longitude: lon}
}

func dmsField(x *exif.Exif, field, refField exif.FieldName, negativeRef string) (float64, bool) {
	tag, err := x.Get(field)
	if err != nil {
		return 0, false
	}
	var parts [3][2]int64
	for i := range parts {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return 0, false
		}
		parts[i] = [2]int64{num, den}
	}
	var ref string
	if refTag, err := x.Get(refField); err == nil {
		ref, _ = refTag.StringVal()
	}
	return dmsToDegrees(parts, strings.TrimSpace(ref) == negativeRef)
}

// dmsToDegrees converts {degrees, minutes, seconds} rationals to decimal
// degrees, negated for southern/western reference flags.
func dmsToDegrees(parts [3][2]int64, negative bool) (float64, bool) {
	var vals [3]float64
	for i, p := range parts {
		if p[1] == 0 {
			return 0, false
		}
		vals[i] = float64(p[0]) / float64(p[1])
	}
	dd := vals[0] + vals[1]/60 + vals[2]/3600
	if negative {
		dd = -dd
	}
	return dd, true
}
