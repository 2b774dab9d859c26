package takeout

import (
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const editedSuffix = "-edited"

// Samsung cameras give both halves of a motion photo the same date-time
// stem, so a leftover video is recognized by its stem alone.
var samsungStemRe = regexp.MustCompile(`^\d{8}_\d{6}`)

// cleanupMotionVideos drops leftover unmatched media entries that are
// derivative representations of an already matched asset: motion-photo
// sidecar videos whose still image was matched, and "-edited" variants of
// originals. It runs once, after all archives are exhausted, and only
// shrinks the dangling-files report; pending metadata is never touched.
func (m *Matcher) cleanupMotionVideos() {
	for key := range m.pendingFiles {
		if still, isMotion := motionStillSibling(key); isMotion {
			if _, ok := m.matched[still]; ok {
				m.log.Debug("dropping motion video for matched still",
					zap.String("video", key),
					zap.String("still", still))
				delete(m.pendingFiles, key)
			}
			continue
		}
		if stem := strings.TrimSuffix(key, path.Ext(key)); strings.HasSuffix(stem, editedSuffix) {
			m.log.Debug("dropping edited variant", zap.String("file", key))
			delete(m.pendingFiles, key)
		}
	}
}

// motionStillSibling computes the name of the still image a motion-photo
// video belongs to. Pixel-style videos keep their marker extension inside
// the still's name ("X(1).MP" pairs with "X.MP(1).jpg"); Samsung-style
// ".mp4" videos share the still's stem outright. Note the numbering marker
// sits before the video extension but after the image extension.
func motionStillSibling(key string) (string, bool) {
	ext := path.Ext(key)
	stem := strings.TrimSuffix(key, ext)
	marker := numberMarker(stem)
	base := strings.TrimSuffix(stem, marker)
	switch {
	case isPixelMotionExt(ext):
		return base + ext + marker + ".jpg", true
	case strings.EqualFold(ext, ".mp4") && samsungStemRe.MatchString(path.Base(base)):
		return base + marker + ".jpg", true
	}
	return "", false
}

// isPixelMotionExt recognizes the Google Pixel motion-photo video marker and
// the variants seen in real exports: a trailing space, and "~N" suffixes on
// duplicates.
func isPixelMotionExt(ext string) bool {
	return ext == ".MP" || ext == ".MP " || strings.HasPrefix(ext, ".MP~")
}
