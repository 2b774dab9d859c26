package takeout

import (
	"path"
	"strings"
)

// maxNameLength is the name budget Google Takeout applies when writing
// entries into an archive; longer names are cut off, and the ".json" suffix
// of sidecar files counts against the budget.
const maxNameLength = 90

const metadataExt = ".json"

// NormalizeFilename derives the canonical join key for an archive entry name
// and reports whether the entry is a JSON metadata sidecar.
//
// Sidecars lose their ".json" suffix. Names carrying a duplicate-numbering
// suffix are rewritten so that both "name(1).ext.json" and "name.ext(1).json"
// produce the same key as their companion media file, "name(1).ext".
func NormalizeFilename(name string) (string, bool) {
	var isMeta bool
	if strings.HasSuffix(name, metadataExt) {
		name = strings.TrimSuffix(name, metadataExt)
		isMeta = true
	}
	if !strings.HasSuffix(name, ")") {
		return name, isMeta
	}
	i := strings.LastIndex(name, "(")
	if i < 0 {
		return name, isMeta
	}
	base, remainder := name[:i], name[i+1:]
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return stem + "(" + remainder + ext, isMeta
}

// numberMarker returns the "(N)" duplicate-numbering suffix of a name, or ""
// if it has none.
func numberMarker(name string) string {
	if !strings.HasSuffix(name, ")") {
		return ""
	}
	i := strings.LastIndex(name, "(")
	if i < 0 {
		return ""
	}
	return name[i:]
}

// fixTruncatedName rebuilds a sidecar's canonical key when the exporter cut
// the on-disk name off at the length budget. The sidecar's own title field
// still holds the full original filename, so the stem is recovered from it,
// re-truncated to the exporter's budget, and any duplicate-numbering marker
// from the cut-off key put back in front of the extension. Keys whose
// basename already matches the title, or that are under the budget, are
// returned unchanged.
func fixTruncatedName(key, title string) string {
	if path.Base(key) == title || len(key) < maxNameLength-len(metadataExt) {
		return key
	}
	ext := path.Ext(title)
	stem := strings.TrimSuffix(title, ext)
	dir := path.Dir(key)
	if dir == "." {
		dir = ""
	}
	marker := numberMarker(key)
	keep := maxNameLength - len(dir) - len(ext) - 1
	if keep < 0 {
		// a directory long enough to eat the whole budget would produce
		// a negative slice bound
		return key
	}
	if keep > len(stem) {
		keep = len(stem)
	}
	return path.Join(dir, stem[:keep]+marker+ext)
}
