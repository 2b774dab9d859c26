package reconcile

import (
	"github.com/ringsaturn/tzf"
)

// NewZoneFinder builds the embedded-polygon time zone lookup used as the
// reconciler's geographic fallback oracle.
func NewZoneFinder() (ZoneFinder, error) {
	return tzf.NewDefaultFinder()
}
