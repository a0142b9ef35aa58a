package store

import (
	"strings"
	"time"

	"github.com/pborman/uuid"
)

// NewID returns a random 32 hex chars id.
func NewID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// now returns current UTC time with the precision of a DATETIME(6) column, so values
// round-trip unchanged through every backend.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
