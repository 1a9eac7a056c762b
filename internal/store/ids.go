package store

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message IDs are ULIDs drawn from a single monotonic entropy source, so
// IDs assigned by this process sort in assignment order even when two
// messages land on the same millisecond. History reads order by
// (timestamp, id), which preserves per-sender send order.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newMessageID returns a ULID for a message created at the given Unix-ms
// timestamp.
func newMessageID(unixMilli int64) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.UnixMilli(unixMilli)), entropy).String()
}
