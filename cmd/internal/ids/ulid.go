// Package ids provides sortable identifiers for refresh tickets, realtime connections and envelopes.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID string (26 chars) stamped with now.
// A zero time means the current wall clock.
// IDs minted within the same millisecond stay strictly increasing.
func New(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}
