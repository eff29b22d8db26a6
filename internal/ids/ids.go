// Package ids generates the sortable identifiers used to correlate
// log events, such as the run id stamped on each reconciliation sweep.
package ids

import (
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu     sync.Mutex
	source = ulid.Monotonic(crand.Reader, 0)
)

// New returns a ULID. Ids issued within the same millisecond remain
// strictly increasing, so sorted log lines preserve emission order.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), source).String()
}
