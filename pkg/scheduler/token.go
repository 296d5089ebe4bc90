package scheduler

import (
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

// newToken returns the 12-hex-char per-probe token. Collisions across
// concurrent routes would make a mailbox search match the wrong message, so
// the token is cut from a fresh v4 UUID rather than a timestamp.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// errorFingerprint condenses an error into a small stable number for the
// last_error_info gauge, keeping error text out of label values.
func errorFingerprint(route, from, to, step string, err error) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(route + "|" + from + "|" + to + "|" + step + "|" + err.Error()))
	return float64(h.Sum32() % 1_000_000)
}
