package cluster

import (
	"fmt"
	"time"
)

// RateLimiter implements the key-based distributed rate limiter of spec
// §4.12: the usage counter for a key lives in the replicated StateStore
// under "rl:<key>", updated with an atomic increment carrying a TTL equal
// to the window. Cross-node double counting up to ceil(R/2) is tolerated
// in exchange for not routing every check through a single coordinator.
type RateLimiter struct {
	Store *StateStore
}

// NewRateLimiter returns a RateLimiter backed by store.
func NewRateLimiter(store *StateStore) *RateLimiter { return &RateLimiter{Store: store} }

// IsAllowed increments the counter for key and reports whether it remains
// within limit for the given window. The first call in a window sets the
// TTL; subsequent calls within the same window share it.
func (r *RateLimiter) IsAllowed(key string, limit int, window time.Duration) bool {
	storeKey := "rl:" + key
	if !r.Store.Exists(storeKey) {
		if err := r.Store.Set(storeKey, []byte("0"), window, One); err != nil {
			// Unable to establish the window key: fail open per the
			// backpressure policy (throttling unavailability must not
			// itself become a hard failure for ordinary traffic).
			return true
		}
	}
	count, err := r.Store.Increment(storeKey, 1)
	if err != nil {
		return true
	}
	return count <= int64(limit)
}

// Key builds the canonical rate-limit key for a remote IP or identity.
func Key(kind, value string) string { return fmt.Sprintf("%s:%s", kind, value) }
