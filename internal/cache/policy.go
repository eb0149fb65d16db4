// Package cache implements the pluggable-eviction front-end cache
// sitting in front of the LSM engine (spec §4.J). The hash-indexed
// entry map and hit/miss statistics are grounded on the teacher's
// BlockCache (pkg/lsm/cache.go); each eviction policy beyond its
// plain LRU is a new generalization built to the same Touch/Add/
// Remove/Evict contract.
package cache

import "time"

// entry is one cached (key, value) pair with its TTL bookkeeping, per
// spec §3's cache-entry data model.
type entry struct {
	key       string
	value     []byte
	insertAt  time.Time
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Policy tracks access order/frequency for one eviction strategy and
// picks victims when the cache must shrink. Implementations do not
// store values themselves — the front-end Cache owns the entry map;
// a policy only orders keys.
type Policy interface {
	// Add registers a newly inserted key.
	Add(key string)
	// Touch records an access (Get hit, or Set on an existing key).
	Touch(key string)
	// Remove drops a key from the policy's bookkeeping.
	Remove(key string)
	// Evict picks and removes one victim key, or reports none.
	Evict() (key string, ok bool)
	// Len reports how many keys the policy is currently tracking.
	Len() int
}

// Name enumerates the selectable policies, matching
// config.CachePolicyName's string values.
type Name string

const (
	NameLRU    Name = "lru"
	NameLFU    Name = "lfu"
	NameFIFO   Name = "fifo"
	NameRandom Name = "random"
	NameClock  Name = "clock"
	NameARC    Name = "arc"
)

// NewPolicy constructs the named policy sized for capacity entries.
func NewPolicy(name Name, capacity int) Policy {
	switch name {
	case NameLFU:
		return newLFUPolicy()
	case NameFIFO:
		return newFIFOPolicy()
	case NameRandom:
		return newRandomPolicy()
	case NameClock:
		return newClockPolicy(capacity)
	case NameARC:
		return newARCPolicy(capacity)
	case NameLRU:
		fallthrough
	default:
		return newLRUPolicy(capacity)
	}
}
