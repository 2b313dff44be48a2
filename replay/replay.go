// Package replay detects reused authenticators and pre-authentication
// timestamps.
package replay

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cache records (principal, timestamp) pairs.
type Cache interface {
	// Seen inserts the entry and reports whether it was already present.
	Seen(principal string, ts time.Time, usec int) bool
}

// Memory is an in-process Cache. Entries expire after twice the clock
// skew, after which the timestamp check rejects them anyway.
type Memory struct {
	c *cache.Cache
}

var _ Cache = (*Memory)(nil)

// NewMemory returns a cache for the given clock skew.
func NewMemory(skew time.Duration) *Memory {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	ttl := 2 * skew
	return &Memory{c: cache.New(ttl, ttl)}
}

func key(principal string, ts time.Time, usec int) string {
	return principal + "\x00" + strconv.FormatInt(ts.Unix(), 10) + "." + strconv.Itoa(usec)
}

// Seen relies on the atomic Add of go-cache: the first caller inserts,
// every later caller within the TTL gets an error.
func (m *Memory) Seen(principal string, ts time.Time, usec int) bool {
	err := m.c.Add(key(principal, ts, usec), struct{}{}, cache.DefaultExpiration)
	return err != nil
}

// Len returns the number of unexpired entries.
func (m *Memory) Len() int {
	return m.c.ItemCount()
}

// Flush removes all entries.
func (m *Memory) Flush() {
	m.c.Flush()
}
