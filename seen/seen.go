// Package seen provides a time-windowed LRU of recently processed CIDs.
// The publish path consults it before touching the KU store, so bulk
// re-ingest of recent traffic short-circuits without a database read.
package seen

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults per the delivery pipeline: entries fall out after an hour or
// when the cache exceeds 10k CIDs, whichever comes first.
const (
	DefaultSize   = 10000
	DefaultWindow = time.Hour
)

// Cache is a concurrency-safe anti-replay set. The zero value is not
// usable; construct with New.
type Cache struct {
	lru *expirable.LRU[string, struct{}]
}

// New creates a cache holding up to size CIDs for at most window.
func New(size int, window time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{lru: expirable.NewLRU[string, struct{}](size, nil, window)}
}

// HasSeen reports whether the CID was processed within the window.
func (c *Cache) HasSeen(cid string) bool {
	_, ok := c.lru.Get(cid)
	return ok
}

// MarkSeen records a processed CID.
func (c *Cache) MarkSeen(cid string) {
	c.lru.Add(cid, struct{}{})
}

// Len returns the number of cached CIDs.
func (c *Cache) Len() int {
	return c.lru.Len()
}
