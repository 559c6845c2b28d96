package ibp

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// DefaultFastPathSize is the per-thread fast path capacity.
const DefaultFastPathSize = 4096

// FastPath caches the paths one thread has already recorded so that repeat
// traversals skip the global lock. A miss is never wrong: the global Table
// stays authoritative.
//
// Thread Safety: owned by one thread. The underlying cache locks internally,
// which is uncontended here.
type FastPath struct {
	cache *lru.Cache[PathKey, struct{}]
	hits  uint64
	miss  uint64
}

// NewFastPath creates a cache holding up to size paths.
func NewFastPath(size int) (*FastPath, error) {
	if size <= 0 {
		size = DefaultFastPathSize
	}
	c, err := lru.New[PathKey, struct{}](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create IBP fast path")
	}
	return &FastPath{cache: c}, nil
}

// Contains reports whether the thread already recorded k.
func (f *FastPath) Contains(k PathKey) bool {
	if f == nil {
		return false
	}
	if f.cache.Contains(k) {
		f.hits++
		return true
	}
	f.miss++
	return false
}

// Add remembers k.
func (f *FastPath) Add(k PathKey) {
	if f == nil {
		return
	}
	f.cache.Add(k, struct{}{})
}

// Len returns the number of cached paths.
func (f *FastPath) Len() int {
	if f == nil {
		return 0
	}
	return f.cache.Len()
}

// Stats returns the hit and miss counts.
func (f *FastPath) Stats() (hits, misses uint64) {
	if f == nil {
		return 0, 0
	}
	return f.hits, f.miss
}

// Purge empties the cache, e.g. at thread exit.
func (f *FastPath) Purge() {
	if f == nil {
		return
	}
	f.cache.Purge()
}
