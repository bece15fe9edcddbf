package tree

import (
	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoCache is a Cache backed by ristretto, costing one unit per annotation.
type RistrettoCache struct {
	cache *ristretto.Cache[uint64, Annotated]
}

// NewRistrettoCache creates a cache holding about size annotations.
func NewRistrettoCache(size int64) (*RistrettoCache, error) {
	if size <= 0 {
		size = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, Annotated]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: c}, nil
}

// Get implements Cache.
func (r *RistrettoCache) Get(key uint64) (Annotated, bool) {
	return r.cache.Get(key)
}

// Set implements Cache.
func (r *RistrettoCache) Set(key uint64, a Annotated) {
	r.cache.Set(key, a, 1)
}

// Wait blocks until buffered writes are applied.
func (r *RistrettoCache) Wait() {
	r.cache.Wait()
}

// Close stops the cache's goroutines.
func (r *RistrettoCache) Close() {
	r.cache.Close()
}
