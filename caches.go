package dbusrt

import (
	"errors"
	"fmt"
	"sync"
)

var errNotFound = errors.New("cache entry not found")

// cache is a concurrent memo table. Entries record either a value
// or the error produced while computing it, so that bad inputs are
// only diagnosed once.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached value for k. It returns errNotFound if k
// has never been stored, or the stored error if k failed to
// compute.
func (c *cache[K, V]) Get(k K) (V, error) {
	ent, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	e, ok := ent.(cacheEntry[V])
	if !ok {
		panic(fmt.Sprintf("mystery value %v (%T) in cache", ent, ent))
	}
	return e.val, e.err
}

// Set records val as the value for k.
func (c *cache[K, V]) Set(k K, val V) {
	c.m.Store(k, cacheEntry[V]{val: val})
}

// SetErr records that computing a value for k failed with err.
func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
