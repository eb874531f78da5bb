package revtree

import lru "github.com/hashicorp/golang-lru"

// NodeCache caches decoded trees loaded from a Persist. It is also used to
// avoid re-storing trees, so care should be taken to switch/invalidate the
// NodeCache when the Persist is changed.
type NodeCache interface {
	// Add adds a freshly-persisted or freshly-loaded tree to the cache.
	Add(key, value interface{})
	// Contains indicates the tree with the given id has already been persisted.
	Contains(key interface{}) bool
	// Get retrieves the already-decoded tree with the given id, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewNodeCache creates a new ARC-based cache of the given size. One cache
// can be shared by any number of object stores over the same Persist.
func NewNodeCache(size int) NodeCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
