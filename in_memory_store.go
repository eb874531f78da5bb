package revtree

import (
	"context"
	"fmt"
	"sync"
)

type inMemoryStore struct {
	entries map[string][]byte
	l       sync.RWMutex
}

// NewInMemoryStore provides a Persist that stores encoded trees in a map,
// usually for testing.
func NewInMemoryStore() Persist {
	return &inMemoryStore{}
}

func (ims *inMemoryStore) Store(ctx context.Context, key string, value []byte) error {
	ims.l.Lock()
	if ims.entries == nil {
		ims.entries = map[string][]byte{key: value}
	} else if _, ok := ims.entries[key]; !ok {
		ims.entries[key] = value
	}
	ims.l.Unlock()
	return nil
}

func (ims *inMemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	ims.l.RLock()
	value, ok := ims.entries[key]
	ims.l.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inMemoryStore entry %s: %w", key, ErrNotFound)
	}
	return value, nil
}

func (ims *inMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	ims.l.RLock()
	_, ok := ims.entries[key]
	ims.l.RUnlock()
	return ok, nil
}

// Len is the number of stored entries.
func (ims *inMemoryStore) Len() int {
	ims.l.RLock()
	defer ims.l.RUnlock()
	return len(ims.entries)
}
