package revtree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Persist is the interface for loading and storing encoded trees. The given
// string identity corresponds to the content, which is immutable (never
// modified).
type Persist interface {
	// Store makes the given bytes accessible by the given name.
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name. Missing
	// names should yield an error wrapping ErrNotFound.
	Load(context.Context, string) ([]byte, error)
	// Exists reports whether the name is already stored, so Put can skip
	// re-encoding and re-writing it.
	Exists(context.Context, string) (bool, error)
}

// BulkListener is notified per object during GetAll and PutAll, possibly
// from several goroutines at once.
type BulkListener interface {
	Found(ObjectID)
	Inserted(ObjectID)
	NotFound(ObjectID)
}

// NoopListener ignores every notification.
type NoopListener struct{}

func (NoopListener) Found(ObjectID)    {}
func (NoopListener) Inserted(ObjectID) {}
func (NoopListener) NotFound(ObjectID) {}

// ObjectStore holds immutable trees by id. Puts are idempotent, so any
// number of builders may write the same subtree concurrently.
type ObjectStore interface {
	// Get loads a tree; unknown ids yield an error wrapping ErrNotFound.
	Get(ctx context.Context, id ObjectID) (*RevTree, error)
	// Put stores a tree and reports whether it was newly inserted.
	Put(ctx context.Context, tree *RevTree) (bool, error)
	// GetAll loads the trees that exist, reporting the rest to the listener.
	GetAll(ctx context.Context, ids []ObjectID, listener BulkListener) ([]*RevTree, error)
	// PutAll stores the trees and returns how many were newly inserted.
	PutAll(ctx context.Context, trees []*RevTree, listener BulkListener) (int, error)
}

// bulkConcurrency bounds the goroutines of one GetAll or PutAll.
const bulkConcurrency = 40

type objectStore struct {
	persist Persist
	cache   NodeCache
}

// NewObjectStore returns an ObjectStore that encodes trees into the given
// Persist, naming them by the hex form of their id. cache may be nil.
func NewObjectStore(persist Persist, cache NodeCache) ObjectStore {
	return &objectStore{persist: persist, cache: cache}
}

// NewInMemoryObjectStore is an ObjectStore over NewInMemoryStore.
func NewInMemoryObjectStore() ObjectStore {
	return NewObjectStore(NewInMemoryStore(), nil)
}

func (s *objectStore) Get(ctx context.Context, id ObjectID) (*RevTree, error) {
	if id == EmptyTreeID {
		return emptyTree, nil
	}
	if id.IsNull() {
		return nil, fmt.Errorf("get null id: %w", ErrNotFound)
	}
	if s.cache != nil {
		if tree, ok := s.cache.Get(id); ok {
			return tree.(*RevTree), nil
		}
	}
	encoded, err := s.persist.Load(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("persist load %s: %w", id, err)
	}
	tree, err := DecodeTree(encoded)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if tree.ID != id {
		return nil, fmt.Errorf("load %s: content hashes to %s: %w", id, tree.ID, ErrCorrupt)
	}
	if s.cache != nil {
		s.cache.Add(id, tree)
	}
	return tree, nil
}

func (s *objectStore) Put(ctx context.Context, tree *RevTree) (bool, error) {
	if tree.ID == EmptyTreeID {
		return false, nil
	}
	if s.cache != nil && s.cache.Contains(tree.ID) {
		return false, nil
	}
	name := tree.ID.String()
	exists, err := s.persist.Exists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("persist exists %s: %w", name, err)
	}
	if exists {
		if s.cache != nil {
			s.cache.Add(tree.ID, tree)
		}
		return false, nil
	}
	encoded, err := EncodeTree(tree)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", tree.ID, err)
	}
	err = s.persist.Store(ctx, name, encoded)
	if err != nil {
		return false, fmt.Errorf("persist store: %w", err)
	}
	if s.cache != nil {
		s.cache.Add(tree.ID, tree)
	}
	return true, nil
}

func (s *objectStore) GetAll(ctx context.Context, ids []ObjectID, listener BulkListener) ([]*RevTree, error) {
	if listener == nil {
		listener = NoopListener{}
	}
	found := make([]*RevTree, len(ids))
	p := pool.New().WithMaxGoroutines(bulkConcurrency).WithContext(ctx).WithCancelOnError()
	for i, id := range ids {
		i, id := i, id
		p.Go(func(ctx context.Context) error {
			tree, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				listener.NotFound(id)
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = tree
			listener.Found(id)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	out := found[:0]
	for _, t := range found {
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *objectStore) PutAll(ctx context.Context, trees []*RevTree, listener BulkListener) (int, error) {
	if listener == nil {
		listener = NoopListener{}
	}
	var mu sync.Mutex
	inserted := 0
	p := pool.New().WithMaxGoroutines(bulkConcurrency).WithContext(ctx).WithCancelOnError()
	for _, tree := range trees {
		tree := tree
		p.Go(func(ctx context.Context) error {
			isNew, err := s.Put(ctx, tree)
			if err != nil {
				return err
			}
			if isNew {
				mu.Lock()
				inserted++
				mu.Unlock()
				listener.Inserted(tree.ID)
			} else {
				listener.Found(tree.ID)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return 0, err
	}
	return inserted, nil
}
