package revtree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DAGStore holds the staging state of one build session: DAGs by TreeID
// and staged entries by NodeID. Implementations must tolerate concurrent
// reads and writes. A DAGStore is private to its session.
type DAGStore interface {
	// GetOrCreateTree returns the DAG staged at id, creating it from
	// original if absent. Losing a creation race is an ErrInvariant.
	GetOrCreateTree(id TreeID, original ObjectID) (*DAG, error)
	// GetTrees returns the DAGs staged at ids, in order. Unknown ids are
	// an ErrNotFound.
	GetTrees(ids []TreeID) ([]*DAG, error)
	// GetNodes resolves staged entries, pulling through to the object store
	// for lazily staged ones. Unknown ids are an ErrInvariant.
	GetNodes(ctx context.Context, ids []NodeID) (map[NodeID]Node, error)
	// SaveNode stages n, replacing any previous value for id.
	SaveNode(id NodeID, n Node) error
	// SaveNodes stages many entries at once.
	SaveNodes(nodes map[NodeID]DAGNode) error
	// Save stages DAG mutations, replacing previous records.
	Save(dags map[TreeID]*DAG) error
	// NodeCount is the number of staged entries.
	NodeCount() int64
	// Dispose releases the staging state. It is idempotent; other calls
	// fail with ErrDisposed afterwards.
	Dispose() error
	Close() error
}

type heapDAGStore struct {
	source    ObjectStore
	trees     sync.Map // TreeID -> *DAG
	nodes     sync.Map // NodeID -> DAGNode
	nodeCount atomic.Int64
	disposed  atomic.Bool
}

// NewHeapDAGStore returns a DAGStore that keeps everything in memory,
// resolving lazily staged entries from source.
func NewHeapDAGStore(source ObjectStore) DAGStore {
	return &heapDAGStore{source: source}
}

func (h *heapDAGStore) GetOrCreateTree(id TreeID, original ObjectID) (*DAG, error) {
	if h.disposed.Load() {
		return nil, ErrDisposed
	}
	if dag, ok := h.trees.Load(id); ok {
		return dag.(*DAG), nil
	}
	dag := NewDAG(id, original)
	if existing, loaded := h.trees.LoadOrStore(id, dag); loaded {
		return nil, fmt.Errorf("DAG %s[%s] already exists: %v: %w", id, original.Short(), existing, ErrInvariant)
	}
	return dag, nil
}

func (h *heapDAGStore) GetTrees(ids []TreeID) ([]*DAG, error) {
	if h.disposed.Load() {
		return nil, ErrDisposed
	}
	res := make([]*DAG, len(ids))
	for i, id := range ids {
		dag, ok := h.trees.Load(id)
		if !ok {
			return nil, fmt.Errorf("tree %s: %w", id, ErrNotFound)
		}
		res[i] = dag.(*DAG)
	}
	return res, nil
}

func (h *heapDAGStore) GetNodes(ctx context.Context, ids []NodeID) (map[NodeID]Node, error) {
	if h.disposed.Load() {
		return nil, ErrDisposed
	}
	staged := make(map[NodeID]DAGNode, len(ids))
	for _, id := range ids {
		dn, ok := h.nodes.Load(id)
		if !ok {
			return nil, fmt.Errorf("node %s not staged: %w", id, ErrInvariant)
		}
		staged[id] = dn.(DAGNode)
	}
	return ResolveNodes(ctx, h.source, staged)
}

func (h *heapDAGStore) SaveNode(id NodeID, n Node) error {
	return h.SaveNodes(map[NodeID]DAGNode{id: ResolvedNode(n)})
}

func (h *heapDAGStore) SaveNodes(nodes map[NodeID]DAGNode) error {
	if h.disposed.Load() {
		return ErrDisposed
	}
	for id, dn := range nodes {
		if _, loaded := h.nodes.Swap(id, dn); !loaded {
			h.nodeCount.Add(1)
		}
	}
	return nil
}

func (h *heapDAGStore) Save(dags map[TreeID]*DAG) error {
	if h.disposed.Load() {
		return ErrDisposed
	}
	for id, dag := range dags {
		h.trees.Store(id, dag)
	}
	return nil
}

func (h *heapDAGStore) NodeCount() int64 {
	return h.nodeCount.Load()
}

func (h *heapDAGStore) Dispose() error {
	if h.disposed.Swap(true) {
		return nil
	}
	h.trees.Range(func(k, _ interface{}) bool {
		h.trees.Delete(k)
		return true
	})
	h.nodes.Range(func(k, _ interface{}) bool {
		h.nodes.Delete(k)
		return true
	})
	h.nodeCount.Store(0)
	return nil
}

func (h *heapDAGStore) Close() error {
	return h.Dispose()
}
