package revtree

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TreeID is the path of bucket indices from the root to a staging
// position. The empty path is the root. TreeIDs are comparable and may be
// used as map keys.
type TreeID string

// RootTreeID is the staging position of the root tree.
const RootTreeID TreeID = ""

// Child is the position of bucket i under t.
func (t TreeID) Child(i uint8) TreeID {
	return t + TreeID([]byte{i})
}

// Parent is the position above t; the root is its own parent.
func (t TreeID) Parent() TreeID {
	if t == RootTreeID {
		return t
	}
	return t[:len(t)-1]
}

func (t TreeID) Depth() int {
	return len(t)
}

// Bucket is the bucket index taken at depth d on the way to t.
func (t TreeID) Bucket(d int) uint8 {
	return t[d]
}

// Last is the bucket index of t within its parent.
func (t TreeID) Last() uint8 {
	return t[len(t)-1]
}

func (t TreeID) String() string {
	if t == RootTreeID {
		return "[]"
	}
	parts := make([]string, len(t))
	for i := 0; i < len(t); i++ {
		parts[i] = fmt.Sprint(t[i])
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// NodeID identifies a staged entry before it is resolved into a Node. The
// path of its parent is a function of the name; see Path.
type NodeID struct {
	Name string
}

// Path is the TreeID of the tree holding the entry when the tree is
// bucketed down to the given depth.
func (n NodeID) Path(f Format, depth int) TreeID {
	b := make([]byte, depth)
	for d := 0; d < depth; d++ {
		b[d] = f.BucketIndex(n.Name, d)
	}
	return TreeID(b)
}

func (n NodeID) String() string {
	return fmt.Sprintf("NodeID[%s]", n.Name)
}

// DAGState tracks a staged tree through a build session.
type DAGState uint8

const (
	// StateCreated DAGs mirror their Original tree and haven't been expanded.
	StateCreated DAGState = iota
	// StateMutated DAGs have staged changes (or were expanded) and must be
	// materialized again.
	StateMutated
	// StateMaterialized DAGs were written to the object store as Result.
	StateMaterialized
)

func (s DAGState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateMutated:
		return "MUTATED"
	case StateMaterialized:
		return "MATERIALIZED"
	}
	return fmt.Sprintf("DAGState(%d)", uint8(s))
}

// DAG is the mutable staging record of one tree position.
type DAG struct {
	ID TreeID
	// Original is the tree this position held before the session started.
	Original ObjectID
	State    DAGState
	Bucketed bool
	// Children are the staged entries of a leaf DAG, by name.
	Children map[string]NodeKind
	// Buckets are the sorted indices of the non-empty buckets of a
	// bucketed DAG; child positions are ID.Child(index).
	Buckets []uint8
	// Size is the number of features under this position.
	Size uint64
	// TreeCount is the number of tree nodes under this position.
	TreeCount uint64
	// Bounds are the bounds of Original (StateCreated) or of Result
	// (StateMaterialized).
	Bounds Envelope
	Result ObjectID
}

// NewDAG returns a staging record for id derived from original.
func NewDAG(id TreeID, original ObjectID) *DAG {
	if original.IsNull() {
		original = EmptyTreeID
	}
	return &DAG{
		ID:       id,
		Original: original,
		State:    StateCreated,
		Bounds:   NullEnvelope(),
	}
}

// Entries is Size plus TreeCount.
func (d *DAG) Entries() uint64 {
	return d.Size + d.TreeCount
}

// Clone returns a deep copy.
func (d *DAG) Clone() *DAG {
	c := *d
	if d.Children != nil {
		c.Children = make(map[string]NodeKind, len(d.Children))
		for k, v := range d.Children {
			c.Children[k] = v
		}
	}
	c.Buckets = append([]uint8(nil), d.Buckets...)
	return &c
}

func (d *DAG) String() string {
	return fmt.Sprintf("DAG[%s %s bucketed=%t size=%d trees=%d orig=%s]",
		d.ID, d.State, d.Bucketed, d.Size, d.TreeCount, d.Original.Short())
}

func (d *DAG) hasBucket(i uint8) bool {
	n := sort.Search(len(d.Buckets), func(j int) bool { return d.Buckets[j] >= i })
	return n < len(d.Buckets) && d.Buckets[n] == i
}

func (d *DAG) addBucket(i uint8) {
	n := sort.Search(len(d.Buckets), func(j int) bool { return d.Buckets[j] >= i })
	if n < len(d.Buckets) && d.Buckets[n] == i {
		return
	}
	d.Buckets = append(d.Buckets, 0)
	copy(d.Buckets[n+1:], d.Buckets[n:])
	d.Buckets[n] = i
}

func (d *DAG) removeBucket(i uint8) {
	n := sort.Search(len(d.Buckets), func(j int) bool { return d.Buckets[j] >= i })
	if n < len(d.Buckets) && d.Buckets[n] == i {
		d.Buckets = append(d.Buckets[:n], d.Buckets[n+1:]...)
	}
}

func (d *DAG) childIDs() []TreeID {
	ids := make([]TreeID, len(d.Buckets))
	for i, b := range d.Buckets {
		ids[i] = d.ID.Child(b)
	}
	return ids
}

// sortedChildren returns the staged entry ids of a leaf DAG in name order.
func (d *DAG) sortedChildren() []NodeID {
	ids := make([]NodeID, 0, len(d.Children))
	for name := range d.Children {
		ids = append(ids, NodeID{name})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Name < ids[j].Name })
	return ids
}

// NodeRef points at an entry of a leaf tree in the object store, so the
// entries of untouched original trees need not be copied into staging.
type NodeRef struct {
	Tree  ObjectID
	Kind  NodeKind
	Index int
}

// DAGNode is a staged entry: either a resolved Node or a NodeRef.
type DAGNode struct {
	Node *Node
	Ref  *NodeRef
}

// ResolvedNode stages n by value.
func ResolvedNode(n Node) DAGNode {
	return DAGNode{Node: &n}
}

// LazyNode stages the entry at index of the given list of a leaf tree.
func LazyNode(tree ObjectID, kind NodeKind, index int) DAGNode {
	return DAGNode{Ref: &NodeRef{Tree: tree, Kind: kind, Index: index}}
}

// ResolveNodes turns staged entries into Nodes, loading each referenced
// leaf tree once.
func ResolveNodes(ctx context.Context, source ObjectStore, staged map[NodeID]DAGNode) (map[NodeID]Node, error) {
	res := make(map[NodeID]Node, len(staged))
	byTree := map[ObjectID][]NodeID{}
	for id, dn := range staged {
		switch {
		case dn.Node != nil:
			res[id] = *dn.Node
		case dn.Ref != nil:
			byTree[dn.Ref.Tree] = append(byTree[dn.Ref.Tree], id)
		default:
			return nil, fmt.Errorf("resolve %s: empty staged node: %w", id, ErrInvariant)
		}
	}
	if len(byTree) == 0 {
		return res, nil
	}
	if source == nil {
		return nil, fmt.Errorf("resolve %d lazy nodes without a source: %w", len(byTree), ErrInvariant)
	}
	treeIDs := make([]ObjectID, 0, len(byTree))
	for id := range byTree {
		treeIDs = append(treeIDs, id)
	}
	trees, err := source.GetAll(ctx, treeIDs, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve nodes: %w", err)
	}
	if len(trees) != len(treeIDs) {
		return nil, fmt.Errorf("resolve nodes: %d of %d source trees missing: %w",
			len(treeIDs)-len(trees), len(treeIDs), ErrNotFound)
	}
	for _, tree := range trees {
		for _, id := range byTree[tree.ID] {
			ref := staged[id].Ref
			list := tree.Features
			if ref.Kind == KindTree {
				list = tree.Trees
			}
			if ref.Index < 0 || ref.Index >= len(list) || list[ref.Index].Name != id.Name {
				return nil, fmt.Errorf("resolve %s: bad ref %d into %s: %w", id, ref.Index, tree.ID, ErrInvariant)
			}
			res[id] = list[ref.Index]
		}
	}
	return res, nil
}
