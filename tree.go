package revtree

import (
	"fmt"
	"sort"
)

// TreeKind discriminates the two RevTree forms.
type TreeKind uint8

const (
	// LeafTree holds its nodes directly.
	LeafTree TreeKind = iota
	// BucketTree holds pointers to child trees, one per non-empty bucket.
	BucketTree
)

func (k TreeKind) String() string {
	if k == BucketTree {
		return "bucketed"
	}
	return "leaf"
}

// Bucket points at the child tree holding the entries whose bucket index
// at the parent's depth is Index.
type Bucket struct {
	Index  uint8
	TreeID ObjectID
	// Count is the number of features reachable through the bucket.
	Count  uint64
	Bounds Envelope
}

// RevTree is an immutable, content-addressed tree snapshot. Callers should
// switch on Kind(): leaf trees populate Features and Trees, bucketed trees
// populate Buckets.
type RevTree struct {
	ID ObjectID
	// Size is the number of features reachable from this tree.
	Size uint64
	// ChildTreeCount is the number of tree nodes reachable from this tree.
	ChildTreeCount uint64
	Features       []Node
	Trees          []Node
	Buckets        []Bucket
	kind           TreeKind
}

var emptyTree = func() *RevTree {
	t, err := NewLeafTree(nil, nil)
	if err != nil {
		panic(fmt.Sprintf("empty tree: %v", err))
	}
	return t
}()

// EmptyTreeID is the id of the canonical empty tree.
var EmptyTreeID = emptyTree.ID

// EmptyTree returns the canonical empty tree.
func EmptyTree() *RevTree {
	return emptyTree
}

func (t *RevTree) Kind() TreeKind {
	return t.kind
}

func (t *RevTree) IsEmpty() bool {
	return t.Size == 0 && t.ChildTreeCount == 0
}

// Entries is the number of nodes, features plus trees, reachable from t.
func (t *RevTree) Entries() uint64 {
	return t.Size + t.ChildTreeCount
}

// Bounds is the union of the extents of everything under t.
func (t *RevTree) Bounds() Envelope {
	env := NullEnvelope()
	if t.kind == BucketTree {
		for _, b := range t.Buckets {
			env = env.ExpandToInclude(b.Bounds)
		}
		return env
	}
	for _, n := range t.Features {
		env = env.ExpandToInclude(n.Extent())
	}
	for _, n := range t.Trees {
		env = env.ExpandToInclude(n.Extent())
	}
	return env
}

func (t *RevTree) String() string {
	if t.kind == BucketTree {
		return fmt.Sprintf("RevTree[%s %s size=%d trees=%d buckets=%d]",
			t.ID.Short(), t.kind, t.Size, t.ChildTreeCount, len(t.Buckets))
	}
	return fmt.Sprintf("RevTree[%s %s features=%d trees=%d]",
		t.ID.Short(), t.kind, len(t.Features), len(t.Trees))
}

// NewLeafTree sorts the given nodes by name and hashes the result, so the
// id doesn't depend on the order of the arguments.
func NewLeafTree(features, trees []Node) (*RevTree, error) {
	t := &RevTree{
		kind:           LeafTree,
		Features:       sortedNodes(features),
		Trees:          sortedNodes(trees),
		Size:           uint64(len(features)),
		ChildTreeCount: uint64(len(trees)),
	}
	seen := make(map[string]struct{}, len(features)+len(trees))
	for _, list := range [][]Node{t.Features, t.Trees} {
		for _, n := range list {
			if _, dup := seen[n.Name]; dup {
				return nil, fmt.Errorf("leaf tree: duplicate node %q: %w", n.Name, ErrInvariant)
			}
			seen[n.Name] = struct{}{}
		}
	}
	for _, n := range t.Features {
		if n.Kind != KindFeature {
			return nil, fmt.Errorf("leaf tree: %s in feature list: %w", n, ErrInvariant)
		}
	}
	for _, n := range t.Trees {
		if n.Kind != KindTree {
			return nil, fmt.Errorf("leaf tree: %s in tree list: %w", n, ErrInvariant)
		}
	}
	return t, t.seal()
}

// NewBucketTree sorts the buckets by index and hashes the result. Buckets
// pointing at the empty tree are dropped; a tree left with no buckets is
// the canonical empty tree.
func NewBucketTree(size, childTreeCount uint64, buckets []Bucket) (*RevTree, error) {
	bs := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.TreeID == EmptyTreeID || b.TreeID.IsNull() {
			continue
		}
		bs = append(bs, b)
	}
	if len(bs) == 0 {
		if size != 0 || childTreeCount != 0 {
			return nil, fmt.Errorf("bucket tree: no buckets for size %d: %w", size, ErrInvariant)
		}
		return emptyTree, nil
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].Index < bs[j].Index })
	for i := 1; i < len(bs); i++ {
		if bs[i].Index == bs[i-1].Index {
			return nil, fmt.Errorf("bucket tree: duplicate bucket %d: %w", bs[i].Index, ErrInvariant)
		}
	}
	t := &RevTree{
		kind:           BucketTree,
		Size:           size,
		ChildTreeCount: childTreeCount,
		Buckets:        bs,
	}
	return t, t.seal()
}

func (t *RevTree) seal() error {
	encoded, err := EncodeTree(t)
	if err != nil {
		return err
	}
	t.ID = hashEncoded(encoded)
	return nil
}

func sortedNodes(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}
	out := append([]Node(nil), nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
