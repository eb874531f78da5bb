package revtree

import "fmt"

// NodeKind tells whether a Node points at a feature or at a sub-tree.
type NodeKind uint8

const (
	KindFeature NodeKind = 'F'
	KindTree    NodeKind = 'T'
)

func (k NodeKind) String() string {
	switch k {
	case KindFeature:
		return "FEATURE"
	case KindTree:
		return "TREE"
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

func (k NodeKind) valid() bool {
	return k == KindFeature || k == KindTree
}

// Node is a named directory entry. Names are unique among the entries of
// one tree.
type Node struct {
	Name     string
	ObjectID ObjectID
	// MetadataID references the feature type; NullID when absent.
	MetadataID ObjectID
	Kind       NodeKind
	// Bounds is nil when the entry has no extent.
	Bounds *Envelope
}

// NewFeature returns a feature node. bounds may be nil.
func NewFeature(name string, id ObjectID, bounds *Envelope) Node {
	return Node{Name: name, ObjectID: id, Kind: KindFeature, Bounds: bounds}
}

// NewTree returns a node pointing at a sub-tree. bounds may be nil.
func NewTree(name string, id ObjectID, bounds *Envelope) Node {
	return Node{Name: name, ObjectID: id, Kind: KindTree, Bounds: bounds}
}

// WithMetadata returns a copy of n referencing the given metadata object.
func (n Node) WithMetadata(id ObjectID) Node {
	n.MetadataID = id
	return n
}

// Extent returns the node's bounds, or the null envelope.
func (n Node) Extent() Envelope {
	if n.Bounds == nil {
		return NullEnvelope()
	}
	return *n.Bounds
}

func (n Node) Equal(o Node) bool {
	if n.Name != o.Name || n.ObjectID != o.ObjectID || n.MetadataID != o.MetadataID || n.Kind != o.Kind {
		return false
	}
	if n.Bounds == nil || o.Bounds == nil {
		return n.Bounds == nil && o.Bounds == nil
	}
	return *n.Bounds == *o.Bounds
}

func (n Node) String() string {
	return fmt.Sprintf("%s[%s -> %s, %v]", n.Kind, n.Name, n.ObjectID.Short(), n.Extent())
}

// normalize makes the node encodable: bounds are widened to float32 and
// null bounds are dropped.
func (n Node) normalize() Node {
	if n.Bounds == nil {
		return n
	}
	if n.Bounds.IsNull() {
		n.Bounds = nil
		return n
	}
	b := Float32Bounds(*n.Bounds)
	n.Bounds = &b
	return n
}
