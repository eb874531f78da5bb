package spill

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/jrhy/revtree"
)

// Records use Core Deterministic Encoding so equal DAGs spill to equal
// bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("spill: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		UTF8: cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic("spill: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelopeRecord struct {
	MinX float64 `cbor:"1,keyasint"`
	MaxX float64 `cbor:"2,keyasint"`
	MinY float64 `cbor:"3,keyasint"`
	MaxY float64 `cbor:"4,keyasint"`
}

func fromEnvelope(e revtree.Envelope) envelopeRecord {
	return envelopeRecord{MinX: e.MinX, MaxX: e.MaxX, MinY: e.MinY, MaxY: e.MaxY}
}

func (r envelopeRecord) envelope() revtree.Envelope {
	return revtree.Envelope{MinX: r.MinX, MaxX: r.MaxX, MinY: r.MinY, MaxY: r.MaxY}
}

type dagRecord struct {
	ID        []byte           `cbor:"1,keyasint"`
	Original  []byte           `cbor:"2,keyasint"`
	State     uint8            `cbor:"3,keyasint"`
	Bucketed  bool             `cbor:"4,keyasint,omitempty"`
	Children  map[string]uint8 `cbor:"5,keyasint,omitempty"`
	Buckets   []byte           `cbor:"6,keyasint,omitempty"`
	Size      uint64           `cbor:"7,keyasint"`
	TreeCount uint64           `cbor:"8,keyasint"`
	Bounds    envelopeRecord   `cbor:"9,keyasint"`
	Result    []byte           `cbor:"10,keyasint,omitempty"`
}

func encodeDAG(d *revtree.DAG) ([]byte, error) {
	r := dagRecord{
		ID:        []byte(d.ID),
		Original:  d.Original[:],
		State:     uint8(d.State),
		Bucketed:  d.Bucketed,
		Buckets:   d.Buckets,
		Size:      d.Size,
		TreeCount: d.TreeCount,
		Bounds:    fromEnvelope(d.Bounds),
	}
	if d.Children != nil {
		r.Children = make(map[string]uint8, len(d.Children))
		for name, kind := range d.Children {
			r.Children[name] = uint8(kind)
		}
	}
	if !d.Result.IsNull() {
		r.Result = d.Result[:]
	}
	return encMode.Marshal(r)
}

func decodeDAG(b []byte) (*revtree.DAG, error) {
	var r dagRecord
	if err := decMode.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode DAG: %v: %w", err, revtree.ErrCorrupt)
	}
	d := &revtree.DAG{
		ID:        revtree.TreeID(r.ID),
		State:     revtree.DAGState(r.State),
		Bucketed:  r.Bucketed,
		Buckets:   r.Buckets,
		Size:      r.Size,
		TreeCount: r.TreeCount,
		Bounds:    r.Bounds.envelope(),
	}
	if err := copyID(&d.Original, r.Original); err != nil {
		return nil, err
	}
	if err := copyID(&d.Result, r.Result); err != nil {
		return nil, err
	}
	if r.Children != nil || !r.Bucketed && d.State != revtree.StateCreated {
		d.Children = make(map[string]revtree.NodeKind, len(r.Children))
		for name, kind := range r.Children {
			d.Children[name] = revtree.NodeKind(kind)
		}
	}
	return d, nil
}

func copyID(dst *revtree.ObjectID, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if len(src) != revtree.IDSize {
		return fmt.Errorf("object id of %d bytes: %w", len(src), revtree.ErrCorrupt)
	}
	copy(dst[:], src)
	return nil
}

// nodeRecord omits the name, which is the key suffix.
type nodeRecord struct {
	Kind       uint8           `cbor:"1,keyasint"`
	ObjectID   []byte          `cbor:"2,keyasint,omitempty"`
	MetadataID []byte          `cbor:"3,keyasint,omitempty"`
	Bounds     *envelopeRecord `cbor:"4,keyasint,omitempty"`
	// Lazy references carry only these.
	RefTree  []byte `cbor:"5,keyasint,omitempty"`
	RefIndex int    `cbor:"6,keyasint,omitempty"`
}

func encodeNode(dn revtree.DAGNode) ([]byte, error) {
	var r nodeRecord
	switch {
	case dn.Node != nil:
		n := dn.Node
		r.Kind = uint8(n.Kind)
		r.ObjectID = n.ObjectID[:]
		if !n.MetadataID.IsNull() {
			r.MetadataID = n.MetadataID[:]
		}
		if n.Bounds != nil {
			b := fromEnvelope(*n.Bounds)
			r.Bounds = &b
		}
	case dn.Ref != nil:
		r.Kind = uint8(dn.Ref.Kind)
		r.RefTree = dn.Ref.Tree[:]
		r.RefIndex = dn.Ref.Index
	default:
		return nil, fmt.Errorf("encode empty staged node: %w", revtree.ErrInvariant)
	}
	return encMode.Marshal(r)
}

func decodeNode(name string, b []byte) (revtree.DAGNode, error) {
	var r nodeRecord
	if err := decMode.Unmarshal(b, &r); err != nil {
		return revtree.DAGNode{}, fmt.Errorf("decode node: %v: %w", err, revtree.ErrCorrupt)
	}
	if len(r.RefTree) > 0 {
		var tree revtree.ObjectID
		if err := copyID(&tree, r.RefTree); err != nil {
			return revtree.DAGNode{}, err
		}
		return revtree.LazyNode(tree, revtree.NodeKind(r.Kind), r.RefIndex), nil
	}
	n := revtree.Node{Name: name, Kind: revtree.NodeKind(r.Kind)}
	if err := copyID(&n.ObjectID, r.ObjectID); err != nil {
		return revtree.DAGNode{}, err
	}
	if err := copyID(&n.MetadataID, r.MetadataID); err != nil {
		return revtree.DAGNode{}, err
	}
	if r.Bounds != nil {
		e := r.Bounds.envelope()
		n.Bounds = &e
	}
	return revtree.ResolvedNode(n), nil
}
