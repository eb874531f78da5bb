package revtree

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	leafTag   byte = 'L'
	bucketTag byte = 'B'

	flagAbsent  byte = 0
	flagPresent byte = 1
)

// EncodeTree returns the canonical encoding of t. The tree's id is the
// hash of these bytes.
//
// Leaf:     'L' size #features features... #trees trees...
// Bucketed: 'B' size childTreeCount #buckets (index id count bounds)...
func EncodeTree(t *RevTree) ([]byte, error) {
	var buf []byte
	var err error
	switch t.kind {
	case LeafTree:
		buf = append(buf, leafTag)
		buf = protowire.AppendVarint(buf, t.Size)
		buf, err = appendNodes(buf, t.Features)
		if err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
		buf, err = appendNodes(buf, t.Trees)
		if err != nil {
			return nil, fmt.Errorf("trees: %w", err)
		}
	case BucketTree:
		buf = append(buf, bucketTag)
		buf = protowire.AppendVarint(buf, t.Size)
		buf = protowire.AppendVarint(buf, t.ChildTreeCount)
		buf = protowire.AppendVarint(buf, uint64(len(t.Buckets)))
		for _, b := range t.Buckets {
			buf = append(buf, b.Index)
			buf = append(buf, b.TreeID[:]...)
			buf = protowire.AppendVarint(buf, b.Count)
			buf, err = appendEnvelope(buf, b.Bounds)
			if err != nil {
				return nil, fmt.Errorf("bucket %d: %w", b.Index, err)
			}
		}
	default:
		panic(fmt.Sprintf("unknown tree kind %d", t.kind))
	}
	return buf, nil
}

// DecodeTree parses an encoded tree; its id is recomputed from the bytes.
func DecodeTree(encoded []byte) (*RevTree, error) {
	t, err := decodeTree(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode tree: %v: %w", err, ErrCorrupt)
	}
	t.ID = hashEncoded(encoded)
	return t, nil
}

func decodeTree(buf []byte) (*RevTree, error) {
	if len(buf) == 0 {
		return nil, errors.New("empty buffer")
	}
	tag := buf[0]
	buf = buf[1:]
	var t RevTree
	var err error
	switch tag {
	case leafTag:
		t.kind = LeafTree
		if t.Size, buf, err = consumeUint(buf); err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		if t.Features, buf, err = consumeNodes(buf); err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
		if t.Trees, buf, err = consumeNodes(buf); err != nil {
			return nil, fmt.Errorf("trees: %w", err)
		}
		if t.Size != uint64(len(t.Features)) {
			return nil, fmt.Errorf("size %d but %d features", t.Size, len(t.Features))
		}
		t.ChildTreeCount = uint64(len(t.Trees))
	case bucketTag:
		t.kind = BucketTree
		if t.Size, buf, err = consumeUint(buf); err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		if t.ChildTreeCount, buf, err = consumeUint(buf); err != nil {
			return nil, fmt.Errorf("child tree count: %w", err)
		}
		var n uint64
		if n, buf, err = consumeUint(buf); err != nil {
			return nil, fmt.Errorf("bucket count: %w", err)
		}
		if n > 256 {
			return nil, fmt.Errorf("bad bucket count %d", n)
		}
		t.Buckets = make([]Bucket, n)
		for i := range t.Buckets {
			b := &t.Buckets[i]
			if len(buf) < 1+IDSize {
				return nil, errors.New("short bucket")
			}
			b.Index = buf[0]
			copy(b.TreeID[:], buf[1:1+IDSize])
			buf = buf[1+IDSize:]
			if b.Count, buf, err = consumeUint(buf); err != nil {
				return nil, fmt.Errorf("bucket %d count: %w", b.Index, err)
			}
			if b.Bounds, buf, err = consumeEnvelope(buf); err != nil {
				return nil, fmt.Errorf("bucket %d: %w", b.Index, err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown tree tag %q", tag)
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(buf))
	}
	return &t, nil
}

func appendNodes(buf []byte, nodes []Node) ([]byte, error) {
	buf = protowire.AppendVarint(buf, uint64(len(nodes)))
	var err error
	for _, n := range nodes {
		buf, err = appendNode(buf, n)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendNode(buf []byte, n Node) ([]byte, error) {
	if !n.Kind.valid() {
		return nil, fmt.Errorf("node %q: bad kind %v: %w", n.Name, n.Kind, ErrInvariant)
	}
	buf = append(buf, byte(n.Kind))
	buf = protowire.AppendString(buf, n.Name)
	buf = append(buf, n.ObjectID[:]...)
	if n.MetadataID.IsNull() {
		buf = append(buf, flagAbsent)
	} else {
		buf = append(buf, flagPresent)
		buf = append(buf, n.MetadataID[:]...)
	}
	if n.Bounds == nil {
		return append(buf, flagAbsent), nil
	}
	buf = append(buf, flagPresent)
	var err error
	buf, err = appendEnvelope(buf, *n.Bounds)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", n.Name, err)
	}
	return buf, nil
}

func consumeNodes(buf []byte) ([]Node, []byte, error) {
	n, buf, err := consumeUint(buf)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, buf, nil
	}
	if n > uint64(len(buf)) {
		return nil, nil, fmt.Errorf("bad node count %d", n)
	}
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i], buf, err = consumeNode(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("node %d: %w", i, err)
		}
	}
	return nodes, buf, nil
}

func consumeNode(buf []byte) (Node, []byte, error) {
	var node Node
	if len(buf) < 1 {
		return node, nil, errors.New("short node")
	}
	node.Kind = NodeKind(buf[0])
	if !node.Kind.valid() {
		return node, nil, fmt.Errorf("bad kind %d", buf[0])
	}
	name, n := protowire.ConsumeString(buf[1:])
	if n < 0 {
		return node, nil, fmt.Errorf("name: %w", protowire.ParseError(n))
	}
	node.Name = name
	buf = buf[1+n:]
	if len(buf) < IDSize+1 {
		return node, nil, errors.New("short node id")
	}
	copy(node.ObjectID[:], buf[:IDSize])
	buf = buf[IDSize:]
	var err error
	var present bool
	if present, buf, err = consumeFlag(buf); err != nil {
		return node, nil, fmt.Errorf("metadata: %w", err)
	}
	if present {
		if len(buf) < IDSize {
			return node, nil, errors.New("short metadata id")
		}
		copy(node.MetadataID[:], buf[:IDSize])
		buf = buf[IDSize:]
	}
	if present, buf, err = consumeFlag(buf); err != nil {
		return node, nil, fmt.Errorf("bounds: %w", err)
	}
	if present {
		var env Envelope
		if env, buf, err = consumeEnvelope(buf); err != nil {
			return node, nil, err
		}
		node.Bounds = &env
	}
	return node, buf, nil
}

func consumeFlag(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, errors.New("missing flag")
	}
	switch buf[0] {
	case flagAbsent:
		return false, buf[1:], nil
	case flagPresent:
		return true, buf[1:], nil
	}
	return false, nil, fmt.Errorf("bad flag %d", buf[0])
}

func consumeUint(buf []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, buf[n:], nil
}
