package revtree

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Format fixes the shape parameters of a tree. The same content built
// with two formats can take different shapes, and so get different ids;
// a repository picks one and keeps it.
type Format struct {
	Version uint8
	// LeafThreshold is the most entries a leaf tree may hold.
	LeafThreshold uint64
	// FanOut is the number of buckets per level, at most 256.
	FanOut uint
	// MaxDepth bounds bucketing; trees at this depth are always leaves.
	MaxDepth int
}

// FormatV1 is the canonical format: 4096-entry leaves, 32 buckets.
var FormatV1 = Format{
	Version:       1,
	LeafThreshold: 4096,
	FanOut:        32,
	MaxDepth:      12,
}

// DefaultFormat is used when a zero Format is configured.
var DefaultFormat = FormatV1

func (f Format) Validate() error {
	if f.LeafThreshold < 1 {
		return fmt.Errorf("format v%d: leaf threshold must be positive", f.Version)
	}
	if f.FanOut < 2 || f.FanOut > 256 {
		return fmt.Errorf("format v%d: fan-out %d out of range [2,256]", f.Version, f.FanOut)
	}
	if f.MaxDepth < 1 {
		return fmt.Errorf("format v%d: max depth must be positive", f.Version)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("v%d(leaf=%d,fanout=%d,depth=%d)", f.Version, f.LeafThreshold, f.FanOut, f.MaxDepth)
}

// BucketIndex is the bucket a node with the given name occupies in a
// bucketed tree at the given depth. It hashes the name together with the
// depth, so each level splits independently.
func (f Format) BucketIndex(name string, depth int) uint8 {
	d := xxhash.New()
	d.WriteString(name)
	d.Write(protowire.AppendVarint(nil, uint64(depth)))
	return uint8(d.Sum64() % uint64(f.FanOut))
}

// mustBucket reports whether a tree at depth holding entries must be
// bucketed.
func (f Format) mustBucket(entries uint64, depth int) bool {
	return entries > f.LeafThreshold && depth < f.MaxDepth
}
