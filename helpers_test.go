package revtree

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// smallFormat makes bucketing happen with few entries.
var smallFormat = Format{Version: 1, LeafThreshold: 8, FanOut: 4, MaxDepth: 12}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func featureID(name string, version int) ObjectID {
	return hashEncoded([]byte(fmt.Sprintf("feature %s@%d", name, version)))
}

func testFeature(name string) Node {
	return NewFeature(name, featureID(name, 0), nil)
}

func newTestBuilder(t testing.TB, store ObjectStore, format Format, original ObjectID) *Builder {
	b, err := NewBuilder(ctx, BuilderConfig{
		Format:   format,
		Store:    store,
		Original: original,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// buildNames builds a tree holding a feature per name.
func buildNames(t testing.TB, store ObjectStore, format Format, original ObjectID, names []string) ObjectID {
	b := newTestBuilder(t, store, format, original)
	for _, name := range names {
		require.NoError(t, b.Put(ctx, testFeature(name)))
	}
	id, err := b.Build(ctx)
	require.NoError(t, err)
	return id
}

func names(prefix string, from, to int) []string {
	var res []string
	for i := from; i < to; i++ {
		res = append(res, fmt.Sprintf("%s%d", prefix, i))
	}
	return res
}

// checkCanonical walks the tree under id verifying that every level is
// bucketed exactly when it must be, that every node sits in the bucket its
// name hashes to, and that counts add up.
func checkCanonical(t testing.TB, store ObjectStore, format Format, id ObjectID) {
	checkCanonicalAt(t, store, format, id, RootTreeID)
}

func checkCanonicalAt(t testing.TB, store ObjectStore, format Format, id ObjectID, path TreeID) (uint64, uint64) {
	tree, err := store.Get(ctx, id)
	require.NoError(t, err)
	depth := path.Depth()
	require.Equal(t, format.mustBucket(tree.Entries(), depth), tree.Kind() == BucketTree,
		"tree %s at %s with %d entries", tree, path, tree.Entries())
	if tree.Kind() == LeafTree {
		for _, list := range [][]Node{tree.Features, tree.Trees} {
			for _, n := range list {
				require.Equal(t, path, NodeID{n.Name}.Path(format, depth), "%s misplaced", n)
			}
		}
		return tree.Size, tree.ChildTreeCount
	}
	var size, trees uint64
	for _, b := range tree.Buckets {
		require.NotEqual(t, EmptyTreeID, b.TreeID)
		s, c := checkCanonicalAt(t, store, format, b.TreeID, path.Child(b.Index))
		require.Equal(t, b.Count, s, "bucket %d count", b.Index)
		size += s
		trees += c
	}
	require.Equal(t, tree.Size, size)
	require.Equal(t, tree.ChildTreeCount, trees)
	return size, trees
}
