package revtree

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultGopterParameters = gopter.DefaultTestParameters()

func TestEmptyBuild(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, DefaultFormat, NullID)
	tree, err := b.BuildTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmptyTreeID, tree.ID)
	assert.True(t, tree.IsEmpty())
	assert.Equal(t, LeafTree, tree.Kind())
}

func TestLeafThreshold(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, FormatV1, NullID)
	for _, name := range names("f", 0, 4096) {
		require.NoError(t, b.Put(ctx, testFeature(name)))
	}
	full, err := b.BuildTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, LeafTree, full.Kind())
	assert.Equal(t, uint64(4096), full.Size)
	assert.Len(t, full.Features, 4096)

	require.NoError(t, b.Put(ctx, testFeature("f4096")))
	over, err := b.BuildTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, BucketTree, over.Kind())
	assert.Equal(t, uint64(4097), over.Size)
	var sum uint64
	for _, bucket := range over.Buckets {
		assert.Less(t, uint(bucket.Index), FormatV1.FanOut)
		sum += bucket.Count
	}
	assert.Equal(t, uint64(4097), sum)
	checkCanonical(t, store, FormatV1, over.ID)

	found, err := b.Remove(ctx, "f4096")
	require.NoError(t, err)
	assert.True(t, found)
	back, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, full.ID, back, "removing the entry that forced bucketing collapses back to the leaf")
}

func TestRemoveAllIsEmpty(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	all := names("f", 0, 100)
	b := newTestBuilder(t, store, smallFormat, buildNames(t, store, smallFormat, NullID, all))
	for _, name := range all {
		found, err := b.Remove(ctx, name)
		require.NoError(t, err)
		require.True(t, found, name)
	}
	id, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmptyTreeID, id)
	features, trees, err := b.Size()
	require.NoError(t, err)
	assert.Zero(t, features)
	assert.Zero(t, trees)
}

func TestRemoveMissing(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, buildNames(t, store, smallFormat, NullID, names("f", 0, 40)))
	found, err := b.Remove(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)

	empty := newTestBuilder(t, store, smallFormat, NullID)
	found, err = empty.Remove(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBuildIsIdempotent(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	var written atomic.Int64
	b, err := NewBuilder(ctx, BuilderConfig{
		Format:   smallFormat,
		Store:    store,
		Logger:   testLogger(),
		Progress: func(int64) { written.Add(1) },
	})
	require.NoError(t, err)
	defer b.Close()
	for _, name := range names("f", 0, 100) {
		require.NoError(t, b.Put(ctx, testFeature(name)))
	}
	first, err := b.Build(ctx)
	require.NoError(t, err)
	afterFirst := written.Load()
	assert.Greater(t, afterFirst, int64(1))
	second, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, afterFirst, written.Load(), "a second build writes nothing")
}

func TestUnchangedSubtreesAreNotRewritten(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	original := buildNames(t, store, smallFormat, NullID, names("f", 0, 500))
	var written atomic.Int64
	b, err := NewBuilder(ctx, BuilderConfig{
		Format:   smallFormat,
		Store:    store,
		Original: original,
		Logger:   testLogger(),
		Progress: func(int64) { written.Add(1) },
	})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Put(ctx, NewFeature("f250", featureID("f250", 1), nil)))
	id, err := b.Build(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, original, id)

	root, err := store.Get(ctx, id)
	require.NoError(t, err)
	depth := 0
	for tree := root; tree.Kind() == BucketTree; depth++ {
		idx := smallFormat.BucketIndex("f250", depth)
		for _, bucket := range tree.Buckets {
			if bucket.Index == idx {
				tree, err = store.Get(ctx, bucket.TreeID)
				require.NoError(t, err)
			}
		}
	}
	assert.Equal(t, int64(depth+1), written.Load(), "only the path to the changed entry is written")
	checkCanonical(t, store, smallFormat, id)
}

func TestReplace(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, NullID)
	require.NoError(t, b.Put(ctx, NewFeature("a", featureID("a", 0), nil)))
	require.NoError(t, b.Put(ctx, NewFeature("a", featureID("a", 1), nil)))
	tree, err := b.BuildTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree.Features, 1)
	assert.Equal(t, featureID("a", 1), tree.Features[0].ObjectID)
	assert.Equal(t, uint64(1), tree.Size)

	require.NoError(t, b.Put(ctx, NewTree("a", featureID("a", 2), nil)))
	tree, err = b.BuildTree(ctx)
	require.NoError(t, err)
	assert.Empty(t, tree.Features)
	require.Len(t, tree.Trees, 1)
	assert.Equal(t, uint64(0), tree.Size)
	assert.Equal(t, uint64(1), tree.ChildTreeCount)
}

func TestFeaturesAndTrees(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, NullID)
	for i := 0; i < 60; i++ {
		name := fmt.Sprintf("n%d", i)
		if i%3 == 0 {
			require.NoError(t, b.Put(ctx, NewTree(name, featureID(name, 0), nil)))
		} else {
			require.NoError(t, b.Put(ctx, testFeature(name)))
		}
	}
	tree, err := b.BuildTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, BucketTree, tree.Kind())
	assert.Equal(t, uint64(40), tree.Size)
	assert.Equal(t, uint64(20), tree.ChildTreeCount)
	checkCanonical(t, store, smallFormat, tree.ID)

	features, trees, err := CountNodes(ctx, store, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), features)
	assert.Equal(t, uint64(20), trees)
}

func TestMaxDepth(t *testing.T) {
	t.Parallel()
	format := Format{Version: 1, LeafThreshold: 2, FanOut: 2, MaxDepth: 2}
	store := NewInMemoryObjectStore()
	id := buildNames(t, store, format, NullID, names("f", 0, 40))
	checkCanonical(t, store, format, id)
	features, _, err := CountNodes(ctx, store, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), features)
}

func TestBounds(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, NullID)
	for i := 0; i < 30; i++ {
		e := NewEnvelope(float64(i), float64(i)+0.5, -float64(i), 1)
		name := fmt.Sprintf("f%d", i)
		require.NoError(t, b.Put(ctx, NewFeature(name, featureID(name, 0), &e)))
	}
	require.NoError(t, b.Put(ctx, testFeature("nobounds")))
	tree, err := b.BuildTree(ctx)
	require.NoError(t, err)
	require.Equal(t, BucketTree, tree.Kind())
	assert.Equal(t, NewEnvelope(0, 29.5, -29, 1), tree.Bounds())
}

func TestBoundsAreWidenedToFloat32(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, NullID)
	e := NewEnvelope(0.1, 0.2, 0.3, 0.4)
	require.NoError(t, b.Put(ctx, NewFeature("a", featureID("a", 0), &e)))
	tree, err := b.BuildTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree.Features, 1)
	got := tree.Features[0].Extent()
	assert.True(t, got.Contains(e), "%v should contain %v", got, e)
	assert.Equal(t, Float32Bounds(e), got)
}

func TestPutValidation(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t, NewInMemoryObjectStore(), smallFormat, NullID)
	require.ErrorIs(t, b.Put(ctx, NewFeature("", featureID("", 0), nil)), ErrInvariant)
	require.ErrorIs(t, b.Put(ctx, Node{Name: "x", Kind: NodeKind('?')}), ErrInvariant)
}

func TestPutRejectsNaNBounds(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, NullID)
	for _, bad := range []Envelope{
		{MinX: math.NaN(), MaxX: 1, MinY: 0, MaxY: 1},
		{MinX: 0, MaxX: 1, MinY: 0, MaxY: math.NaN()},
	} {
		bad := bad
		require.ErrorIs(t, b.Put(ctx, NewFeature("a", featureID("a", 0), &bad)), ErrBoundsPrecision)
	}
	features, _, err := b.Size()
	require.NoError(t, err)
	assert.Zero(t, features, "nothing staged")

	// the session keeps working
	require.NoError(t, b.Put(ctx, testFeature("b")))
	id, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, buildNames(t, store, smallFormat, NullID, []string{"b"}), id)
}

func TestNegativeZeroBounds(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	negZero := math.Copysign(0, -1)
	neg := NewEnvelope(negZero, 1, negZero, 1)
	pos := NewEnvelope(0, 1, 0, 1)
	a, err := BuildFrom(ctx, store, NullID, NewFeature("f", featureID("f", 0), &neg))
	require.NoError(t, err)
	b, err := BuildFrom(ctx, store, NullID, NewFeature("f", featureID("f", 0), &pos))
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestRemoveTreeNode(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	b := newTestBuilder(t, store, smallFormat, NullID)
	for _, name := range names("f", 0, 20) {
		require.NoError(t, b.Put(ctx, testFeature(name)))
	}
	for _, name := range names("t", 0, 20) {
		require.NoError(t, b.Put(ctx, NewTree(name, featureID(name, 0), nil)))
	}
	base, err := b.Build(ctx)
	require.NoError(t, err)

	for _, name := range []string{"t3", "t7", "f5"} {
		found, err := b.Remove(ctx, name)
		require.NoError(t, err)
		require.True(t, found, name)
	}
	features, trees, err := b.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(19), features)
	assert.Equal(t, uint64(18), trees)

	tree, err := b.BuildTree(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, base, tree.ID)
	assert.Equal(t, uint64(19), tree.Size)
	assert.Equal(t, uint64(18), tree.ChildTreeCount)
	checkCanonical(t, store, smallFormat, tree.ID)

	want := newTestBuilder(t, store, smallFormat, NullID)
	for _, name := range names("f", 0, 20) {
		if name != "f5" {
			require.NoError(t, want.Put(ctx, testFeature(name)))
		}
	}
	for _, name := range names("t", 0, 20) {
		if name != "t3" && name != "t7" {
			require.NoError(t, want.Put(ctx, NewTree(name, featureID(name, 0), nil)))
		}
	}
	wantID, err := want.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantID, tree.ID)
}

func TestClosedBuilder(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t, NewInMemoryObjectStore(), smallFormat, NullID)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Put(ctx, testFeature("a")), ErrDisposed)
	_, err := b.Build(ctx)
	require.ErrorIs(t, err, ErrDisposed)
}

func TestMissingOriginal(t *testing.T) {
	t.Parallel()
	_, err := NewBuilder(ctx, BuilderConfig{
		Store:    NewInMemoryObjectStore(),
		Original: featureID("not a tree", 0),
		Logger:   testLogger(),
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidFormat(t *testing.T) {
	t.Parallel()
	_, err := NewBuilder(ctx, BuilderConfig{
		Store:  NewInMemoryObjectStore(),
		Format: Format{Version: 9, LeafThreshold: 8, FanOut: 1000, MaxDepth: 3},
	})
	require.Error(t, err)
}

func TestCancelledBuild(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	all := names("f", 0, 300)
	b := newTestBuilder(t, store, smallFormat, NullID)
	for _, name := range all {
		require.NoError(t, b.Put(ctx, testFeature(name)))
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := b.Build(cancelled)
	require.ErrorIs(t, err, context.Canceled)

	id, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, buildNames(t, NewInMemoryObjectStore(), smallFormat, NullID, all), id)
}

func TestBuildFrom(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	base, err := BuildFrom(ctx, store, NullID, testFeature("a"), testFeature("b"))
	require.NoError(t, err)
	next, err := BuildFrom(ctx, store, base, testFeature("c"))
	require.NoError(t, err)
	fresh, err := BuildFrom(ctx, NewInMemoryObjectStore(), EmptyTreeID, testFeature("c"), testFeature("b"), testFeature("a"))
	require.NoError(t, err)
	assert.Equal(t, fresh, next)
}

func checkOrderIndependence(t *testing.T, keys []int, seed int64) bool {
	var ordered []string
	seen := map[int]bool{}
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			ordered = append(ordered, fmt.Sprintf("k%d", k))
		}
	}
	shuffled := append([]string(nil), ordered...)
	rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	sort.Strings(ordered)
	a := buildNames(t, NewInMemoryObjectStore(), smallFormat, NullID, ordered)
	store := NewInMemoryObjectStore()
	b := buildNames(t, store, smallFormat, NullID, shuffled)
	if a != b {
		t.Logf("order dependence for %v", ordered)
		return false
	}
	checkCanonical(t, store, smallFormat, b)
	return true
}

func TestOrderIndependence(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	properties.Property("trees look the same no matter what order the puts are done",
		prop.ForAll(
			func(keys []int, seed int64) bool {
				return checkOrderIndependence(t, keys, seed)
			},
			gen.SliceOf(gen.IntRange(0, 400)),
			gen.Int64(),
		))
	properties.TestingRun(t)
}

func checkIncremental(t *testing.T, first, second, removed []int) bool {
	store := NewInMemoryObjectStore()
	model := map[string]int{}
	b := newTestBuilder(t, store, smallFormat, NullID)
	for _, k := range first {
		name := fmt.Sprintf("k%d", k)
		require.NoError(t, b.Put(ctx, NewFeature(name, featureID(name, 0), nil)))
		model[name] = 0
	}
	base, err := b.Build(ctx)
	require.NoError(t, err)

	next := newTestBuilder(t, store, smallFormat, base)
	for _, k := range second {
		name := fmt.Sprintf("k%d", k)
		require.NoError(t, next.Put(ctx, NewFeature(name, featureID(name, 1), nil)))
		model[name] = 1
	}
	for _, k := range removed {
		name := fmt.Sprintf("k%d", k)
		found, err := next.Remove(ctx, name)
		require.NoError(t, err)
		_, present := model[name]
		require.Equal(t, present, found, name)
		delete(model, name)
	}
	incremental, err := next.Build(ctx)
	require.NoError(t, err)

	fresh := newTestBuilder(t, NewInMemoryObjectStore(), smallFormat, NullID)
	for name, version := range model {
		require.NoError(t, fresh.Put(ctx, NewFeature(name, featureID(name, version), nil)))
	}
	expected, err := fresh.Build(ctx)
	require.NoError(t, err)
	if expected != incremental {
		t.Logf("incremental build differs: first=%v second=%v removed=%v", first, second, removed)
		return false
	}
	return true
}

func TestIncrementalMatchesFresh(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	properties.Property("building on an original equals building from scratch",
		prop.ForAll(
			func(first, second, removed []int) bool {
				return checkIncremental(t, first, second, removed)
			},
			gen.SliceOf(gen.IntRange(0, 300)),
			gen.SliceOf(gen.IntRange(0, 300)),
			gen.SliceOf(gen.IntRange(0, 300)),
		))
	properties.TestingRun(t)
}

func TestAddRemoveIdentity(t *testing.T) {
	t.Parallel()
	store := NewInMemoryObjectStore()
	base := buildNames(t, store, smallFormat, NullID, names("f", 0, 200))
	properties := gopter.NewProperties(defaultGopterParameters)
	properties.Property("adding then removing new entries restores the id",
		prop.ForAll(
			func(extra []int) bool {
				b := newTestBuilder(t, store, smallFormat, base)
				for _, k := range extra {
					require.NoError(t, b.Put(ctx, testFeature(fmt.Sprintf("x%d", k))))
				}
				_, err := b.Build(ctx)
				require.NoError(t, err)
				for _, k := range extra {
					_, err := b.Remove(ctx, fmt.Sprintf("x%d", k))
					require.NoError(t, err)
				}
				id, err := b.Build(ctx)
				require.NoError(t, err)
				return id == base
			},
			gen.SliceOf(gen.IntRange(0, 500)),
		))
	properties.TestingRun(t)
}
