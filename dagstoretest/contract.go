// Package dagstoretest checks that a revtree.DAGStore implementation
// behaves the way the clustering strategy expects.
package dagstoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrhy/revtree"
)

// Factory opens a fresh, empty store resolving lazy entries from source.
type Factory func(t *testing.T, source revtree.ObjectStore) revtree.DAGStore

// Run exercises a DAGStore implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, newStore) })
	t.Run("SaveReplaces", func(t *testing.T) { testSaveReplaces(t, newStore) })
	t.Run("UnknownTree", func(t *testing.T) { testUnknownTree(t, newStore) })
	t.Run("Nodes", func(t *testing.T) { testNodes(t, newStore) })
	t.Run("LazyNodes", func(t *testing.T) { testLazyNodes(t, newStore) })
	t.Run("UnknownNode", func(t *testing.T) { testUnknownNode(t, newStore) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, newStore) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore) })
	t.Run("Dispose", func(t *testing.T) { testDispose(t, newStore) })
}

func testCreateThenGet(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	dag, err := s.GetOrCreateTree(revtree.RootTreeID, revtree.NullID)
	require.NoError(t, err)
	assert.Equal(t, revtree.StateCreated, dag.State)
	assert.Equal(t, revtree.EmptyTreeID, dag.Original)
	assert.True(t, dag.Bounds.IsNull())

	again, err := s.GetOrCreateTree(revtree.RootTreeID, revtree.NullID)
	require.NoError(t, err)
	assert.Equal(t, dag.ID, again.ID)
	assert.Equal(t, dag.Original, again.Original)

	got, err := s.GetTrees([]revtree.TreeID{revtree.RootTreeID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, revtree.RootTreeID, got[0].ID)
}

func testSaveReplaces(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	id := revtree.RootTreeID.Child(3).Child(200)
	dag, err := s.GetOrCreateTree(id, revtree.EmptyTreeID)
	require.NoError(t, err)
	dag.State = revtree.StateMutated
	dag.Bucketed = true
	dag.Buckets = []uint8{1, 7, 31}
	dag.Size = 9000
	dag.TreeCount = 12
	require.NoError(t, s.Save(map[revtree.TreeID]*revtree.DAG{id: dag}))

	got, err := s.GetTrees([]revtree.TreeID{id})
	require.NoError(t, err)
	assert.Equal(t, revtree.StateMutated, got[0].State)
	assert.True(t, got[0].Bucketed)
	assert.Equal(t, []uint8{1, 7, 31}, got[0].Buckets)
	assert.Equal(t, uint64(9000), got[0].Size)
	assert.Equal(t, uint64(12), got[0].TreeCount)
	assert.Equal(t, 2, got[0].ID.Depth())

	leaf := &revtree.DAG{
		ID:       id,
		Original: revtree.EmptyTreeID,
		State:    revtree.StateMutated,
		Children: map[string]revtree.NodeKind{"a": revtree.KindFeature, "b": revtree.KindTree},
		Size:     1,
		Bounds:   revtree.NullEnvelope(),
	}
	leaf.TreeCount = 1
	require.NoError(t, s.Save(map[revtree.TreeID]*revtree.DAG{id: leaf}))
	got, err = s.GetTrees([]revtree.TreeID{id})
	require.NoError(t, err)
	assert.False(t, got[0].Bucketed)
	assert.Equal(t, leaf.Children, got[0].Children)
	assert.Equal(t, uint64(2), got[0].Entries())
}

func testUnknownTree(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	_, err := s.GetTrees([]revtree.TreeID{revtree.RootTreeID.Child(1)})
	require.ErrorIs(t, err, revtree.ErrNotFound)
}

func testNodes(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	bounds := revtree.NewEnvelope(-1, 1, -2, 2)
	f := revtree.NewFeature("f", objectID("f"), &bounds).WithMetadata(objectID("meta"))
	tr := revtree.NewTree("t", objectID("t"), nil)
	require.NoError(t, s.SaveNode(revtree.NodeID{Name: "f"}, f))
	require.NoError(t, s.SaveNodes(map[revtree.NodeID]revtree.DAGNode{
		{Name: "t"}: revtree.ResolvedNode(tr),
	}))
	assert.Equal(t, int64(2), s.NodeCount())

	got, err := s.GetNodes(context.Background(), []revtree.NodeID{{Name: "f"}, {Name: "t"}})
	require.NoError(t, err)
	assert.True(t, f.Equal(got[revtree.NodeID{Name: "f"}]), "%v", got)
	assert.True(t, tr.Equal(got[revtree.NodeID{Name: "t"}]), "%v", got)

	replaced := revtree.NewFeature("f", objectID("f2"), nil)
	require.NoError(t, s.SaveNode(revtree.NodeID{Name: "f"}, replaced))
	assert.Equal(t, int64(2), s.NodeCount())
	got, err = s.GetNodes(context.Background(), []revtree.NodeID{{Name: "f"}})
	require.NoError(t, err)
	assert.True(t, replaced.Equal(got[revtree.NodeID{Name: "f"}]))
}

func testLazyNodes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	source := revtree.NewInMemoryObjectStore()
	features := []revtree.Node{
		revtree.NewFeature("a", objectID("a"), nil),
		revtree.NewFeature("b", objectID("b"), nil),
	}
	trees := []revtree.Node{revtree.NewTree("c", objectID("c"), nil)}
	leaf, err := revtree.NewLeafTree(features, trees)
	require.NoError(t, err)
	_, err = source.Put(ctx, leaf)
	require.NoError(t, err)

	s := newStore(t, source)
	defer s.Dispose()
	require.NoError(t, s.SaveNodes(map[revtree.NodeID]revtree.DAGNode{
		{Name: "a"}: revtree.LazyNode(leaf.ID, revtree.KindFeature, 0),
		{Name: "b"}: revtree.LazyNode(leaf.ID, revtree.KindFeature, 1),
		{Name: "c"}: revtree.LazyNode(leaf.ID, revtree.KindTree, 0),
	}))
	got, err := s.GetNodes(ctx, []revtree.NodeID{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	require.NoError(t, err)
	assert.True(t, features[0].Equal(got[revtree.NodeID{Name: "a"}]))
	assert.True(t, features[1].Equal(got[revtree.NodeID{Name: "b"}]))
	assert.True(t, trees[0].Equal(got[revtree.NodeID{Name: "c"}]))

	require.NoError(t, s.SaveNodes(map[revtree.NodeID]revtree.DAGNode{
		{Name: "z"}: revtree.LazyNode(leaf.ID, revtree.KindFeature, 0),
	}))
	_, err = s.GetNodes(ctx, []revtree.NodeID{{Name: "z"}})
	require.ErrorIs(t, err, revtree.ErrInvariant)
}

func testUnknownNode(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	_, err := s.GetNodes(context.Background(), []revtree.NodeID{{Name: "nope"}})
	require.ErrorIs(t, err, revtree.ErrInvariant)
}

func testConcurrentSaves(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := revtree.RootTreeID.Child(uint8(i))
			dag, err := s.GetOrCreateTree(id, revtree.EmptyTreeID)
			if err != nil {
				errs <- err
				return
			}
			dag.State = revtree.StateMutated
			dag.Children = map[string]revtree.NodeKind{}
			for j := 0; j < 10; j++ {
				name := fmt.Sprintf("%d/%d", i, j)
				if err := s.SaveNode(revtree.NodeID{Name: name}, revtree.NewFeature(name, objectID(name), nil)); err != nil {
					errs <- err
					return
				}
				dag.Children[name] = revtree.KindFeature
				dag.Size++
			}
			errs <- s.Save(map[revtree.TreeID]*revtree.DAG{id: dag})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(320), s.NodeCount())
	for i := 0; i < 32; i++ {
		got, err := s.GetTrees([]revtree.TreeID{revtree.RootTreeID.Child(uint8(i))})
		require.NoError(t, err)
		assert.Equal(t, uint64(10), got[0].Size)
		assert.Len(t, got[0].Children, 10)
	}
}

// testConcurrentCreate races creation of one tree. Every caller gets the
// single record or an ErrInvariant.
func testConcurrentCreate(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	defer s.Dispose()

	const callers = 32
	id := revtree.RootTreeID.Child(5).Child(9)
	start := make(chan struct{})
	dags := make([]*revtree.DAG, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			dags[i], errs[i] = s.GetOrCreateTree(id, revtree.EmptyTreeID)
		}()
	}
	close(start)
	wg.Wait()

	won := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], revtree.ErrInvariant)
			assert.Nil(t, dags[i])
			continue
		}
		won++
		require.NotNil(t, dags[i])
		assert.Equal(t, id, dags[i].ID)
		assert.Equal(t, revtree.EmptyTreeID, dags[i].Original)
		assert.Equal(t, revtree.StateCreated, dags[i].State)
	}
	assert.Positive(t, won)

	got, err := s.GetTrees([]revtree.TreeID{id})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, revtree.EmptyTreeID, got[0].Original)
	_, err = s.GetTrees([]revtree.TreeID{id.Child(0)})
	require.ErrorIs(t, err, revtree.ErrNotFound)

	again, err := s.GetOrCreateTree(id, revtree.EmptyTreeID)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
}

func testDispose(t *testing.T, newStore Factory) {
	s := newStore(t, revtree.NewInMemoryObjectStore())
	_, err := s.GetOrCreateTree(revtree.RootTreeID, revtree.EmptyTreeID)
	require.NoError(t, err)
	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())
	_, err = s.GetTrees([]revtree.TreeID{revtree.RootTreeID})
	require.ErrorIs(t, err, revtree.ErrDisposed)
	require.ErrorIs(t, s.SaveNode(revtree.NodeID{Name: "x"}, revtree.NewFeature("x", objectID("x"), nil)), revtree.ErrDisposed)
}

func objectID(s string) revtree.ObjectID {
	var id revtree.ObjectID
	copy(id[:], s)
	id[revtree.IDSize-1] = 1
	return id
}
