package revtree

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// clusteringStrategy turns put and remove operations into mutations of the
// staged DAG graph, keeping every position in canonical form: a position is
// bucketed iff it holds more than Format.LeafThreshold entries and is above
// Format.MaxDepth. Since bucket indices depend only on names, the graph,
// and the trees materialized from it, depend only on the staged entries.
type clusteringStrategy struct {
	format      Format
	dags        DAGStore
	source      ObjectStore
	log         *logrus.Logger
	concurrency int
	progress    func(int64)
	written     atomic.Int64
}

func newClusteringStrategy(
	ctx context.Context,
	format Format,
	dags DAGStore,
	source ObjectStore,
	original ObjectID,
	log *logrus.Logger,
	concurrency int,
) (*clusteringStrategy, error) {
	s := &clusteringStrategy{
		format:      format,
		dags:        dags,
		source:      source,
		log:         log,
		concurrency: concurrency,
	}
	root, err := dags.GetOrCreateTree(RootTreeID, original)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if root.State == StateCreated && root.Original != EmptyTreeID {
		tree, err := source.Get(ctx, root.Original)
		if err != nil {
			return nil, fmt.Errorf("load original %s: %w", root.Original, err)
		}
		root.Size = tree.Size
		root.TreeCount = tree.ChildTreeCount
		root.Bounds = tree.Bounds()
		err = dags.Save(map[TreeID]*DAG{root.ID: root})
		if err != nil {
			return nil, fmt.Errorf("save root: %w", err)
		}
	}
	return s, nil
}

func (s *clusteringStrategy) root() (*DAG, error) {
	roots, err := s.dags.GetTrees([]TreeID{RootTreeID})
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	return roots[0], nil
}

func (s *clusteringStrategy) save(dags ...*DAG) error {
	m := make(map[TreeID]*DAG, len(dags))
	for _, d := range dags {
		m[d.ID] = d
	}
	return s.dags.Save(m)
}

// expand replaces a CREATED DAG's reference to its original tree with the
// original's contents: staged references to its entries if it was a leaf,
// CREATED child DAGs if it was bucketed.
func (s *clusteringStrategy) expand(ctx context.Context, dag *DAG) error {
	if dag.State != StateCreated {
		return nil
	}
	dag.State = StateMutated
	dag.Children = map[string]NodeKind{}
	dag.Buckets = nil
	dag.Bucketed = false
	if dag.Original == EmptyTreeID {
		return nil
	}
	tree, err := s.source.Get(ctx, dag.Original)
	if err != nil {
		return fmt.Errorf("expand %s from %s: %w", dag.ID, dag.Original, err)
	}
	dag.Size = tree.Size
	dag.TreeCount = tree.ChildTreeCount
	if tree.Kind() == LeafTree {
		staged := make(map[NodeID]DAGNode, tree.Entries())
		for i, n := range tree.Features {
			dag.Children[n.Name] = KindFeature
			staged[NodeID{n.Name}] = LazyNode(tree.ID, KindFeature, i)
		}
		for i, n := range tree.Trees {
			dag.Children[n.Name] = KindTree
			staged[NodeID{n.Name}] = LazyNode(tree.ID, KindTree, i)
		}
		if err := s.dags.SaveNodes(staged); err != nil {
			return fmt.Errorf("expand %s: stage nodes: %w", dag.ID, err)
		}
		return nil
	}

	dag.Bucketed = true
	dag.Children = nil
	ids := make([]ObjectID, len(tree.Buckets))
	for i, b := range tree.Buckets {
		ids[i] = b.TreeID
	}
	childTrees, err := s.source.GetAll(ctx, ids, nil)
	if err != nil {
		return fmt.Errorf("expand %s: load buckets: %w", dag.ID, err)
	}
	byID := make(map[ObjectID]*RevTree, len(childTrees))
	for _, t := range childTrees {
		byID[t.ID] = t
	}
	children := make(map[TreeID]*DAG, len(tree.Buckets))
	for _, b := range tree.Buckets {
		childTree, ok := byID[b.TreeID]
		if !ok {
			return fmt.Errorf("expand %s: bucket %d tree %s: %w", dag.ID, b.Index, b.TreeID, ErrNotFound)
		}
		child, err := s.dags.GetOrCreateTree(dag.ID.Child(b.Index), b.TreeID)
		if err != nil {
			return fmt.Errorf("expand %s: %w", dag.ID, err)
		}
		child.Size = b.Count
		child.TreeCount = childTree.ChildTreeCount
		child.Bounds = b.Bounds
		children[child.ID] = child
		dag.addBucket(b.Index)
	}
	if err := s.dags.Save(children); err != nil {
		return fmt.Errorf("expand %s: save buckets: %w", dag.ID, err)
	}
	return nil
}

// descend returns the DAGs from the root to the leaf that holds, or would
// hold, name. Missing buckets are created when create is set; otherwise the
// path stops at the bucketed DAG lacking the bucket.
func (s *clusteringStrategy) descend(ctx context.Context, name string, create bool) ([]*DAG, error) {
	dag, err := s.root()
	if err != nil {
		return nil, err
	}
	var path []*DAG
	for {
		if err := s.expand(ctx, dag); err != nil {
			return nil, err
		}
		path = append(path, dag)
		if !dag.Bucketed {
			return path, nil
		}
		idx := s.format.BucketIndex(name, dag.ID.Depth())
		if dag.hasBucket(idx) {
			children, err := s.dags.GetTrees([]TreeID{dag.ID.Child(idx)})
			if err != nil {
				return nil, fmt.Errorf("descend %s: %w", dag.ID, err)
			}
			dag = children[0]
			continue
		}
		if !create {
			return path, nil
		}
		child := newLeafDAG(dag.ID.Child(idx))
		dag.addBucket(idx)
		dag = child
	}
}

func newLeafDAG(id TreeID) *DAG {
	dag := NewDAG(id, EmptyTreeID)
	dag.State = StateMutated
	dag.Children = map[string]NodeKind{}
	return dag
}

func applyDelta(path []*DAG, features, trees int64) {
	for _, d := range path {
		d.Size = uint64(int64(d.Size) + features)
		d.TreeCount = uint64(int64(d.TreeCount) + trees)
		d.State = StateMutated
	}
}

func kindDelta(kind NodeKind, n int64) (features, trees int64) {
	if kind == KindTree {
		return 0, n
	}
	return n, 0
}

func (s *clusteringStrategy) put(ctx context.Context, node Node) error {
	path, err := s.descend(ctx, node.Name, true)
	if err != nil {
		return fmt.Errorf("put %q: %w", node.Name, err)
	}
	leaf := path[len(path)-1]
	var df, dt int64
	if old, ok := leaf.Children[node.Name]; ok {
		if old != node.Kind {
			f0, t0 := kindDelta(old, -1)
			f1, t1 := kindDelta(node.Kind, 1)
			df, dt = f0+f1, t0+t1
		}
	} else {
		df, dt = kindDelta(node.Kind, 1)
	}
	leaf.Children[node.Name] = node.Kind
	if err := s.dags.SaveNode(NodeID{node.Name}, node); err != nil {
		return fmt.Errorf("put %q: stage node: %w", node.Name, err)
	}
	applyDelta(path, df, dt)
	if err := s.save(path...); err != nil {
		return fmt.Errorf("put %q: %w", node.Name, err)
	}
	if s.format.mustBucket(leaf.Entries(), leaf.ID.Depth()) {
		if err := s.promote(leaf); err != nil {
			return fmt.Errorf("put %q: %w", node.Name, err)
		}
	}
	return nil
}

// promote rewrites a leaf DAG as a bucketed one, redistributing its entries
// into new child leaves, and promotes those children in turn if needed.
func (s *clusteringStrategy) promote(dag *DAG) error {
	depth := dag.ID.Depth()
	s.log.WithFields(logrus.Fields{
		"tree":    dag.ID.String(),
		"entries": dag.Entries(),
	}).Debug("promoting leaf")
	children := map[TreeID]*DAG{}
	dag.Buckets = nil
	for name, kind := range dag.Children {
		idx := s.format.BucketIndex(name, depth)
		id := dag.ID.Child(idx)
		child, ok := children[id]
		if !ok {
			child = newLeafDAG(id)
			children[id] = child
			dag.addBucket(idx)
		}
		child.Children[name] = kind
		f, t := kindDelta(kind, 1)
		child.Size += uint64(f)
		child.TreeCount += uint64(t)
	}
	dag.Bucketed = true
	dag.Children = nil
	dag.State = StateMutated
	saved := make(map[TreeID]*DAG, len(children)+1)
	for id, c := range children {
		saved[id] = c
	}
	saved[dag.ID] = dag
	if err := s.dags.Save(saved); err != nil {
		return fmt.Errorf("promote %s: %w", dag.ID, err)
	}
	for _, c := range children {
		if s.format.mustBucket(c.Entries(), c.ID.Depth()) {
			if err := s.promote(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *clusteringStrategy) remove(ctx context.Context, name string) (bool, error) {
	path, err := s.descend(ctx, name, false)
	if err != nil {
		return false, fmt.Errorf("remove %q: %w", name, err)
	}
	leaf := path[len(path)-1]
	kind, ok := leaf.Children[name]
	if leaf.Bucketed || !ok {
		// descend may have expanded DAGs on the way
		return false, s.save(path...)
	}
	delete(leaf.Children, name)
	df, dt := kindDelta(kind, -1)
	applyDelta(path, df, dt)
	for i := len(path) - 1; i > 0; i-- {
		if path[i].Entries() == 0 {
			path[i-1].removeBucket(path[i].ID.Last())
		}
	}
	if err := s.save(path...); err != nil {
		return false, fmt.Errorf("remove %q: %w", name, err)
	}
	for _, d := range path {
		if d.Bucketed && !s.format.mustBucket(d.Entries(), d.ID.Depth()) {
			if err := s.collapse(ctx, d); err != nil {
				return false, fmt.Errorf("remove %q: %w", name, err)
			}
			break
		}
	}
	return true, nil
}

// collapse flattens a bucketed DAG and everything under it into a leaf.
func (s *clusteringStrategy) collapse(ctx context.Context, dag *DAG) error {
	names := make(map[string]NodeKind, dag.Entries())
	if err := s.gather(ctx, dag, names); err != nil {
		return fmt.Errorf("collapse %s: %w", dag.ID, err)
	}
	if uint64(len(names)) != dag.Entries() {
		return fmt.Errorf("collapse %s: gathered %d entries, expected %d: %w",
			dag.ID, len(names), dag.Entries(), ErrInvariant)
	}
	s.log.WithFields(logrus.Fields{
		"tree":    dag.ID.String(),
		"entries": dag.Entries(),
	}).Debug("collapsing buckets")
	dag.Bucketed = false
	dag.Buckets = nil
	dag.Children = names
	dag.State = StateMutated
	return s.save(dag)
}

func (s *clusteringStrategy) gather(ctx context.Context, dag *DAG, into map[string]NodeKind) error {
	children, err := s.dags.GetTrees(dag.childIDs())
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.expand(ctx, c); err != nil {
			return err
		}
		if c.Bucketed {
			if err := s.gather(ctx, c, into); err != nil {
				return err
			}
			continue
		}
		for name, kind := range c.Children {
			into[name] = kind
		}
	}
	return s.save(children...)
}

func (s *clusteringStrategy) build(ctx context.Context) (ObjectID, error) {
	root, err := s.root()
	if err != nil {
		return NullID, err
	}
	id, _, err := s.materialize(ctx, root)
	if err != nil {
		return NullID, fmt.Errorf("build: %w", err)
	}
	return id, nil
}

// materialize writes the tree for dag, and first for any of its mutated
// descendants, into the object store. Sibling buckets are materialized in
// parallel.
func (s *clusteringStrategy) materialize(ctx context.Context, dag *DAG) (ObjectID, Envelope, error) {
	if err := ctx.Err(); err != nil {
		return NullID, NullEnvelope(), fmt.Errorf("materialize %s: %w", dag.ID, err)
	}
	switch dag.State {
	case StateCreated:
		return dag.Original, dag.Bounds, nil
	case StateMaterialized:
		return dag.Result, dag.Bounds, nil
	}
	var tree *RevTree
	var err error
	if dag.Bucketed {
		tree, err = s.materializeBuckets(ctx, dag)
	} else {
		tree, err = s.materializeLeaf(ctx, dag)
	}
	if err != nil {
		return NullID, NullEnvelope(), err
	}
	if _, err := s.source.Put(ctx, tree); err != nil {
		return NullID, NullEnvelope(), fmt.Errorf("materialize %s: %w", dag.ID, err)
	}
	dag.State = StateMaterialized
	dag.Result = tree.ID
	dag.Bounds = tree.Bounds()
	if err := s.save(dag); err != nil {
		return NullID, NullEnvelope(), fmt.Errorf("materialize %s: %w", dag.ID, err)
	}
	written := s.written.Add(1)
	if s.progress != nil {
		s.progress(written)
	}
	s.log.WithFields(logrus.Fields{
		"tree": dag.ID.String(),
		"id":   tree.ID.Short(),
		"kind": tree.Kind().String(),
		"size": tree.Size,
	}).Debug("materialized")
	return tree.ID, dag.Bounds, nil
}

func (s *clusteringStrategy) materializeLeaf(ctx context.Context, dag *DAG) (*RevTree, error) {
	ids := dag.sortedChildren()
	nodes, err := s.dags.GetNodes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", dag.ID, err)
	}
	var features, trees []Node
	for _, id := range ids {
		n, ok := nodes[id]
		if !ok || n.Kind != dag.Children[id.Name] {
			return nil, fmt.Errorf("materialize %s: %s not resolved as %s: %w",
				dag.ID, id, dag.Children[id.Name], ErrInvariant)
		}
		if n.Kind == KindTree {
			trees = append(trees, n)
		} else {
			features = append(features, n)
		}
	}
	if uint64(len(features)) != dag.Size || uint64(len(trees)) != dag.TreeCount {
		return nil, fmt.Errorf("materialize %s: staged %d/%d entries, counted %d/%d: %w",
			dag.ID, len(features), len(trees), dag.Size, dag.TreeCount, ErrInvariant)
	}
	return NewLeafTree(features, trees)
}

func (s *clusteringStrategy) materializeBuckets(ctx context.Context, dag *DAG) (*RevTree, error) {
	children, err := s.dags.GetTrees(dag.childIDs())
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", dag.ID, err)
	}
	buckets := make([]Bucket, len(children))
	p := pool.New().WithMaxGoroutines(s.concurrency).WithContext(ctx).WithCancelOnError()
	for i, child := range children {
		i, child := i, child
		p.Go(func(ctx context.Context) error {
			id, bounds, err := s.materialize(ctx, child)
			if err != nil {
				return err
			}
			buckets[i] = Bucket{
				Index:  child.ID.Last(),
				TreeID: id,
				Count:  child.Size,
				Bounds: bounds,
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	var size, trees uint64
	for _, c := range children {
		size += c.Size
		trees += c.TreeCount
	}
	if size != dag.Size || trees != dag.TreeCount {
		return nil, fmt.Errorf("materialize %s: buckets hold %d/%d entries, counted %d/%d: %w",
			dag.ID, size, trees, dag.Size, dag.TreeCount, ErrInvariant)
	}
	return NewBucketTree(size, trees, buckets)
}
