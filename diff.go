package revtree

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var errStop = errors.New("stop")

// walkItemStack holds trees still to be visited by Walk, so deep trees
// don't recurse.
type walkItemStack []ObjectID

func (s *walkItemStack) push(id ObjectID) {
	*s = append(*s, id)
}

func (s *walkItemStack) pop() (ObjectID, bool) {
	if len(*s) == 0 {
		return NullID, false
	}
	id := (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return id, true
}

// Walk invokes f for every feature and tree node under id. Within a leaf,
// features come before trees, each in name order; buckets are visited in
// index order. Names are therefore not globally ordered.
func Walk(ctx context.Context, store ObjectStore, id ObjectID, f func(Node) error) error {
	stack := walkItemStack{id}
	for {
		next, ok := stack.pop()
		if !ok {
			return nil
		}
		tree, err := store.Get(ctx, next)
		if err != nil {
			return fmt.Errorf("walk: %w", err)
		}
		if tree.Kind() == BucketTree {
			for i := len(tree.Buckets) - 1; i >= 0; i-- {
				stack.push(tree.Buckets[i].TreeID)
			}
			continue
		}
		for _, n := range tree.Features {
			if err := f(n); err != nil {
				return err
			}
		}
		for _, n := range tree.Trees {
			if err := f(n); err != nil {
				return err
			}
		}
	}
}

// CountNodes walks the tree under id and counts its features and tree
// nodes, which must agree with the root's Size and ChildTreeCount.
func CountNodes(ctx context.Context, store ObjectStore, id ObjectID) (features, trees uint64, err error) {
	err = Walk(ctx, store, id, func(n Node) error {
		if n.Kind == KindTree {
			trees++
		} else {
			features++
		}
		return nil
	})
	return features, trees, err
}

// DiffFunc is called for every entry that differs between two trees.
// added==removed==false signifies an entry whose node changed.
type DiffFunc func(added, removed bool, oldNode, newNode *Node) (keepGoing bool, err error)

// Diff invokes f for every entry that is different between the trees
// oldID and newID. Subtrees with equal ids are skipped without loading.
// Iteration stops if f returns keepGoing==false or an error.
func Diff(ctx context.Context, store ObjectStore, oldID, newID ObjectID, f DiffFunc) error {
	if oldID.IsNull() {
		oldID = EmptyTreeID
	}
	if newID.IsNull() {
		newID = EmptyTreeID
	}
	err := diffTrees(ctx, store, oldID, newID, f)
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func diffTrees(ctx context.Context, store ObjectStore, oldID, newID ObjectID, f DiffFunc) error {
	if oldID == newID {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	oldTree, err := store.Get(ctx, oldID)
	if err != nil {
		return fmt.Errorf("diff: load old: %w", err)
	}
	newTree, err := store.Get(ctx, newID)
	if err != nil {
		return fmt.Errorf("diff: load new: %w", err)
	}
	if oldTree.Kind() == BucketTree && newTree.Kind() == BucketTree {
		// Both were bucketed at the same depth, so bucket i holds the same
		// names on either side.
		var oldBuckets, newBuckets [256]ObjectID
		for i := range oldBuckets {
			oldBuckets[i] = EmptyTreeID
			newBuckets[i] = EmptyTreeID
		}
		for _, b := range oldTree.Buckets {
			oldBuckets[b.Index] = b.TreeID
		}
		for _, b := range newTree.Buckets {
			newBuckets[b.Index] = b.TreeID
		}
		for i := range oldBuckets {
			if err := diffTrees(ctx, store, oldBuckets[i], newBuckets[i], f); err != nil {
				return err
			}
		}
		return nil
	}
	oldNodes, err := sortedEntries(ctx, store, oldTree.ID)
	if err != nil {
		return err
	}
	newNodes, err := sortedEntries(ctx, store, newTree.ID)
	if err != nil {
		return err
	}
	return mergeDiff(oldNodes, newNodes, f)
}

func sortedEntries(ctx context.Context, store ObjectStore, id ObjectID) ([]Node, error) {
	var nodes []Node
	err := Walk(ctx, store, id, func(n Node) error {
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

func mergeDiff(oldNodes, newNodes []Node, f DiffFunc) error {
	call := func(added, removed bool, o, n *Node) error {
		keepGoing, err := f(added, removed, o, n)
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		if !keepGoing {
			return errStop
		}
		return nil
	}
	i, j := 0, 0
	for i < len(oldNodes) || j < len(newNodes) {
		var err error
		switch {
		case j == len(newNodes) || (i < len(oldNodes) && oldNodes[i].Name < newNodes[j].Name):
			err = call(false, true, &oldNodes[i], nil)
			i++
		case i == len(oldNodes) || newNodes[j].Name < oldNodes[i].Name:
			err = call(true, false, nil, &newNodes[j])
			j++
		default:
			if !oldNodes[i].Equal(newNodes[j]) {
				err = call(false, false, &oldNodes[i], &newNodes[j])
			}
			i++
			j++
		}
		if err != nil {
			return err
		}
	}
	return nil
}
