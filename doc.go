/*
Package revtree builds immutable, content-addressed trees of named
entries, the kind a versioned geospatial repository uses to snapshot
feature collections. Trees can be huge (tens of millions of entries)
and are stored in anything that can load and store bytes by name,
like a filesystem, KV store, or blob store.

Trees

A RevTree is either a leaf, holding at most Format.LeafThreshold nodes
sorted by name, or bucketed, holding up to Format.FanOut pointers to
child trees. Which bucket a node lands in at a given depth is a pure
function of the node's name, so a tree converges to the same shape,
and hence the same ObjectID, regardless of the order in which its
nodes were put, removed, or materialized.

Building

A Builder stages put and remove operations in a DAGStore: a mutable
arena of DAGs keyed by TreeID (the path of bucket indices from the
root) and of staged nodes keyed by NodeID. Build() then materializes
the arena bottom-up, sibling buckets in parallel, writing every new
tree into an ObjectStore and returning the root's id. Nothing is
returned until the whole graph is persisted, so a failed build never
exposes a partial tree.

Staging can live on the heap (NewHeapDAGStore) or spill to an embedded
ordered key/value store (package spill) for changesets that would not
fit in memory. Builders derived from an existing tree only expand the
subtrees that are actually touched; everything else is carried over by
id.

Inspiration

The persistence model follows Merkle Search Trees (Auvolat and Taïani,
2019): trees are named by the hash of their content, so identical
subtrees are stored once and two versions can be compared by walking
only the subtrees whose ids differ.
*/
package revtree
