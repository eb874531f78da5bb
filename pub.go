package revtree

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultConcurrency bounds the goroutines materializing sibling buckets
// during Build.
var DefaultConcurrency = runtime.NumCPU()

// BuilderConfig controls how a Builder stages and writes trees.
type BuilderConfig struct {
	// Format fixes the bucketing parameters. The zero value means
	// DefaultFormat.
	Format Format

	// Store is where original trees are read from and built trees are
	// written to. Required.
	Store ObjectStore

	// Original is the tree the session starts from. NullID and EmptyTreeID
	// both mean an empty tree.
	Original ObjectID

	// DAGStore holds staging state. If nil, a heap store is created and
	// disposed of by Close; a given DAGStore is left for the caller to
	// dispose of.
	DAGStore DAGStore

	// Concurrency bounds parallel materialization; 0 means
	// DefaultConcurrency.
	Concurrency int

	// Logger receives debug traces of promotions, collapses and
	// materializations. Defaults to a logrus logger at warning level.
	Logger *logrus.Logger

	// Progress, if set, is called with the running count of trees
	// written during Build.
	Progress func(treesWritten int64)
}

// Builder stages Put and Remove operations against an original tree and
// builds the resulting canonical tree. Calls are serialized, so a Builder
// may be shared by goroutines.
type Builder struct {
	mu       sync.Mutex
	strategy *clusteringStrategy
	dags     DAGStore
	ownsDAGs bool
	closed   bool
	log      *logrus.Logger
}

// NewBuilder starts a build session.
func NewBuilder(ctx context.Context, config BuilderConfig) (*Builder, error) {
	if config.Store == nil {
		return nil, errors.New("revtree: BuilderConfig.Store is required")
	}
	format := config.Format
	if format == (Format{}) {
		format = DefaultFormat
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	log := config.Logger
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	dags := config.DAGStore
	owns := false
	if dags == nil {
		dags = NewHeapDAGStore(config.Store)
		owns = true
	}
	s, err := newClusteringStrategy(ctx, format, dags, config.Store, config.Original, log, concurrency)
	if err != nil {
		if owns {
			_ = dags.Dispose()
		}
		return nil, fmt.Errorf("new builder: %w", err)
	}
	s.progress = config.Progress
	log.WithFields(logrus.Fields{
		"format":   format.String(),
		"original": config.Original.Short(),
	}).Debug("builder started")
	return &Builder{
		strategy: s,
		dags:     dags,
		ownsDAGs: owns,
		log:      log,
	}, nil
}

// Put adds or replaces the entry named node.Name. Bounds are widened to
// float32 precision; null bounds are dropped. Bounds with a NaN coordinate
// are rejected with ErrBoundsPrecision and nothing is staged.
func (b *Builder) Put(ctx context.Context, node Node) error {
	if node.Name == "" {
		return fmt.Errorf("put: empty name: %w", ErrInvariant)
	}
	if !node.Kind.valid() {
		return fmt.Errorf("put %q: kind %s: %w", node.Name, node.Kind, ErrInvariant)
	}
	if node.Bounds != nil && node.Bounds.hasNaN() {
		return fmt.Errorf("put %q: bounds %v: %w", node.Name, *node.Bounds, ErrBoundsPrecision)
	}
	node = node.normalize()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrDisposed
	}
	return b.strategy.put(ctx, node)
}

// Remove deletes the entry with the given name, reporting whether it was
// present.
func (b *Builder) Remove(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrDisposed
	}
	return b.strategy.remove(ctx, name)
}

// Build writes every tree changed since the original, or since the last
// Build, and returns the id of the root. Building again without changes
// returns the same id without writing anything.
func (b *Builder) Build(ctx context.Context) (ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return NullID, ErrDisposed
	}
	id, err := b.strategy.build(ctx)
	if err != nil {
		return NullID, err
	}
	b.log.WithFields(logrus.Fields{
		"id":      id.Short(),
		"written": b.strategy.written.Load(),
	}).Debug("built")
	return id, nil
}

// BuildTree is Build followed by loading the root tree.
func (b *Builder) BuildTree(ctx context.Context) (*RevTree, error) {
	id, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	return b.strategy.source.Get(ctx, id)
}

// Size returns the staged number of features and child trees.
func (b *Builder) Size() (features, trees uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, 0, ErrDisposed
	}
	root, err := b.strategy.root()
	if err != nil {
		return 0, 0, err
	}
	return root.Size, root.TreeCount, nil
}

// Close ends the session, disposing of the staging store if the Builder
// created it.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsDAGs {
		return b.dags.Dispose()
	}
	return nil
}

// BuildFrom is a one-shot session: it applies puts to original and
// returns the built tree id.
func BuildFrom(ctx context.Context, store ObjectStore, original ObjectID, nodes ...Node) (ObjectID, error) {
	b, err := NewBuilder(ctx, BuilderConfig{Store: store, Original: original})
	if err != nil {
		return NullID, err
	}
	defer b.Close()
	for _, n := range nodes {
		if err := b.Put(ctx, n); err != nil {
			return NullID, err
		}
	}
	return b.Build(ctx)
}
