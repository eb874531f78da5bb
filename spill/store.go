// Package spill provides a revtree.DAGStore that keeps staging state in a
// badger database, for build sessions too large to stage on the heap.
package spill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/jrhy/revtree"
)

const (
	treePrefix = "t/"
	nodePrefix = "n/"
)

// Options controls where and how staging state is spilled.
type Options struct {
	// Dir holds the database. If empty, a temporary directory is created
	// and removed by Dispose.
	Dir string
	// InMemory keeps the database in memory; Dir is ignored.
	InMemory bool
	// SyncWrites fsyncs every write. Staging state is disposable, so this
	// is rarely wanted.
	SyncWrites bool
	// Logger receives badger's logs and open/close events. Defaults to a
	// logrus logger at warning level.
	Logger *logrus.Logger
}

// DAGStore is a revtree.DAGStore backed by badger. Values are CBOR
// records keyed by t/<tree id> and n/<name>.
type DAGStore struct {
	db       *badger.DB
	source   revtree.ObjectStore
	dir      string
	ownsDir  bool
	log      *logrus.Logger
	createMu sync.Mutex
	disposed atomic.Bool
}

var _ revtree.DAGStore = (*DAGStore)(nil)

// NewDAGStore opens a spill store resolving lazily staged entries from
// source.
func NewDAGStore(source revtree.ObjectStore, options Options) (*DAGStore, error) {
	log := options.Logger
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	s := &DAGStore{source: source, log: log}
	var opts badger.Options
	if options.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		s.dir = options.Dir
		if s.dir == "" {
			dir, err := os.MkdirTemp("", "revtree-spill-")
			if err != nil {
				return nil, fmt.Errorf("spill dir: %w", err)
			}
			s.dir = dir
			s.ownsDir = true
		}
		opts = badger.DefaultOptions(s.dir)
	}
	opts = opts.WithSyncWrites(options.SyncWrites).WithLogger(log)
	db, err := badger.Open(opts)
	if err != nil {
		if s.ownsDir {
			_ = os.RemoveAll(s.dir)
		}
		return nil, fmt.Errorf("open spill store: %w", err)
	}
	s.db = db
	log.WithFields(logrus.Fields{
		"dir":      s.dir,
		"inMemory": options.InMemory,
	}).Info("spill store opened")
	return s, nil
}

func treeKey(id revtree.TreeID) []byte {
	return append([]byte(treePrefix), id...)
}

func nodeKey(id revtree.NodeID) []byte {
	return append([]byte(nodePrefix), id.Name...)
}

func (s *DAGStore) GetOrCreateTree(id revtree.TreeID, original revtree.ObjectID) (*revtree.DAG, error) {
	if s.disposed.Load() {
		return nil, revtree.ErrDisposed
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	var dag *revtree.DAG
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(treeKey(id))
		if err == nil {
			return item.Value(func(val []byte) error {
				dag, err = decodeDAG(val)
				return err
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		dag = revtree.NewDAG(id, original)
		encoded, err := encodeDAG(dag)
		if err != nil {
			return err
		}
		return txn.Set(treeKey(id), encoded)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("DAG %s[%s] created concurrently: %w", id, original.Short(), revtree.ErrInvariant)
	}
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", id, err)
	}
	return dag, nil
}

func (s *DAGStore) GetTrees(ids []revtree.TreeID) ([]*revtree.DAG, error) {
	if s.disposed.Load() {
		return nil, revtree.ErrDisposed
	}
	res := make([]*revtree.DAG, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, id := range ids {
			item, err := txn.Get(treeKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("tree %s: %w", id, revtree.ErrNotFound)
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				res[i], err = decodeDAG(val)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *DAGStore) GetNodes(ctx context.Context, ids []revtree.NodeID) (map[revtree.NodeID]revtree.Node, error) {
	if s.disposed.Load() {
		return nil, revtree.ErrDisposed
	}
	staged := make(map[revtree.NodeID]revtree.DAGNode, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(nodeKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("node %s not staged: %w", id, revtree.ErrInvariant)
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				dn, err := decodeNode(id.Name, val)
				if err != nil {
					return err
				}
				staged[id] = dn
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revtree.ResolveNodes(ctx, s.source, staged)
}

func (s *DAGStore) SaveNode(id revtree.NodeID, n revtree.Node) error {
	return s.SaveNodes(map[revtree.NodeID]revtree.DAGNode{id: revtree.ResolvedNode(n)})
}

func (s *DAGStore) SaveNodes(nodes map[revtree.NodeID]revtree.DAGNode) error {
	if s.disposed.Load() {
		return revtree.ErrDisposed
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, dn := range nodes {
		encoded, err := encodeNode(dn)
		if err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
		if err := wb.Set(nodeKey(id), encoded); err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
	}
	return wb.Flush()
}

func (s *DAGStore) Save(dags map[revtree.TreeID]*revtree.DAG) error {
	if s.disposed.Load() {
		return revtree.ErrDisposed
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, dag := range dags {
		encoded, err := encodeDAG(dag)
		if err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
		if err := wb.Set(treeKey(id), encoded); err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
	}
	return wb.Flush()
}

// NodeCount counts staged entries by iterating over their keys.
func (s *DAGStore) NodeCount() int64 {
	if s.disposed.Load() {
		return 0
	}
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(nodePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("counting staged nodes")
	}
	return n
}

// Dispose closes the database and removes its directory if NewDAGStore
// created it.
func (s *DAGStore) Dispose() error {
	if s.disposed.Swap(true) {
		return nil
	}
	err := s.db.Close()
	if s.ownsDir {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	s.log.WithField("dir", s.dir).Info("spill store disposed")
	if err != nil {
		return fmt.Errorf("dispose spill store: %w", err)
	}
	return nil
}

func (s *DAGStore) Close() error {
	return s.Dispose()
}
