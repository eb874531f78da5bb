package revtree

import "errors"

var (
	// ErrNotFound is returned when an object or staged tree is unknown.
	ErrNotFound = errors.New("revtree: not found")
	// ErrInvariant signals corrupted staging state or a sequencing bug in
	// the caller. It is never retried.
	ErrInvariant = errors.New("revtree: invariant violation")
	// ErrBoundsPrecision is returned when an envelope can't be represented
	// in the float32 bounds encoding.
	ErrBoundsPrecision = errors.New("revtree: envelope is not float32 representable")
	// ErrCorrupt is returned for undecodable or mis-hashed tree bytes.
	ErrCorrupt = errors.New("revtree: corrupt object")
	// ErrDisposed is returned by a DAGStore after Dispose.
	ErrDisposed = errors.New("revtree: dag store disposed")
)
