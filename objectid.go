package revtree

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/minio/blake2b-simd"
)

// IDSize is the length of an ObjectID in bytes.
const IDSize = 32

// ObjectID is the blake2b-256 hash of an object's canonical encoding.
type ObjectID [IDSize]byte

// NullID denotes absence.
var NullID ObjectID

func hashEncoded(encoded []byte) ObjectID {
	return ObjectID(blake2b.Sum256(encoded))
}

// IsNull reports whether id is NullID.
func (id ObjectID) IsNull() bool {
	return id == NullID
}

// Compare orders ids byte-wise.
func (id ObjectID) Compare(o ObjectID) int {
	return bytes.Compare(id[:], o[:])
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex digits, for logs.
func (id ObjectID) Short() string {
	return hex.EncodeToString(id[:4])
}

// ParseObjectID parses the hex form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse object id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("parse object id %q: want %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}
