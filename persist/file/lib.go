package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"

	"github.com/jrhy/revtree"
)

const (
	headerRaw  = 0
	headerZstd = 1

	// minCompressSize is the smallest object worth compressing.
	minCompressSize = 128
)

// Options controls how objects are written. Objects written with any
// options can be read back with any others.
type Options struct {
	// Compress enables zstd compression of stored objects.
	Compress bool
	// Level is 1 (fastest), 2 (default) or 3 (better compression).
	Level int
}

// Persist implements the revtree.Persist interface for storing and loading
// encoded trees from files. Names are sharded git-style, so object
// "98ea6e..." lives at "98/ea6e...".
type Persist struct {
	basepath string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewPersistForPath returns a Persist that loads and stores trees as
// files under the directory at the given path.
//
//	p, err := NewPersistForPath("/var/db/trees", Options{Compress: true})
//	blob, err := p.Load(ctx, "98ea6e4f216f2fb4b69fff9b3a44842c38686ca685f3f55dc48c5d3fb1107be4")
func NewPersistForPath(path string, options Options) (*Persist, error) {
	p := &Persist{basepath: path}
	var err error
	if options.Compress {
		level := zstd.SpeedDefault
		switch options.Level {
		case 1:
			level = zstd.SpeedFastest
		case 3:
			level = zstd.SpeedBetterCompression
		}
		p.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
	}
	p.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return p, nil
}

func (p *Persist) path(name string) string {
	if len(name) <= 2 {
		return filepath.Join(p.basepath, name)
	}
	return filepath.Join(p.basepath, name[:2], name[2:])
}

// Load loads the bytes persisted in the named file.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("file %s: %w", name, revtree.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("file %s: empty: %w", name, revtree.ErrCorrupt)
	}
	switch b[0] {
	case headerRaw:
		return b[1:], nil
	case headerZstd:
		decoded, err := p.decoder.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("file %s: %v: %w", name, err, revtree.ErrCorrupt)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("file %s: header %d: %w", name, b[0], revtree.ErrCorrupt)
}

// Store persists the given bytes in a file of the given name, if it
// doesn't exist already. The file appears atomically.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	exists, err := p.Exists(ctx, name)
	if err != nil || exists {
		return err
	}
	path := p.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, p.frame(b), 0o644)
}

func (p *Persist) frame(b []byte) []byte {
	if p.encoder != nil && len(b) >= minCompressSize {
		compressed := p.encoder.EncodeAll(b, []byte{headerZstd})
		if len(compressed) < len(b)+1 {
			return compressed
		}
	}
	return append([]byte{headerRaw}, b...)
}

// Exists reports whether the named file is stored.
func (p *Persist) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
