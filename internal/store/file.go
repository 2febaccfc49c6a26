package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// FileName is the history file inside the data directory.
const FileName = "history.cbor.zst"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoders and decoders are safe for concurrent use.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: the same history always produces the
	// same bytes. Times are tagged RFC 3339 strings so nanoseconds survive.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TimeTag = cbor.EncTagRequired
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

var _ Persister = (*FileStore)(nil)

// FileStore keeps the Document in a single compressed CBOR file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates dir if needed and returns a store writing
// dir/history.cbor.zst.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, FileName)}, nil
}

// Path returns the file the store writes.
func (s *FileStore) Path() string { return s.path }

// Save encodes doc and atomically replaces the file: write a temp file in
// the same directory, fsync it, rename it over the target.
func (s *FileStore) Save(_ context.Context, doc *Document) error {
	raw, err := encMode.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Load reads and decodes the file.
func (s *FileStore) Load(_ context.Context) (*Document, error) {
	s.mu.Lock()
	compressed, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	var doc Document
	if err := decMode.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrCorrupt, err)
	}
	if doc.Version > FormatVersion {
		return nil, fmt.Errorf("%w: format version %d is newer than %d", ErrCorrupt, doc.Version, FormatVersion)
	}
	return &doc, nil
}

// Close is a no-op; the file is not held open between calls.
func (s *FileStore) Close() error { return nil }
