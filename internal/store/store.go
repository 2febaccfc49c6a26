// Package store persists the clipboard history and the last peer endpoint.
//
// Two persisters are provided: FileStore (CBOR, zstd compressed, replaced
// atomically on every save) and SQLiteStore. Both satisfy Persister.
package store

import (
	"context"
	"errors"
	"time"

	"go.klb.dev/clipshare/internal/record"
)

// FormatVersion is written into every Document.
const FormatVersion = 1

var (
	// ErrNotExist means nothing has been saved yet.
	ErrNotExist = errors.New("store: no saved data")
	// ErrCorrupt means saved data exists but cannot be decoded.
	ErrCorrupt = errors.New("store: saved data is corrupt")
)

// Endpoint is the last outbound peer, restored so the UI can prefill it.
type Endpoint struct {
	Address string `cbor:"address" json:"address"`
	Port    int    `cbor:"port" json:"port"`
}

// Document is the unit of persistence. Records are most-recent-first.
type Document struct {
	Version int             `cbor:"version"`
	Records []record.Record `cbor:"records"`
	Peer    *Endpoint       `cbor:"peer,omitempty"`
	SavedAt time.Time       `cbor:"saved_at"`
}

// Persister saves and loads a Document.
type Persister interface {
	// Save replaces whatever was stored before. A failed Save leaves the
	// previous content intact.
	Save(ctx context.Context, doc *Document) error
	// Load returns ErrNotExist when nothing was saved and an error wrapping
	// ErrCorrupt when the stored bytes cannot be decoded.
	Load(ctx context.Context) (*Document, error)
	Close() error
}

// NewDocument builds a Document around records and peer, stamped now.
func NewDocument(records []record.Record, peer *Endpoint) *Document {
	return &Document{
		Version: FormatVersion,
		Records: records,
		Peer:    peer,
		SavedAt: time.Now().UTC(),
	}
}
