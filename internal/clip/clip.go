// Package clip provides a unified interface to the OS clipboard. Build
// constraints select the implementation:
//
//	clip_system.go  Linux, macOS and Windows via golang.design/x/clipboard
//	clip_other.go   headless stub for every other platform
//	memory.go       in-process clipboard for tests and --clipboard=memory
package clip

import (
	"errors"
	"fmt"

	"go.klb.dev/clipshare/internal/record"
)

var (
	// ErrEmpty means the clipboard holds nothing clipshare can represent:
	// it is empty or only holds unsupported formats.
	ErrEmpty = errors.New("clipboard is empty")
	// ErrUnavailable means the backend cannot reach a clipboard at all.
	ErrUnavailable = errors.New("clipboard unavailable")
)

// Backend is the interface all clipboard implementations satisfy. Read and
// Write may block on the OS; callers bound them with their own timeout.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Read returns the current clipboard contents. Text wins over an image
	// when both are present. Returns ErrEmpty when there is nothing to read.
	Read() (record.Kind, []byte, error)

	// Write replaces the clipboard contents.
	Write(kind record.Kind, data []byte) error

	// Close releases any resources held by the backend.
	Close()
}

// Open returns the backend named by kind: "system" (the default) or
// "memory".
func Open(kind string) (Backend, error) {
	switch kind {
	case "", "system":
		return New(), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown clipboard backend %q", kind)
	}
}

// headlessBackend is a no-op backend for environments without a display
// server (headless Linux servers, containers, etc.). Reads are always empty
// and writes fail with ErrUnavailable.
type headlessBackend struct{}

func (headlessBackend) Name() string                       { return "headless (no-op)" }
func (headlessBackend) Read() (record.Kind, []byte, error) { return 0, nil, ErrEmpty }
func (headlessBackend) Write(record.Kind, []byte) error    { return ErrUnavailable }
func (headlessBackend) Close()                             {}
