//go:build !darwin && !windows && !linux

package clip

// New returns a no-op backend; no system clipboard is supported here.
func New() Backend { return headlessBackend{} }
