// Package ipc locates and opens the local control socket. The daemon serves
// the Control service on it without a token; access is limited by the
// socket's file mode.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SocketPath returns $CLIPSHARE_SOCKET, or the per-user default location.
func SocketPath() string {
	if s := os.Getenv("CLIPSHARE_SOCKET"); s != "" {
		return s
	}
	return defaultPath()
}

// Target is the gRPC dial target for path.
func Target(path string) string { return "unix://" + path }

// IsRunning reports whether something accepts connections on path.
func IsRunning(path string) bool {
	c, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen opens the socket at path, owner-only. A stale socket left by a
// crashed daemon is removed; a live one is an error.
func Listen(path string) (net.Listener, error) {
	if IsRunning(path) {
		return nil, fmt.Errorf("control socket %s: another daemon is running", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("control socket %s: %w", path, err)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("control socket %s: %w", path, err)
	}
	return ln, nil
}
