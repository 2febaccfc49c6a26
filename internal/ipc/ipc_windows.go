//go:build windows

package ipc

import (
	"os"
	"path/filepath"
)

// Windows 10 and later support AF_UNIX sockets on NTFS paths.
func defaultPath() string {
	if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
		return filepath.Join(dir, "clipshare", "clipshare.sock")
	}
	return filepath.Join(os.TempDir(), "clipshare.sock")
}
