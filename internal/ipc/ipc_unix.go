//go:build !windows

package ipc

import (
	"os"
	"path/filepath"
	"strconv"
)

func defaultPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "clipshare.sock")
	}
	return filepath.Join(os.TempDir(), "clipshare-"+strconv.Itoa(os.Getuid())+".sock")
}
