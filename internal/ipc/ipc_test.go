package ipc

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestSocketPathOverride(t *testing.T) {
	t.Setenv("CLIPSHARE_SOCKET", "/tmp/x.sock")
	if got := SocketPath(); got != "/tmp/x.sock" {
		t.Fatalf("SocketPath = %q", got)
	}
	if got := Target(SocketPath()); got != "unix:///tmp/x.sock" {
		t.Fatalf("Target = %q", got)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(shortDir(t), "s.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if !IsRunning(path) {
		t.Fatal("IsRunning = false with a live listener")
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", fi.Mode().Perm())
	}
	if _, err := Listen(path); err == nil {
		t.Fatal("second Listen on a live socket succeeded")
	}
}

func TestIsRunningWithoutSocket(t *testing.T) {
	if IsRunning(filepath.Join(shortDir(t), "none.sock")) {
		t.Fatal("IsRunning = true for a missing socket")
	}
}
