//go:build linux || darwin || windows

package clip

import (
	"fmt"
	"log/slog"

	"golang.design/x/clipboard"

	"go.klb.dev/clipshare/internal/record"
)

type systemBackend struct{}

// New returns the system clipboard backend, or a headless no-op backend if
// the display environment is unavailable (e.g. a headless server without X11
// or Wayland). clipboard.Init is called here rather than in init() so that
// CLI sub-commands that never touch the clipboard don't trigger the warning.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return headlessBackend{}
	}
	return systemBackend{}
}

func (systemBackend) Name() string { return "system clipboard" }

func (systemBackend) Read() (record.Kind, []byte, error) {
	if text := clipboard.Read(clipboard.FmtText); len(text) > 0 {
		return record.KindText, text, nil
	}
	if img := clipboard.Read(clipboard.FmtImage); len(img) > 0 {
		return record.KindImage, img, nil
	}
	return 0, nil, ErrEmpty
}

func (systemBackend) Write(kind record.Kind, data []byte) error {
	switch kind {
	case record.KindText:
		clipboard.Write(clipboard.FmtText, data)
	case record.KindImage:
		clipboard.Write(clipboard.FmtImage, data)
	default:
		return fmt.Errorf("unsupported clipboard kind: %s", kind)
	}
	return nil
}

func (systemBackend) Close() {}
