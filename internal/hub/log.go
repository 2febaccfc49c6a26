package hub

import (
	"context"
	"log/slog"

	"go.klb.dev/clipshare/internal/message"
)

// LogMessage logs a protocol message at INFO (event, peer, type) and, at
// DEBUG, a text preview up to 120 chars or the byte size for images.
func LogMessage(event, peer string, msg *message.Message) {
	slog.Info(event, "peer", peer, "type", msg.Type)

	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	switch msg.Type {
	case message.TypeText:
		slog.Debug("text message", "preview", preview(msg.Text))
	case message.TypeClipboard:
		if r := msg.Record; r != nil {
			slog.Debug("clipboard record", "id", r.ID, "kind", r.Kind, "preview", r.Preview())
		}
	}
}

func preview(s string) string {
	runes := []rune(s)
	if len(runes) > 120 {
		return string(runes[:120]) + "…"
	}
	return s
}
