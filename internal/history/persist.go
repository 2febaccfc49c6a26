package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.klb.dev/clipshare/internal/store"
)

// Persist saves the full history together with the last outbound peer.
func (s *Store) Persist(ctx context.Context, p store.Persister, peer *store.Endpoint) error {
	doc := store.NewDocument(s.List(), peer)
	if err := p.Save(ctx, doc); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	slog.Debug("history persisted", "records", len(doc.Records))
	return nil
}

// Restore replaces the history with what p holds and returns the saved peer
// endpoint. A missing store leaves the history empty; a corrupt one does
// too, with a warning. Only I/O failures are returned.
func (s *Store) Restore(ctx context.Context, p store.Persister) (*store.Endpoint, error) {
	doc, err := p.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotExist):
		s.Replace(nil)
		return nil, nil
	case errors.Is(err, store.ErrCorrupt):
		slog.Warn("saved history is unreadable, starting empty", "err", err)
		s.Replace(nil)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("restore history: %w", err)
	}

	kept, invalid := s.replace(doc.Records)
	if invalid > 0 {
		slog.Warn("skipped invalid saved records", "skipped", invalid)
	}
	if trimmed := len(doc.Records) - invalid - kept; trimmed > 0 {
		slog.Info("saved history trimmed to size limit", "dropped", trimmed, "limit", s.max)
	}
	slog.Info("history restored", "records", kept, "saved_at", doc.SavedAt)
	return doc.Peer, nil
}
