// Package hub keeps the set of connected peers and fans messages out to
// them. It is transport-agnostic: the peer link registers a connection once
// its handshake completes and unregisters it when it ends.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.klb.dev/clipshare/internal/message"
)

// Peer is anything that can be sent protocol messages.
type Peer interface {
	ID() string
	// Send enqueues msg for delivery. Must be non-blocking.
	Send(msg *message.Message) error
}

// Hub routes outgoing messages to every registered peer.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{peers: make(map[string]Peer)}
}

// Register adds a peer. A peer with the same id is replaced.
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	total := len(h.peers)
	h.mu.Unlock()

	slog.Info("peer registered", "peer", p.ID(), "total", total)
}

// Unregister removes a peer. Only the exact registered instance is removed,
// so a late Unregister from a replaced peer is harmless.
func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	cur, ok := h.peers[p.ID()]
	if !ok || cur != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.ID())
	total := len(h.peers)
	h.mu.Unlock()

	slog.Info("peer unregistered", "peer", p.ID(), "total", total)
}

// Len returns the number of registered peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Peers returns a snapshot of the registered peers ordered by id.
func (h *Hub) Peers() []Peer {
	h.mu.RLock()
	out := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Broadcast sends msg to every registered peer and returns how many peers
// accepted it. Per-peer failures are joined into the returned error; a
// failure on one peer never prevents delivery to the others.
func (h *Hub) Broadcast(msg *message.Message) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, p := range h.Peers() {
		if err := p.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID(), err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
