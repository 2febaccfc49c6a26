package engine

import (
	"context"
	"errors"

	"go.klb.dev/clipshare/internal/events"
	"go.klb.dev/clipshare/internal/history"
	"go.klb.dev/clipshare/internal/message"
	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/record"
	"go.klb.dev/clipshare/internal/store"
)

// Connect dials a peer and replaces any previous outbound link. On success
// the endpoint is remembered for persistence and, with ShareOnConnect,
// sharing starts.
func (e *Engine) Connect(ctx context.Context, address string, port int) (peerlink.Info, error) {
	if e.isClosed() {
		return peerlink.Info{}, ErrClosed
	}
	e.stopRedial()
	info, err := e.link.Connect(ctx, address, port)
	if err != nil {
		return info, err
	}
	e.connected(store.Endpoint{Address: address, Port: port})
	return info, nil
}

func (e *Engine) connected(ep store.Endpoint) {
	e.mu.Lock()
	e.peer = &ep
	e.mu.Unlock()
	if e.cfg.ShareOnConnect {
		e.SetSharing(true)
	}
}

// StartListening accepts peers on port; 0 selects Config.ListenPort.
func (e *Engine) StartListening(port int) error {
	if port == 0 {
		port = e.cfg.ListenPort
	}
	return e.link.Listen(port)
}

// ListenPort returns the configured default listen port.
func (e *Engine) ListenPort() int { return e.cfg.ListenPort }

// Disconnect closes the outbound link and stops reconnecting.
func (e *Engine) Disconnect() error {
	stopped := e.stopRedial()
	err := e.link.Disconnect()
	if stopped && errors.Is(err, peerlink.ErrNotConnected) {
		return nil
	}
	return err
}

// StopListening closes the listener and every accepted connection.
func (e *Engine) StopListening() error { return e.link.StopListening() }

// Connections returns every known connection.
func (e *Engine) Connections() []peerlink.Info { return e.link.Connections() }

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// onLocalChange runs on the monitor goroutine; Send only enqueues.
func (e *Engine) onLocalChange(rec record.Record) {
	e.share(rec)
}

func (e *Engine) share(rec record.Record) {
	err := e.link.Send(message.NewClipboard(rec))
	switch {
	case errors.Is(err, peerlink.ErrNotConnected):
		e.log.Debug("no peer to share with", "id", rec.ID)
	case err != nil:
		e.log.Warn("share incomplete", "id", rec.ID, "err", err)
	default:
		e.log.Debug("record shared", "id", rec.ID, "kind", rec.Kind)
	}
}

// onReceive runs on the reader goroutine of the connection msg came from.
func (e *Engine) onReceive(from peerlink.Info, msg *message.Message) {
	peer := from.PeerSource
	if peer == "" {
		peer = from.RemoteAddr
	}
	switch msg.Type {
	case message.TypeText:
		e.appendMessage(Message{Text: msg.Text, Peer: peer, At: e.clk.Now().UTC()})
		e.bridge.Emit(events.MessageReceived, msg.Text)
	case message.TypeClipboard:
		e.receiveRecord(peer, *msg.Record)
	default:
		e.log.Debug("ignoring message", "type", msg.Type, "peer", peer)
	}
}

func (e *Engine) receiveRecord(peer string, rec record.Record) {
	if rec.ID == "" {
		rec.ID = record.DerivedID(rec.Kind, rec.Payload, rec.CreatedAt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.clk.Now().UTC()
	}

	if _, err := e.hist.Insert(rec); err != nil {
		if errors.Is(err, history.ErrDuplicateID) {
			e.log.Debug("duplicate record dropped", "id", rec.ID, "peer", peer)
		} else {
			e.log.Warn("received record rejected", "id", rec.ID, "peer", peer, "err", err)
		}
		return
	}
	e.log.Info("record received", "id", rec.ID, "kind", rec.Kind, "peer", peer)

	if e.cfg.WriteBack && e.Sharing() {
		if err := e.mon.WriteBack(e.ctx, rec); err != nil {
			e.log.Warn("write-back failed", "id", rec.ID, "err", err)
		}
	}
	e.bridge.Emit(events.ClipboardReceived, rec.View())
}

// onStateChange may run on a connection goroutine, so anything that waits
// on a connection is started in its own goroutine.
func (e *Engine) onStateChange(info peerlink.Info) {
	e.bridge.Emit(events.ConnectionChanged, info)

	if !e.cfg.Reconnect || info.Role != peerlink.RoleOutbound ||
		info.State != peerlink.StateFailed || info.ConnectedAt.IsZero() {
		return
	}
	ep, ok := e.LastPeer()
	if !ok {
		return
	}
	e.startRedial(ep)
}

func (e *Engine) onFatal(err error) {
	e.bridge.Emit(events.FatalError, err.Error())
}
