package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.klb.dev/clipshare/internal/clock"
	"go.klb.dev/clipshare/internal/hub"
	"go.klb.dev/clipshare/internal/message"
)

// ReceiveFunc handles one inbound message. It runs on the connection's
// reader goroutine, so messages from one peer arrive in order.
type ReceiveFunc func(from Info, msg *message.Message)

// StateFunc is notified on every state transition. It may run on a
// connection goroutine and must not call Close on that connection.
type StateFunc func(Info)

// Manager owns the outbound connection, the listener and every accepted
// connection.
type Manager struct {
	cfg Config
	clk clock.Clock
	hub *hub.Hub
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	outbound   *Conn
	pending    *Info // outbound dial in progress or failed before a Conn existed
	dialCancel context.CancelFunc
	dialSeq    uint64
	ln         net.Listener
	lnPort     int
	accepted   map[*Conn]struct{}
	closed     bool

	cbMu    sync.RWMutex
	onRecv  ReceiveFunc
	onState StateFunc
	onFatal func(error)
}

// NewManager returns an idle manager. clk drives keepalives; nil selects
// the real clock.
func NewManager(cfg Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		clk:      clk,
		hub:      hub.New(),
		log:      slog.With("component", "peerlink"),
		ctx:      ctx,
		cancel:   cancel,
		accepted: make(map[*Conn]struct{}),
	}
}

// OnReceive sets the inbound message handler.
func (m *Manager) OnReceive(fn ReceiveFunc) {
	m.cbMu.Lock()
	m.onRecv = fn
	m.cbMu.Unlock()
}

// OnStateChange sets the state transition handler.
func (m *Manager) OnStateChange(fn StateFunc) {
	m.cbMu.Lock()
	m.onState = fn
	m.cbMu.Unlock()
}

// OnFatal sets the handler for errors that need operator attention, such
// as ErrResourceExhausted. The manager keeps running.
func (m *Manager) OnFatal(fn func(error)) {
	m.cbMu.Lock()
	m.onFatal = fn
	m.cbMu.Unlock()
}

func (m *Manager) deliver(from Info, msg *message.Message) {
	peer := from.PeerSource
	if peer == "" {
		peer = from.RemoteAddr
	}
	hub.LogMessage("message received", peer, msg)
	m.cbMu.RLock()
	fn := m.onRecv
	m.cbMu.RUnlock()
	if fn != nil {
		fn(from, msg)
	}
}

func (m *Manager) notifyState(info Info) {
	m.cbMu.RLock()
	fn := m.onState
	m.cbMu.RUnlock()
	if fn != nil {
		fn(info)
	}
}

func (m *Manager) fatal(err error) {
	m.log.Error("fatal peer link error", "err", err)
	m.cbMu.RLock()
	fn := m.onFatal
	m.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Connect dials address:port and performs the handshake. A previous
// outbound connection is closed first. On failure the returned error is a
// *ConnectError and the connection ends in Failed.
func (m *Manager) Connect(ctx context.Context, address string, port int) (Info, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	if address == "" || port < 1 || port > 65535 {
		info := Info{ID: string(RoleOutbound) + "/" + addr, Role: RoleOutbound, RemoteAddr: addr, State: StateFailed, Reason: ReasonAddress}
		return info, &ConnectError{Addr: addr, Reason: ReasonAddress, Err: fmt.Errorf("invalid address %q", addr)}
	}

	_ = m.Disconnect()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := Info{ID: string(RoleOutbound) + "/" + addr, Role: RoleOutbound, RemoteAddr: addr, State: StateConnecting}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return pending, &ConnectError{Addr: addr, Reason: ReasonCanceled, Err: ErrClosed}
	}
	m.dialSeq++
	seq := m.dialSeq
	m.dialCancel = cancel
	m.pending = &pending
	m.mu.Unlock()

	m.log.Info("connecting", "addr", addr)
	m.notifyState(pending)

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		reason := ReasonDial
		if ctx.Err() != nil {
			reason = ReasonCanceled
		}
		return m.failPending(seq, pending, reason, err)
	}

	c := newConn(m, nc, RoleOutbound)
	m.mu.Lock()
	if m.dialSeq != seq || m.closed {
		m.mu.Unlock()
		c.local.Store(true)
		c.finish()
		return c.Info(), &ConnectError{Addr: addr, Reason: ReasonCanceled, Err: context.Canceled}
	}
	m.outbound = c
	m.pending = nil
	m.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		var he *handshakeError
		reason := ReasonHandshake
		if errors.As(err, &he) {
			reason = he.reason
		}
		c.log.Warn("handshake failed", "reason", reason, "err", err)
		c.fail(reason)
		c.finish()
		return c.Info(), &ConnectError{Addr: addr, Reason: reason, Err: err}
	}

	m.mu.Lock()
	m.dialCancel = nil
	m.mu.Unlock()

	m.wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer m.wg.Done()
		c.run(started)
	}()
	<-started
	return c.Info(), nil
}

func (m *Manager) failPending(seq uint64, pending Info, reason string, err error) (Info, error) {
	pending.Reason = reason
	pending.State = StateFailed
	if reason == ReasonCanceled {
		pending.State = StateClosed
	}
	m.mu.Lock()
	if m.dialSeq == seq {
		m.pending = &pending
		m.dialCancel = nil
	}
	m.mu.Unlock()
	m.log.Warn("connect failed", "addr", pending.RemoteAddr, "reason", reason, "err", err)
	m.notifyState(pending)
	return pending, &ConnectError{Addr: pending.RemoteAddr, Reason: reason, Err: err}
}

// Disconnect closes the outbound connection or aborts a dial in progress.
// It returns ErrNotConnected when there was nothing to close.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	c := m.outbound
	cancel := m.dialCancel
	dialing := m.pending != nil && m.pending.State == StateConnecting
	m.outbound, m.pending, m.dialCancel = nil, nil, nil
	m.dialSeq++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		if dialing {
			return nil
		}
		return ErrNotConnected
	}
	c.Close()
	return nil
}

// Listen binds port on Config.ListenHost and accepts connections in the
// background. Listening again on the same port is a no-op.
func (m *Manager) Listen(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.ln != nil {
		if port == m.lnPort {
			return nil
		}
		return fmt.Errorf("%w on port %d", ErrAlreadyListening, m.lnPort)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(m.cfg.ListenHost, strconv.Itoa(port)))
	if err != nil {
		return &BindError{Port: port, Err: err}
	}
	m.ln, m.lnPort = ln, port
	m.log.Info("listening", "addr", ln.Addr().String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(ln)
	}()
	return nil
}

// ListenAddr returns the bound listener address, or nil when not listening.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Listening reports whether a listener is bound.
func (m *Manager) Listening() bool { return m.ListenAddr() != nil }

func isResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func (m *Manager) acceptLoop(ln net.Listener) {
	const maxBackoff = time.Second
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			if isResourceExhausted(err) {
				m.fatal(fmt.Errorf("%w: %w", ErrResourceExhausted, err))
			} else {
				m.log.Warn("accept failed", "err", err, "retry_in", backoff)
			}
			select {
			case <-m.ctx.Done():
				return
			case <-m.clk.After(backoff):
			}
			continue
		}
		backoff = 0

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serveAccepted(ln, nc)
		}()
	}
}

func (m *Manager) serveAccepted(ln net.Listener, nc net.Conn) {
	c := newConn(m, nc, RoleListener)
	m.mu.Lock()
	if m.ln != ln || m.closed {
		m.mu.Unlock()
		c.local.Store(true)
		c.finish()
		return
	}
	m.accepted[c] = struct{}{}
	m.mu.Unlock()

	c.log.Info("accepted connection")
	m.notifyState(c.Info())

	if err := c.handshake(m.ctx); err != nil {
		var he *handshakeError
		reason := ReasonHandshake
		if errors.As(err, &he) {
			reason = he.reason
		}
		c.log.Warn("handshake failed", "reason", reason, "err", err)
		c.fail(reason)
		c.finish()
		return
	}
	c.run(nil)
}

// StopListening closes the listener and every accepted connection.
func (m *Manager) StopListening() error {
	m.mu.Lock()
	ln := m.ln
	m.ln, m.lnPort = nil, 0
	conns := make([]*Conn, 0, len(m.accepted))
	for c := range m.accepted {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if ln == nil {
		return ErrNotListening
	}
	err := ln.Close()
	for _, c := range conns {
		c.Close()
	}
	m.log.Info("listener stopped", "closed_connections", len(conns))
	return err
}

// ErrNotListening is returned by StopListening when no listener is bound.
var ErrNotListening = errors.New("peerlink: not listening")

func (m *Manager) forget(c *Conn) {
	m.mu.Lock()
	delete(m.accepted, c)
	m.mu.Unlock()
}

// Send delivers msg to every Connected peer. It returns ErrNotConnected when
// there is none; per-peer failures such as ErrQueueFull are joined in the
// returned error while the other peers still receive msg.
func (m *Manager) Send(msg *message.Message) error {
	if m.hub.Len() == 0 {
		return ErrNotConnected
	}
	n, err := m.hub.Broadcast(msg)
	if n == 0 && err == nil {
		return ErrNotConnected
	}
	if n > 0 {
		hub.LogMessage("message sent", strconv.Itoa(n)+" peers", msg)
	}
	if err != nil {
		m.log.Warn("send incomplete", "type", msg.Type, "delivered", n, "err", err)
	}
	return err
}

// Connected returns the number of Connected peers.
func (m *Manager) Connected() int { return m.hub.Len() }

// Connections returns a snapshot of every known connection: the outbound
// one (including a failed dial) and all accepted ones.
func (m *Manager) Connections() []Info {
	m.mu.Lock()
	var out []Info
	if m.outbound != nil {
		out = append(out, m.outbound.Info())
	} else if m.pending != nil {
		out = append(out, *m.pending)
	}
	for c := range m.accepted {
		out = append(out, c.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Outbound returns the outbound connection snapshot, if any.
func (m *Manager) Outbound() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.outbound != nil:
		return m.outbound.Info(), true
	case m.pending != nil:
		return *m.pending, true
	}
	return Info{}, false
}

// Close disconnects, stops listening and waits for every goroutine.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	_ = m.Disconnect()
	_ = m.StopListening()
	m.cancel()
	m.wg.Wait()
	return nil
}
