package peerlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/clipshare/internal/message"
	"go.klb.dev/clipshare/internal/wire"
)

// Conn is one peer connection. Sends go through a FIFO queue drained by a
// single writer goroutine; one reader goroutine delivers inbound messages in
// order; a ping goroutine keeps the link alive.
type Conn struct {
	id   string
	role Role
	wc   *wire.Conn
	m    *Manager
	cfg  Config
	log  *slog.Logger

	sendCh     chan []byte
	alive      chan struct{}
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	closeOnce sync.Once
	endOnce   sync.Once
	local     atomic.Bool
	lastSeen  atomic.Int64 // UnixNano

	mu   sync.RWMutex
	info Info
}

func newConn(m *Manager, nc net.Conn, role Role) *Conn {
	remote := nc.RemoteAddr().String()
	id := string(role) + "/" + remote
	c := &Conn{
		id:         id,
		role:       role,
		wc:         wire.New(nc, m.cfg.WriteTimeout),
		m:          m,
		cfg:        m.cfg,
		log:        slog.With("component", "peerlink", "peer", id),
		sendCh:     make(chan []byte, m.cfg.QueueSize),
		alive:      make(chan struct{}, 1),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		info: Info{
			ID:         id,
			Role:       role,
			RemoteAddr: remote,
			State:      StateConnecting,
		},
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.writeLoop()
	}()
	return c
}

func (c *Conn) ID() string { return c.id }

// Info returns a snapshot of the connection.
func (c *Conn) Info() Info {
	c.mu.RLock()
	info := c.info
	c.mu.RUnlock()
	if ns := c.lastSeen.Load(); ns != 0 {
		info.LastSeen = time.Unix(0, ns).UTC()
	}
	return info
}

// Done is closed once the connection reached Failed or Closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send encodes msg and enqueues it. It never blocks: a full queue returns
// ErrQueueFull.
func (c *Conn) Send(msg *message.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting sends, flushes the queue for at most CloseGrace,
// closes the socket and waits for the reader to finish. It must not be
// called from a receive or state handler of the same connection.
func (c *Conn) Close() {
	c.local.Store(true)
	c.shutdown()
	<-c.done
}

// shutdown is the non-waiting half of Close. Safe to call more than once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closing)
		t := time.NewTimer(c.cfg.CloseGrace)
		select {
		case <-c.writerDone:
		case <-t.C:
		}
		t.Stop()
		_ = c.wc.Close()
	})
}

func (c *Conn) fail(reason string) {
	c.mu.Lock()
	if c.info.Reason == "" {
		c.info.Reason = reason
	}
	c.mu.Unlock()
}

// finish moves the connection to its terminal state exactly once.
func (c *Conn) finish() {
	c.endOnce.Do(func() {
		c.shutdown()
		c.m.hub.Unregister(c)

		c.mu.Lock()
		if c.local.Load() {
			c.info.State = StateClosed
		} else {
			c.info.State = StateFailed
			if c.info.Reason == "" {
				c.info.Reason = ReasonRead
			}
		}
		c.mu.Unlock()
		close(c.done)

		info := c.Info()
		c.log.Info("connection ended", "state", info.State, "reason", info.Reason)
		c.m.forget(c)
		c.m.notifyState(info)
	})
}

func (c *Conn) notifyAlive() {
	c.lastSeen.Store(time.Now().UnixNano())
	select {
	case c.alive <- struct{}{}:
	default:
	}
}

type handshakeError struct {
	reason string
	err    error
}

func (e *handshakeError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

// handshake exchanges Hello frames. The outbound side speaks first; the
// listener answers even on a version mismatch so the dialer learns why.
func (c *Conn) handshake(ctx context.Context) error {
	nc := c.wc.Underlying()
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = nc.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = nc.SetReadDeadline(time.Now()) })

	hello := message.NewHello(c.cfg.Source)
	err := func() error {
		if c.role == RoleOutbound {
			if err := c.wc.WriteMsg(hello); err != nil {
				return &handshakeError{ReasonHandshake, err}
			}
		}
		msg, err := c.wc.ReadMsg()
		if err != nil {
			return &handshakeError{ReasonHandshake, err}
		}
		if msg.Type != message.TypeHello {
			return &handshakeError{ReasonHandshake, fmt.Errorf("expected %s, got %s", message.TypeHello, msg.Type)}
		}
		if c.role == RoleListener {
			if err := c.wc.WriteMsg(hello); err != nil {
				return &handshakeError{ReasonHandshake, err}
			}
		}
		if msg.Hello.Version != message.ProtocolVersion {
			return &handshakeError{ReasonVersion,
				fmt.Errorf("peer speaks protocol %d, want %d", msg.Hello.Version, message.ProtocolVersion)}
		}
		c.mu.Lock()
		c.info.PeerSource = msg.Hello.Source
		c.mu.Unlock()
		return nil
	}()

	if !stop() && err == nil {
		err = &handshakeError{ReasonCanceled, ctx.Err()}
	}
	if err != nil && ctx.Err() != nil {
		err = &handshakeError{ReasonCanceled, ctx.Err()}
	}
	_ = nc.SetReadDeadline(time.Time{})
	return err
}

// run registers the connection as Connected, starts the ping loop and reads
// until the connection ends. started, if non-nil, is closed once the
// connection is Connected.
func (c *Conn) run(started chan<- struct{}) {
	now := time.Now().UTC()
	c.lastSeen.Store(now.UnixNano())
	c.mu.Lock()
	c.info.State = StateConnected
	c.info.ConnectedAt = now
	c.mu.Unlock()

	c.m.hub.Register(c)
	info := c.Info()
	c.log.Info("connected", "source", info.PeerSource)
	c.m.notifyState(info)
	if started != nil {
		close(started)
	}

	c.m.wg.Add(1)
	go func() {
		defer c.m.wg.Done()
		c.pingLoop()
	}()

	c.readLoop()
	c.finish()
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.wc.ReadMsg()
		if err != nil {
			var de *wire.DecodeError
			if errors.As(err, &de) {
				c.log.Warn("dropping malformed frame", "err", err)
				c.notifyAlive()
				continue
			}
			switch {
			case c.local.Load():
			case errors.Is(err, wire.ErrDesync):
				c.log.Warn("stream desynchronized, closing", "err", err)
				c.fail(ReasonDesync)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.log.Info("connection closed by peer")
				c.fail(ReasonRead)
			default:
				c.log.Info("read failed", "err", err)
				c.fail(ReasonRead)
			}
			return
		}

		c.notifyAlive()

		switch msg.Type {
		case message.TypePing:
			if err := c.Send(message.NewPong()); err != nil {
				c.log.Warn("pong not sent", "err", err)
			}
		case message.TypePong:
			// handled by notifyAlive
		case message.TypeHello:
			c.log.Warn("unexpected hello after handshake")
		default:
			c.m.deliver(c.Info(), msg)
		}
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.wc.WriteFrame(frame); err != nil {
				if !c.local.Load() {
					c.log.Warn("write failed", "err", err)
					c.fail(ReasonWrite)
				}
				_ = c.wc.Close()
				return
			}
		case <-c.closing:
			c.drain()
			return
		}
	}
}

// drain writes whatever is still queued, giving up at CloseGrace.
func (c *Conn) drain() {
	deadline := time.Now().Add(c.cfg.CloseGrace)
	for {
		select {
		case frame := <-c.sendCh:
			if time.Now().After(deadline) {
				return
			}
			if err := c.wc.WriteFrameBy(frame, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	clk := c.m.clk
	t := clk.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-t.C:
		}

		select {
		case <-c.alive:
		default:
		}
		if err := c.Send(message.NewPing()); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.log.Debug("ping not queued", "err", err)
		}

		select {
		case <-c.alive:
		case <-c.closing:
			return
		case <-clk.After(c.cfg.PongTimeout):
			c.log.Warn("keepalive timeout, closing")
			c.fail(ReasonKeepalive)
			c.shutdown()
			return
		}
	}
}
