package peerlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"go.klb.dev/clipshare/internal/message"
	"go.klb.dev/clipshare/internal/wire"
)

const waitFor = 5 * time.Second

type recorder struct {
	msgs   chan *message.Message
	states chan Info
}

func newRecorder(m *Manager) *recorder {
	r := &recorder{
		msgs:   make(chan *message.Message, 256),
		states: make(chan Info, 256),
	}
	m.OnReceive(func(_ Info, msg *message.Message) { r.msgs <- msg })
	m.OnStateChange(func(info Info) { r.states <- info })
	return r
}

func (r *recorder) nextMsg(t *testing.T) *message.Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

// waitState returns the first state notification matching pred.
func (r *recorder) waitState(t *testing.T, pred func(Info) bool) Info {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case info := <-r.states:
			if pred(info) {
				return info
			}
		case <-deadline:
			t.Fatal("timed out waiting for a state change")
			return Info{}
		}
	}
}

func testConfig(source string) Config {
	return Config{
		Source:           source,
		ListenHost:       "127.0.0.1",
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		CloseGrace:       500 * time.Millisecond,
	}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func listen(t *testing.T, m *Manager) int {
	t.Helper()
	if err := m.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return m.ListenAddr().(*net.TCPAddr).Port
}

func pair(t *testing.T) (server, client *Manager, srec, crec *recorder) {
	t.Helper()
	server = newManager(t, testConfig("server"))
	client = newManager(t, testConfig("client"))
	srec, crec = newRecorder(server), newRecorder(client)
	port := listen(t, server)

	info, err := client.Connect(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.State != StateConnected || info.PeerSource != "server" {
		t.Fatalf("client info = %+v", info)
	}
	srec.waitState(t, func(i Info) bool { return i.State == StateConnected })
	return server, client, srec, crec
}

func TestConnectAndExchange(t *testing.T) {
	server, client, srec, crec := pair(t)

	if err := client.Send(message.NewText("hello")); err != nil {
		t.Fatal(err)
	}
	if m := srec.nextMsg(t); m.Type != message.TypeText || m.Text != "hello" {
		t.Fatalf("server got %+v", m)
	}

	if err := server.Send(message.NewText("hi back")); err != nil {
		t.Fatal(err)
	}
	if m := crec.nextMsg(t); m.Text != "hi back" {
		t.Fatalf("client got %+v", m)
	}

	conns := server.Connections()
	if len(conns) != 1 || conns[0].Role != RoleListener || conns[0].PeerSource != "client" {
		t.Fatalf("server connections = %+v", conns)
	}
}

func TestMessagesArriveInOrder(t *testing.T) {
	_, client, srec, _ := pair(t)
	const n = 50
	for i := 0; i < n; i++ {
		if err := client.Send(message.NewText(strconv.Itoa(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if m := srec.nextMsg(t); m.Text != strconv.Itoa(i) {
			t.Fatalf("message %d = %q", i, m.Text)
		}
	}
}

func TestListenerFansOutToEveryPeer(t *testing.T) {
	server := newManager(t, testConfig("server"))
	srec := newRecorder(server)
	port := listen(t, server)

	var recs []*recorder
	for i := 0; i < 2; i++ {
		c := newManager(t, testConfig(fmt.Sprintf("client-%d", i)))
		recs = append(recs, newRecorder(c))
		if _, err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
			t.Fatal(err)
		}
		srec.waitState(t, func(i Info) bool { return i.State == StateConnected })
	}

	if err := server.Send(message.NewText("to all")); err != nil {
		t.Fatal(err)
	}
	for i, r := range recs {
		if m := r.nextMsg(t); m.Text != "to all" {
			t.Fatalf("client %d got %+v", i, m)
		}
	}
}

func TestSendNotConnected(t *testing.T) {
	m := newManager(t, testConfig("lonely"))
	if err := m.Send(message.NewText("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := newManager(t, testConfig("client"))
	info, err := m.Connect(context.Background(), "127.0.0.1", port)
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Reason != ReasonDial {
		t.Fatalf("err = %v, want ConnectError(dial)", err)
	}
	if info.State != StateFailed {
		t.Fatalf("state = %s, want Failed", info.State)
	}
	if out, ok := m.Outbound(); !ok || out.State != StateFailed {
		t.Fatalf("outbound = %+v, %v", out, ok)
	}
}

func TestConnectInvalidAddress(t *testing.T) {
	m := newManager(t, testConfig("client"))
	for _, tc := range []struct {
		addr string
		port int
	}{{"", 8080}, {"127.0.0.1", 0}, {"127.0.0.1", 70000}} {
		_, err := m.Connect(context.Background(), tc.addr, tc.port)
		var ce *ConnectError
		if !errors.As(err, &ce) || ce.Reason != ReasonAddress {
			t.Fatalf("Connect(%q, %d) err = %v", tc.addr, tc.port, err)
		}
	}
}

func TestListenTwice(t *testing.T) {
	m := newManager(t, testConfig("server"))
	if err := m.Listen(0); err != nil {
		t.Fatal(err)
	}
	if err := m.Listen(0); err != nil {
		t.Fatalf("second Listen on the same port: %v", err)
	}
	if err := m.Listen(1); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("Listen on another port err = %v", err)
	}
}

func TestBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	m := newManager(t, testConfig("server"))
	var be *BindError
	if err := m.Listen(port); !errors.As(err, &be) || be.Port != port {
		t.Fatalf("err = %v, want BindError", err)
	}
	if m.Listening() {
		t.Fatal("Listening after a failed bind")
	}
}

func TestDisconnectMovesToClosed(t *testing.T) {
	_, client, srec, crec := pair(t)

	if err := client.Disconnect(); err != nil {
		t.Fatal(err)
	}
	crec.waitState(t, func(i Info) bool { return i.Role == RoleOutbound && i.State == StateClosed })
	srec.waitState(t, func(i Info) bool { return i.Role == RoleListener && i.State == StateFailed })

	if err := client.Send(message.NewText("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect err = %v", err)
	}
	if err := client.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second Disconnect err = %v", err)
	}
}

func TestConnectReplacesOutbound(t *testing.T) {
	server, client, srec, crec := pair(t)
	port := server.ListenAddr().(*net.TCPAddr).Port

	if _, err := client.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	crec.waitState(t, func(i Info) bool { return i.State == StateClosed })
	if client.Connected() != 1 {
		t.Fatalf("client connected = %d, want 1", client.Connected())
	}
	srec.waitState(t, func(i Info) bool { return i.State == StateFailed })
}

func TestStopListeningClosesAccepted(t *testing.T) {
	server, client, srec, crec := pair(t)

	if err := server.StopListening(); err != nil {
		t.Fatal(err)
	}
	srec.waitState(t, func(i Info) bool { return i.Role == RoleListener && i.State == StateClosed })
	crec.waitState(t, func(i Info) bool { return i.State == StateFailed })
	if server.Listening() || server.Connected() != 0 {
		t.Fatal("server still listening or connected")
	}
	if err := server.StopListening(); !errors.Is(err, ErrNotListening) {
		t.Fatalf("second StopListening err = %v", err)
	}
	_ = client
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client, _, _ := pair(t)
	done := make(chan struct{})
	go func() {
		server.Close()
		client.Close()
		server.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close hung")
	}
}

// rawPeer is a hand-driven protocol peer.
type rawPeer struct {
	*wire.Conn
}

func dialRaw(t *testing.T, port int, hello bool) *rawPeer {
	t.Helper()
	nc, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nc.Close() })
	p := &rawPeer{wire.New(nc, time.Second)}
	if hello {
		if err := p.WriteMsg(message.NewHello("raw")); err != nil {
			t.Fatal(err)
		}
		p.SetReadDeadline(waitFor)
		m, err := p.ReadMsg()
		if err != nil || m.Type != message.TypeHello {
			t.Fatalf("handshake reply = %+v, %v", m, err)
		}
		p.SetReadDeadline(0)
	}
	return p
}

func (p *rawPeer) writeRaw(t *testing.T, b []byte) {
	t.Helper()
	if _, err := p.Underlying().Write(b); err != nil {
		t.Fatal(err)
	}
}

func TestListenerRequiresHello(t *testing.T) {
	server := newManager(t, testConfig("server"))
	srec := newRecorder(server)
	port := listen(t, server)

	p := dialRaw(t, port, false)
	if err := p.WriteMsg(message.NewText("no hello")); err != nil {
		t.Fatal(err)
	}
	info := srec.waitState(t, func(i Info) bool { return i.State.Terminal() })
	if info.State != StateFailed || info.Reason != ReasonHandshake {
		t.Fatalf("info = %+v", info)
	}
	select {
	case m := <-srec.msgs:
		t.Fatalf("message delivered before handshake: %+v", m)
	default:
	}
}

func TestVersionMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		wc := wire.New(nc, time.Second)
		if _, err := wc.ReadMsg(); err != nil {
			return
		}
		_ = wc.WriteMsg(&message.Message{Type: message.TypeHello, Hello: &message.Hello{Version: 99, Source: "future"}})
		time.Sleep(100 * time.Millisecond)
	}()

	m := newManager(t, testConfig("client"))
	_, err = m.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Reason != ReasonVersion {
		t.Fatalf("err = %v, want ConnectError(version)", err)
	}
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	server := newManager(t, testConfig("server"))
	srec := newRecorder(server)
	port := listen(t, server)
	p := dialRaw(t, port, true)

	bad := []byte{0x7e, 0, 0, 0, 3, 'a', 'b', 'c'}
	p.writeRaw(t, bad)
	if err := p.WriteMsg(message.NewText("still here")); err != nil {
		t.Fatal(err)
	}
	if m := srec.nextMsg(t); m.Text != "still here" {
		t.Fatalf("got %+v", m)
	}
	if server.Connected() != 1 {
		t.Fatal("connection dropped after a malformed frame")
	}
}

func TestDesyncFailsConnection(t *testing.T) {
	server := newManager(t, testConfig("server"))
	srec := newRecorder(server)
	port := listen(t, server)
	p := dialRaw(t, port, true)
	srec.waitState(t, func(i Info) bool { return i.State == StateConnected })

	hdr := make([]byte, 5)
	hdr[0] = byte(message.TypeText)
	binary.BigEndian.PutUint32(hdr[1:], wire.MaxMessageSize+1)
	p.writeRaw(t, hdr)

	info := srec.waitState(t, func(i Info) bool { return i.State.Terminal() })
	if info.State != StateFailed || info.Reason != ReasonDesync {
		t.Fatalf("info = %+v, want Failed(desync)", info)
	}
}

func TestKeepaliveTimeout(t *testing.T) {
	cfg := testConfig("server")
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 100 * time.Millisecond
	server := newManager(t, cfg)
	srec := newRecorder(server)
	port := listen(t, server)

	// The raw peer never reads, so it never answers pings.
	dialRaw(t, port, true)

	info := srec.waitState(t, func(i Info) bool { return i.State.Terminal() })
	if info.State != StateFailed || info.Reason != ReasonKeepalive {
		t.Fatalf("info = %+v, want Failed(keepalive)", info)
	}
}

func TestKeepaliveAnswersPing(t *testing.T) {
	cfg := testConfig("server")
	cfg.PingInterval = 30 * time.Millisecond
	cfg.PongTimeout = 500 * time.Millisecond
	server := newManager(t, cfg)
	newRecorder(server)
	port := listen(t, server)
	p := dialRaw(t, port, true)

	p.SetReadDeadline(waitFor)
	m, err := p.ReadMsg()
	if err != nil || m.Type != message.TypePing {
		t.Fatalf("expected ping, got %+v, %v", m, err)
	}
	if err := p.WriteMsg(message.NewPing()); err != nil {
		t.Fatal(err)
	}
	for {
		m, err := p.ReadMsg()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if m.Type == message.TypePong {
			return
		}
	}
}

func TestQueueFull(t *testing.T) {
	server := newManager(t, Config{ListenHost: "127.0.0.1", QueueSize: 1, WriteTimeout: 2 * time.Second})
	srec := newRecorder(server)
	port := listen(t, server)
	dialRaw(t, port, true) // never reads
	srec.waitState(t, func(i Info) bool { return i.State == StateConnected })

	big := message.NewText(string(make([]byte, 4<<20)))
	for i := 0; i < 64; i++ {
		if err := server.Send(big); errors.Is(err, ErrQueueFull) {
			return
		}
	}
	t.Fatal("send queue never reported full")
}
