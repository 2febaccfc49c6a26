package engine

import (
	"context"
	"testing"
	"time"

	"go.klb.dev/clipshare/internal/events"
	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/record"
)

// pairUp starts a listener on a and connects b to it.
func pairUp(t *testing.T, a, b *node) int {
	t.Helper()
	port := freePort(t)
	if err := a.StartListening(port); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	eventually(t, "listener side connected", func() bool { return a.link.Connected() == 1 })
	return port
}

func TestMessageReachesPeerOnce(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	b := newNode(t, baseConfig("b"), nil)
	pairUp(t, a, b)

	if err := b.SendMessage("hello"); err != nil {
		t.Fatal(err)
	}
	if ev := a.waitEvent(t, events.MessageReceived); ev.Payload != "hello" {
		t.Fatalf("payload = %v", ev.Payload)
	}
	a.noEvent(t, events.MessageReceived, 100*time.Millisecond)

	if got := a.Messages(); len(got) != 1 || got[0].Peer != "b" || got[0].Outgoing {
		t.Fatalf("a's log = %+v", got)
	}
	if got := b.Messages(); len(got) != 1 || !got[0].Outgoing {
		t.Fatalf("b's log = %+v", got)
	}
}

func TestSharingWritesBackOnPeer(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	bcfg := baseConfig("b")
	bcfg.WriteBack = true
	bcfg.Sharing = true
	b := newNode(t, bcfg, nil)
	pairUp(t, a, b)

	a.SetSharing(true)
	// Monitor ticker plus the accepted connection's keepalive ticker.
	a.clk.BlockUntil(2)

	// Baseline on the empty clipboard.
	a.clk.Advance(100 * time.Millisecond)
	eventually(t, "baseline sample", func() bool { return a.mem.Reads() >= 1 })

	a.mem.SetText("copied text")
	a.clk.Advance(100 * time.Millisecond)

	ev := b.waitEvent(t, events.ClipboardReceived)
	view, ok := ev.Payload.(record.View)
	if !ok || view.Data != "copied text" || view.Kind != record.KindText {
		t.Fatalf("payload = %#v", ev.Payload)
	}

	hist := b.History()
	if len(hist) != 1 || hist[0].Text() != "copied text" {
		t.Fatalf("b's history = %+v", hist)
	}
	if local := a.History(); len(local) != 1 || local[0].ID != hist[0].ID {
		t.Fatalf("ids differ: a=%+v b=%+v", local, hist)
	}
	if _, data := b.mem.Content(); string(data) != "copied text" {
		t.Fatalf("b's clipboard = %q", data)
	}
	b.noEvent(t, events.ClipboardReceived, 100*time.Millisecond)
}

func TestSendClipboardPropagatesID(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	b := newNode(t, baseConfig("b"), nil)
	pairUp(t, a, b)

	b.mem.SetText("manual share")
	sent, err := b.SendClipboard(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a.waitEvent(t, events.ClipboardReceived)
	got, err := a.Get(sent.ID)
	if err != nil {
		t.Fatalf("receiver lacks the sender's id: %v", err)
	}
	if !got.Equal(sent) {
		t.Fatalf("received %+v, sent %+v", got, sent)
	}
	if a.mem.Writes() != 0 {
		t.Fatal("receiver wrote back without sharing")
	}
}

func TestReceivedRecordsAreNotRelayed(t *testing.T) {
	hub := newNode(t, baseConfig("hub"), nil)
	a := newNode(t, baseConfig("a"), nil)
	c := newNode(t, baseConfig("c"), nil)
	port := pairUp(t, hub, a)
	if _, err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	eventually(t, "hub sees both", func() bool { return hub.link.Connected() == 2 })

	a.mem.SetText("only for the hub")
	if _, err := a.SendClipboard(context.Background()); err != nil {
		t.Fatal(err)
	}
	hub.waitEvent(t, events.ClipboardReceived)
	c.noEvent(t, events.ClipboardReceived, 200*time.Millisecond)
	if c.hist.Len() != 0 {
		t.Fatal("record relayed to a third peer")
	}
}

func TestConnectRemembersPeerAndSharesOnConnect(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	bcfg := baseConfig("b")
	bcfg.ShareOnConnect = true
	b := newNode(t, bcfg, nil)
	port := pairUp(t, a, b)

	ep, ok := b.LastPeer()
	if !ok || ep.Address != "127.0.0.1" || ep.Port != port {
		t.Fatalf("last peer = %+v, %v", ep, ok)
	}
	if !b.Sharing() {
		t.Fatal("sharing not started on connect")
	}
	st := b.Status()
	if len(st.Connections) != 1 || st.Connections[0].State != peerlink.StateConnected || st.Peer == nil {
		t.Fatalf("status = %+v", st)
	}
	if as := a.Status(); !as.Listening || len(as.Connections) != 1 {
		t.Fatalf("listener status = %+v", as)
	}
}

func TestConnectionChangedEvents(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	b := newNode(t, baseConfig("b"), nil)
	pairUp(t, a, b)

	for {
		ev := b.waitEvent(t, events.ConnectionChanged)
		if info := ev.Payload.(peerlink.Info); info.State == peerlink.StateConnected {
			break
		}
	}
	if err := b.Disconnect(); err != nil {
		t.Fatal(err)
	}
	for {
		ev := b.waitEvent(t, events.ConnectionChanged)
		if info := ev.Payload.(peerlink.Info); info.State == peerlink.StateClosed {
			break
		}
	}
}

func waitOutboundFailed(t *testing.T, n *node) {
	t.Helper()
	for {
		ev := n.waitEvent(t, events.ConnectionChanged)
		info := ev.Payload.(peerlink.Info)
		if info.Role == peerlink.RoleOutbound && info.State == peerlink.StateFailed {
			return
		}
	}
}

func TestReconnectAfterPeerDrops(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	bcfg := baseConfig("b")
	bcfg.Reconnect = true
	b := newNode(t, bcfg, nil)
	port := pairUp(t, a, b)

	if err := a.StopListening(); err != nil {
		t.Fatal(err)
	}
	waitOutboundFailed(t, b)
	if err := a.StartListening(port); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(waitFor)
	for {
		if out, ok := b.link.Outbound(); ok && out.State == peerlink.StateConnected && !b.Status().Reconnecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never reconnected: %+v", b.Status())
		}
		b.clk.Advance(2 * time.Second)
		time.Sleep(20 * time.Millisecond)
	}
	eventually(t, "listener sees the new link", func() bool { return a.link.Connected() == 1 })
}

func TestDisconnectStopsReconnect(t *testing.T) {
	a := newNode(t, baseConfig("a"), nil)
	bcfg := baseConfig("b")
	bcfg.Reconnect = true
	b := newNode(t, bcfg, nil)
	pairUp(t, a, b)

	if err := a.StopListening(); err != nil {
		t.Fatal(err)
	}
	waitOutboundFailed(t, b)
	eventually(t, "reconnect loop", func() bool { return b.Status().Reconnecting })

	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect while reconnecting: %v", err)
	}
	if b.Status().Reconnecting {
		t.Fatal("still reconnecting after Disconnect")
	}
}

func TestFailedConnectDoesNotReconnect(t *testing.T) {
	bcfg := baseConfig("b")
	bcfg.Reconnect = true
	b := newNode(t, bcfg, nil)
	if _, err := b.Connect(context.Background(), "127.0.0.1", freePort(t)); err == nil {
		t.Fatal("Connect to a closed port succeeded")
	}
	waitOutboundFailed(t, b)
	time.Sleep(50 * time.Millisecond)
	if b.Status().Reconnecting {
		t.Fatal("a connect that never succeeded started reconnecting")
	}
}
