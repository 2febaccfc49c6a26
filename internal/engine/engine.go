// Package engine ties the clipshare components together. An Engine owns the
// history, the clipboard monitor, the peer link manager and the event
// bridge, and exposes every command the control surface offers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/clipshare/internal/clip"
	"go.klb.dev/clipshare/internal/clock"
	"go.klb.dev/clipshare/internal/events"
	"go.klb.dev/clipshare/internal/history"
	"go.klb.dev/clipshare/internal/message"
	"go.klb.dev/clipshare/internal/monitor"
	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/record"
	"go.klb.dev/clipshare/internal/store"
)

const (
	DefaultListenPort   = 8080
	DefaultMaxMessages  = 256
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second
)

var (
	// ErrNotImage is returned by image accessors for a Text record.
	ErrNotImage = errors.New("record is not an image")
	// ErrNoStore is returned by Save when the engine runs without a persister.
	ErrNoStore = errors.New("persistence is disabled")
	// ErrEmptyMessage is returned by SendMessage for an empty text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotDelivered wraps a send failure for a record that was already
	// added to history.
	ErrNotDelivered = errors.New("record kept in history but not delivered")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	// Source names this peer in handshakes.
	Source string
	// ListenPort is used by StartListening(0).
	ListenPort int
	// Sharing starts automatic sharing immediately.
	Sharing bool
	// WriteBack puts received records on the OS clipboard while sharing.
	WriteBack bool
	// ShareOnConnect turns sharing on after every successful Connect.
	ShareOnConnect bool
	// Reconnect re-dials an outbound link that failed after connecting.
	Reconnect    bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxMessages bounds the text message log.
	MaxMessages int
	// MaxRecords bounds the history; 0 keeps everything.
	MaxRecords int

	Monitor monitor.Config
	Link    peerlink.Config
}

func (c Config) withDefaults() Config {
	if c.ListenPort <= 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.Link.Source == "" {
		c.Link.Source = c.Source
	}
	return c
}

// Deps are the collaborators an Engine does not own.
type Deps struct {
	Backend clip.Backend
	// Persister may be nil, which disables Save and Restore.
	Persister store.Persister
	// Clock may be nil for the real clock.
	Clock clock.Clock
}

// Message is one entry of the text message log.
type Message struct {
	Text     string    `json:"text"`
	Peer     string    `json:"peer,omitempty"`
	Outgoing bool      `json:"outgoing"`
	At       time.Time `json:"at"`
}

// Status is a snapshot of the engine.
type Status struct {
	Source         string          `json:"source"`
	Clipboard      string          `json:"clipboard"`
	Sharing        bool            `json:"sharing"`
	WriteBack      bool            `json:"writeBack"`
	Listening      bool            `json:"listening"`
	ListenAddr     string          `json:"listenAddr,omitempty"`
	Reconnecting   bool            `json:"reconnecting"`
	Connections    []peerlink.Info `json:"connections"`
	Records        int             `json:"records"`
	HistoryVersion uint64          `json:"historyVersion"`
	Messages       int             `json:"messages"`
	Peer           *store.Endpoint `json:"peer,omitempty"`
}

// Engine is the application state. All methods are safe for concurrent use.
type Engine struct {
	cfg       Config
	clk       clock.Clock
	backend   clip.Backend
	persister store.Persister
	hist      *history.Store
	mon       *monitor.Monitor
	link      *peerlink.Manager
	bridge    *events.Bridge
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// shareMu serializes sharing toggles with the monitor Start/Stop they
	// cause. It is taken before mu, never while holding it.
	shareMu sync.Mutex

	mu       sync.Mutex
	sharing  bool
	messages []Message
	peer     *store.Endpoint
	redial   context.CancelFunc
	closed   bool
	// unread is set when Restore failed to read the store.
	unread bool
}

// New builds an Engine. Nothing is restored and no socket is opened; call
// Restore, StartListening and Connect as needed.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Backend == nil {
		return nil, errors.New("engine: no clipboard backend")
	}
	cfg = cfg.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		backend:   deps.Backend,
		persister: deps.Persister,
		hist:      history.New(history.WithMaxRecords(cfg.MaxRecords)),
		link:      peerlink.NewManager(cfg.Link, clk),
		bridge:    events.New(clk.Now),
		log:       slog.With("component", "engine"),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.mon = monitor.New(deps.Backend, e.hist, clk, cfg.Monitor)
	e.mon.OnChange(e.onLocalChange)
	e.link.OnReceive(e.onReceive)
	e.link.OnStateChange(e.onStateChange)
	e.link.OnFatal(e.onFatal)

	if cfg.Sharing {
		e.SetSharing(true)
	}
	return e, nil
}

// History returns the history, most recent first.
func (e *Engine) History() []record.Record { return e.hist.List() }

// HistoryVersion changes on every history mutation.
func (e *Engine) HistoryVersion() uint64 { return e.hist.Version() }

// Get returns one record.
func (e *Engine) Get(id string) (record.Record, error) { return e.hist.Get(id) }

// Delete removes one record.
func (e *Engine) Delete(id string) error {
	if err := e.hist.Delete(id); err != nil {
		return err
	}
	e.log.Debug("record deleted", "id", id)
	return nil
}

// ClearHistory removes every record and returns how many were removed.
func (e *Engine) ClearHistory() int {
	n := e.hist.Clear()
	e.log.Info("history cleared", "records", n)
	return n
}

// ImageBase64 returns an Image record's payload as standard base64.
func (e *Engine) ImageBase64(id string) (string, error) {
	rec, err := e.Image(id)
	if err != nil {
		return "", err
	}
	return rec.Base64(), nil
}

// Image returns an Image record, or ErrNotImage for a Text one.
func (e *Engine) Image(id string) (record.Record, error) {
	rec, err := e.hist.Get(id)
	if err != nil {
		return record.Record{}, err
	}
	if rec.Kind != record.KindImage {
		return record.Record{}, fmt.Errorf("%s: %w", id, ErrNotImage)
	}
	return rec, nil
}

// CopyFrom puts a history record back on the OS clipboard. While sharing,
// the copy is also recorded as a fresh entry and sent to connected peers.
// The record that ends up current is returned.
func (e *Engine) CopyFrom(ctx context.Context, id string) (record.Record, error) {
	rec, err := e.hist.Get(id)
	if err != nil {
		return record.Record{}, err
	}
	if !e.Sharing() {
		if err := e.mon.WriteBack(ctx, rec); err != nil {
			return record.Record{}, err
		}
		return rec, nil
	}

	fresh := record.New(rec.Kind, rec.Payload, e.clk.Now())
	if err := e.mon.WriteBack(ctx, fresh); err != nil {
		return record.Record{}, err
	}
	if _, err := e.hist.Insert(fresh); err != nil {
		return record.Record{}, err
	}
	e.share(fresh)
	return fresh, nil
}

// SendMessage sends text to every connected peer and logs it.
func (e *Engine) SendMessage(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if err := e.link.Send(message.NewText(text)); err != nil {
		return err
	}
	e.appendMessage(Message{Text: text, Outgoing: true, At: e.clk.Now().UTC()})
	return nil
}

// SendClipboard records the current clipboard content and sends it to every
// connected peer, regardless of the sharing mode. The record is inserted
// before sending; when sending then fails, the record is returned together
// with an error wrapping ErrNotDelivered and stays in history.
func (e *Engine) SendClipboard(ctx context.Context) (record.Record, error) {
	if e.link.Connected() == 0 {
		return record.Record{}, peerlink.ErrNotConnected
	}
	rec, err := e.mon.Capture(ctx)
	if err != nil {
		return record.Record{}, err
	}
	return rec, e.sendRecord(rec)
}

func (e *Engine) sendRecord(rec record.Record) error {
	if err := e.link.Send(message.NewClipboard(rec)); err != nil {
		return fmt.Errorf("%w: %w", ErrNotDelivered, err)
	}
	return nil
}

// SetSharing starts or stops automatic sharing: the monitor polls only
// while sharing is on.
func (e *Engine) SetSharing(enabled bool) {
	e.shareMu.Lock()
	defer e.shareMu.Unlock()

	e.mu.Lock()
	if e.closed || e.sharing == enabled {
		e.mu.Unlock()
		return
	}
	e.sharing = enabled
	e.mu.Unlock()

	if enabled {
		e.mon.Start(e.ctx)
	} else {
		e.mon.Stop()
	}
	e.log.Info("sharing changed", "enabled", enabled)
}

// Sharing reports whether automatic sharing is on.
func (e *Engine) Sharing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sharing
}

// Messages returns the message log, oldest first.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

func (e *Engine) appendMessage(m Message) {
	e.mu.Lock()
	e.messages = append(e.messages, m)
	if over := len(e.messages) - e.cfg.MaxMessages; over > 0 {
		e.messages = append(e.messages[:0:0], e.messages[over:]...)
	}
	e.mu.Unlock()
}

// Signal answers the UI's ad hoc duplex channel: payload is published as
// front-to-back and echoed as back-to-front.
func (e *Engine) Signal(payload string) {
	e.bridge.Emit(events.FrontToBack, payload)
	e.bridge.Emit(events.BackToFront, payload)
}

// Subscribe returns a live event stream. See events.Bridge.Subscribe.
func (e *Engine) Subscribe(buf int) (<-chan events.Event, func()) {
	return e.bridge.Subscribe(buf)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		Source:       e.cfg.Source,
		Clipboard:    e.backend.Name(),
		Sharing:      e.sharing,
		WriteBack:    e.cfg.WriteBack,
		Reconnecting: e.redial != nil,
		Messages:     len(e.messages),
		Peer:         copyEndpoint(e.peer),
	}
	e.mu.Unlock()

	if addr := e.link.ListenAddr(); addr != nil {
		st.Listening = true
		st.ListenAddr = addr.String()
	}
	st.Connections = e.link.Connections()
	st.Records = e.hist.Len()
	st.HistoryVersion = e.hist.Version()
	return st
}

// Restore loads the history and the last peer endpoint from the persister.
func (e *Engine) Restore(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	peer, err := e.hist.Restore(ctx, e.persister)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.unread = true
		return err
	}
	e.peer, e.unread = peer, false
	return nil
}

// Restored reports whether the saved history was read, or found missing or
// corrupt, by the last Restore. It is false after a Restore that failed
// with an I/O error, when saving would overwrite history never loaded.
func (e *Engine) Restored() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.unread
}

// Save persists the history and the last peer endpoint.
func (e *Engine) Save(ctx context.Context) error {
	if e.persister == nil {
		return ErrNoStore
	}
	e.mu.Lock()
	peer := copyEndpoint(e.peer)
	e.mu.Unlock()
	return e.hist.Persist(ctx, e.persister, peer)
}

// LastPeer returns the endpoint of the last successful Connect, if any.
func (e *Engine) LastPeer() (store.Endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer == nil {
		return store.Endpoint{}, false
	}
	return *e.peer, true
}

// Close stops sharing, reconnects and every connection, then waits for the
// engine's goroutines. Persisting is left to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancelRedial := e.redial
	e.redial = nil
	e.mu.Unlock()

	if cancelRedial != nil {
		cancelRedial()
	}
	e.cancel()
	e.shareMu.Lock()
	e.mon.Stop()
	e.shareMu.Unlock()
	err := e.link.Close()
	e.wg.Wait()
	e.bridge.Close()
	return err
}

func copyEndpoint(ep *store.Endpoint) *store.Endpoint {
	if ep == nil {
		return nil
	}
	c := *ep
	return &c
}
