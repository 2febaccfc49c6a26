// Package monitor polls the OS clipboard and turns every observed change
// into a history record.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/clipshare/internal/clip"
	"go.klb.dev/clipshare/internal/clock"
	"go.klb.dev/clipshare/internal/history"
	"go.klb.dev/clipshare/internal/record"
)

const (
	DefaultInterval    = 100 * time.Millisecond
	DefaultReadTimeout = 2 * time.Second
)

var (
	// ErrAccess wraps clipboard read failures, timeouts included.
	ErrAccess = errors.New("clipboard access failed")
	// ErrWrite wraps clipboard write failures.
	ErrWrite = errors.New("clipboard write failed")

	errBusy = errors.New("previous clipboard call still pending")
)

// Config tunes the poll loop. Zero values select the defaults.
type Config struct {
	// Interval between two samples.
	Interval time.Duration
	// ReadTimeout bounds a single OS read or write.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// ChangeFunc is called with every record the monitor creates from a local
// change. It runs on the poll goroutine and must not block.
type ChangeFunc func(record.Record)

// Monitor samples a clip.Backend on a clock.Ticker.
type Monitor struct {
	backend clip.Backend
	hist    *history.Store
	clk     clock.Clock
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	last     record.Digest
	haveLast bool
	failing  bool
	onChange ChangeFunc
	// At most one OS read and one OS write run at a time. A call that
	// times out leaves its goroutine registered here until the backend
	// returns.
	reading bool
	writing bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped monitor inserting into hist.
func New(backend clip.Backend, hist *history.Store, clk clock.Clock, cfg Config) *Monitor {
	return &Monitor{
		backend: backend,
		hist:    hist,
		clk:     clk,
		cfg:     cfg.withDefaults(),
		log:     slog.With("component", "monitor"),
	}
}

// OnChange sets the change handler. Only one handler is kept.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

type readResult struct {
	kind record.Kind
	data []byte
	err  error
}

// CurrentContent reads the clipboard. It returns clip.ErrEmpty when there is
// nothing representable and an error wrapping ErrAccess on any other failure,
// including a read that outlives ReadTimeout. While an earlier read is still
// blocked in the backend no new read is started and ErrAccess is returned.
func (m *Monitor) CurrentContent(ctx context.Context) (record.Kind, []byte, error) {
	m.mu.Lock()
	if m.reading {
		m.mu.Unlock()
		return 0, nil, fmt.Errorf("%w: %w", ErrAccess, errBusy)
	}
	m.reading = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()

	// Buffered: an abandoned read still completes its send and exits.
	ch := make(chan readResult, 1)
	go func() {
		kind, data, err := m.backend.Read()
		m.mu.Lock()
		m.reading = false
		m.mu.Unlock()
		ch <- readResult{kind, data, err}
	}()

	select {
	case res := <-ch:
		switch {
		case errors.Is(res.err, clip.ErrEmpty):
			return 0, nil, clip.ErrEmpty
		case res.err != nil:
			return 0, nil, fmt.Errorf("%w: %w", ErrAccess, res.err)
		case len(res.data) == 0:
			return 0, nil, clip.ErrEmpty
		}
		return res.kind, res.data, nil
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("%w: read: %w", ErrAccess, ctx.Err())
	}
}

// Tick takes one sample. It reports the record created for a change, or
// false when the content is unchanged, empty, or the first observation.
func (m *Monitor) Tick(ctx context.Context) (record.Record, bool, error) {
	kind, data, err := m.CurrentContent(ctx)
	if errors.Is(err, clip.ErrEmpty) {
		// Empty is an observation of its own: it never creates a record,
		// but copying the previous content again afterwards is a change.
		m.mu.Lock()
		m.last, m.haveLast = record.Digest{}, true
		m.mu.Unlock()
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}

	fp := record.Fingerprint(kind, data)
	m.mu.Lock()
	if !m.haveLast {
		m.last, m.haveLast = fp, true
		m.mu.Unlock()
		m.log.Debug("clipboard baseline taken", "kind", kind, "fingerprint", fp.Short())
		return record.Record{}, false, nil
	}
	if fp == m.last {
		m.mu.Unlock()
		return record.Record{}, false, nil
	}
	m.last = fp
	fn := m.onChange
	m.mu.Unlock()

	rec := record.New(kind, data, m.clk.Now())
	if _, err := m.hist.Insert(rec); err != nil {
		return record.Record{}, false, err
	}
	m.log.Debug("clipboard changed", "id", rec.ID, "kind", kind, "preview", rec.Preview())
	if fn != nil {
		fn(rec)
	}
	return rec, true, nil
}

// Capture records the current content even when it equals the last
// observation. The change handler is not called.
func (m *Monitor) Capture(ctx context.Context) (record.Record, error) {
	kind, data, err := m.CurrentContent(ctx)
	if err != nil {
		return record.Record{}, err
	}
	rec := record.New(kind, data, m.clk.Now())
	if _, err := m.hist.Insert(rec); err != nil {
		return record.Record{}, err
	}
	m.mu.Lock()
	m.last, m.haveLast = rec.Fingerprint(), true
	m.mu.Unlock()
	return rec, nil
}

// WriteBack puts rec on the OS clipboard. The written content becomes the
// last observation so the next tick does not report it as a local change.
func (m *Monitor) WriteBack(ctx context.Context, rec record.Record) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()

	// Record the fingerprint first: a tick racing with the write must not
	// see the new content as a change.
	m.mu.Lock()
	if m.writing {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrWrite, errBusy)
	}
	m.writing = true
	prev, hadPrev := m.last, m.haveLast
	m.last, m.haveLast = rec.Fingerprint(), true
	m.mu.Unlock()

	ch := make(chan error, 1)
	go func() {
		err := m.backend.Write(rec.Kind, rec.Payload)
		m.mu.Lock()
		m.writing = false
		m.mu.Unlock()
		ch <- err
	}()

	var err error
	select {
	case err = <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		m.mu.Lock()
		if m.last == rec.Fingerprint() {
			m.last, m.haveLast = prev, hadPrev
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Watch samples every Interval until ctx is done. Read failures are logged
// once per failing streak and never stop the loop.
func (m *Monitor) Watch(ctx context.Context) {
	t := m.clk.NewTicker(m.cfg.Interval)
	defer t.Stop()

	m.log.Info("clipboard monitor started", "backend", m.backend.Name(), "interval", m.cfg.Interval)
	defer m.log.Info("clipboard monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_, _, err := m.Tick(ctx)
		if ctx.Err() != nil {
			return
		}
		m.noteResult(err)
	}
}

func (m *Monitor) noteResult(err error) {
	m.mu.Lock()
	was := m.failing
	m.failing = err != nil
	m.mu.Unlock()

	switch {
	case err != nil && !was:
		m.log.Warn("clipboard sample failed", "err", err)
	case err != nil:
		m.log.Debug("clipboard sample failed", "err", err)
	case was:
		m.log.Info("clipboard readable again")
	}
}

// Start runs Watch in a goroutine; its first sample is a baseline. Starting
// a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	m.Reset()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		m.Watch(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit. An in-flight OS read is
// abandoned, not awaited; it still blocks new reads until it returns.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Reset forgets the last observation so the next sample is a baseline.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.haveLast = false
	m.mu.Unlock()
}
