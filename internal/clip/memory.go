package clip

import (
	"fmt"
	"sync"

	"go.klb.dev/clipshare/internal/record"
)

// Memory is an in-process clipboard. It backs tests and daemons started
// with --clipboard=memory.
type Memory struct {
	mu     sync.Mutex
	kind   record.Kind
	data   []byte
	reads   int
	writes  int
	pending int

	readErr  error
	writeErr error
	block    chan struct{}
}

// NewMemory returns an empty in-memory clipboard.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Read() (record.Kind, []byte, error) {
	m.mu.Lock()
	block := m.block
	m.pending++
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending--
	m.reads++
	if m.readErr != nil {
		return 0, nil, m.readErr
	}
	if len(m.data) == 0 {
		return 0, nil, ErrEmpty
	}
	return m.kind, append([]byte(nil), m.data...), nil
}

func (m *Memory) Write(kind record.Kind, data []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("unsupported clipboard kind: %s", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.kind = kind
	m.data = append([]byte(nil), data...)
	m.writes++
	return nil
}

// Set replaces the content as if a user had copied it; it does not count
// as a Write.
func (m *Memory) Set(kind record.Kind, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kind = kind
	m.data = append([]byte(nil), data...)
}

// SetText is shorthand for Set(record.KindText, []byte(s)).
func (m *Memory) SetText(s string) { m.Set(record.KindText, []byte(s)) }

// FailReads makes every Read return err until called again with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every Write return err until called again with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Stall makes Read block until the returned function is called.
func (m *Memory) Stall() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.block = nil
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Content returns the current kind and bytes without any error injection.
func (m *Memory) Content() (record.Kind, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind, append([]byte(nil), m.data...)
}

// Reads returns how many Read calls completed, failed ones included.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Pending returns how many Read calls are currently in progress.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Writes returns how many successful Write calls were made.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Close() {}
