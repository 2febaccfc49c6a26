// Package peerlink manages the TCP connections between clipshare peers: one
// outbound connection dialed on request, any number accepted by a listener.
//
// Every connection follows Idle -> Connecting -> Connected -> (Failed |
// Closed). A connection only becomes Connected after both sides exchanged a
// Hello of the same protocol version. Connected peers are registered in a
// hub.Hub, which Send fans messages out through.
package peerlink

import (
	"errors"
	"fmt"
	"time"
)

// Role says how a connection was established.
type Role string

const (
	RoleListener Role = "listener"
	RoleOutbound Role = "outbound"
)

// State is the lifecycle state of one connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

// Info is a snapshot of one connection.
type Info struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	RemoteAddr  string    `json:"remoteAddr"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	PeerSource  string    `json:"peerSource,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
	LastSeen    time.Time `json:"lastSeen,omitzero"`
}

// Failure reasons reported in ConnectError and Info.Reason.
const (
	ReasonAddress   = "address"
	ReasonDial      = "dial"
	ReasonHandshake = "handshake"
	ReasonVersion   = "version"
	ReasonCanceled  = "canceled"
	ReasonKeepalive = "keepalive"
	ReasonDesync    = "desync"
	ReasonRead      = "read"
	ReasonWrite     = "write"
)

var (
	// ErrNotConnected is returned by Send when no peer is Connected.
	ErrNotConnected = errors.New("peerlink: no connected peer")
	// ErrQueueFull is returned for a peer whose send queue is full.
	ErrQueueFull = errors.New("peerlink: send queue full")
	// ErrAlreadyListening is returned by Listen when a listener is already
	// bound to a different port.
	ErrAlreadyListening = errors.New("peerlink: already listening")
	// ErrClosed is returned after the connection or manager is closed.
	ErrClosed = errors.New("peerlink: closed")
	// ErrResourceExhausted is raised when accept runs out of descriptors.
	ErrResourceExhausted = errors.New("peerlink: resource exhausted")
)

// ConnectError is returned by Connect. The connection ends in Failed.
type ConnectError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// BindError is returned by Listen when the port cannot be bound.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listen on port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Config tunes connections. Zero values select the defaults.
type Config struct {
	// Source is announced to peers in Hello.
	Source string
	// ListenHost is the address Listen binds; empty means all interfaces.
	ListenHost string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	// CloseGrace bounds how long Close lets the writer flush queued frames.
	CloseGrace time.Duration
	// QueueSize is the per-connection send queue capacity.
	QueueSize int
}

const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultPongTimeout      = 10 * time.Second
	DefaultCloseGrace       = time.Second
	DefaultQueueSize        = 64
)

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}
