// Package wire reads and writes length-delimited frames over a net.Conn.
//
// Wire format:
//
//	tag:u8 | length:u32 big-endian | body:length bytes
//
// A frame with an unknown tag or an undecodable body is reported as a
// *DecodeError after its body has been consumed, so the stream stays in
// sync and the caller can skip it. A length above MaxMessageSize cannot be
// skipped safely and is reported as ErrDesync.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.klb.dev/clipshare/internal/message"
)

const (
	// MaxMessageSize is the largest frame body we will read (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024

	headerSize = 5

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// ErrDesync means the stream can no longer be framed and must be closed.
var ErrDesync = errors.New("wire: stream desynchronized")

// DecodeError describes a frame that was read in full but could not be
// decoded. The connection remains usable.
type DecodeError struct {
	Tag message.Type
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: undecodable %s frame (%d bytes): %v", e.Tag, e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Conn wraps a net.Conn with buffered framing. ReadMsg must be called from
// one goroutine; WriteMsg is safe for concurrent use.
type Conn struct {
	conn         net.Conn
	br           *bufio.Reader
	writeTimeout time.Duration

	wmu sync.Mutex
}

// New wraps conn. writeTimeout <= 0 selects DefaultWriteTimeout.
func New(conn net.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 64*1024),
		writeTimeout: writeTimeout,
	}
}

// Underlying returns the underlying net.Conn.
func (c *Conn) Underlying() net.Conn { return c.conn }

// SetReadDeadline sets or clears the read deadline.
func (c *Conn) SetReadDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Encode returns the complete frame for msg.
func Encode(msg *message.Message) ([]byte, error) {
	body, err := msg.MarshalBody()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: body of %d bytes exceeds %d", msg.Type, len(body), MaxMessageSize)
	}
	frame := make([]byte, headerSize, headerSize+len(body))
	frame[0] = byte(msg.Type)
	binary.BigEndian.PutUint32(frame[1:], uint32(len(body)))
	return append(frame, body...), nil
}

// WriteMsg encodes msg and writes it as one frame under the write timeout.
func (c *Conn) WriteMsg(msg *message.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// WriteFrame writes a frame produced by Encode under the write timeout.
func (c *Conn) WriteFrame(frame []byte) error {
	return c.WriteFrameBy(frame, time.Now().Add(c.writeTimeout))
}

// WriteFrameBy writes a frame that must be on the wire by deadline.
func (c *Conn) WriteFrameBy(frame []byte, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(frame)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// ReadMsg reads and decodes one frame. Errors are one of:
//   - *DecodeError: the frame was skipped, keep reading;
//   - ErrDesync: the header announced an impossible length;
//   - anything else: the underlying read failed (io.EOF on clean close).
func (c *Conn) ReadMsg() (*message.Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, err
	}
	tag := message.Type(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s frame announces %d bytes", ErrDesync, tag, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.br, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	msg, err := message.UnmarshalBody(tag, body)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Len: int(n), Err: err}
	}
	return msg, nil
}
