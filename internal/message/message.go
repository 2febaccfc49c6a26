// Package message defines the clipshare peer protocol messages and the
// encoding of their bodies. Framing lives in package wire.
//
// Bodies:
//
//	Hello      protobuf wire fields 1:version (varint) 2:source (string)
//	Text       raw UTF-8
//	Clipboard  kind:u8 followed by protobuf wire fields
//	           1:id (string) 2:created_at (RFC 3339) 3:data (bytes)
//	Ping/Pong  empty
//
// Unknown protobuf fields are skipped so newer peers can add fields.
package message

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"go.klb.dev/clipshare/internal/record"
)

// ProtocolVersion is announced in Hello. Peers with a different version
// are refused.
const ProtocolVersion = 1

// Type is the frame tag identifying a message.
type Type uint8

const (
	TypeHello     Type = 0x01
	TypeText      Type = 0x02
	TypeClipboard Type = 0x03
	TypePing      Type = 0x04
	TypePong      Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeText:
		return "TEXT"
	case TypeClipboard:
		return "CLIPBOARD"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Known reports whether t is a tag this version understands.
func (t Type) Known() bool { return t >= TypeHello && t <= TypePong }

// ErrUnknownType is returned by UnmarshalBody for tags it does not know.
var ErrUnknownType = errors.New("unknown message type")

// Hello opens every connection in both directions.
type Hello struct {
	Version uint32
	Source  string
}

// Message is the decoded form of one frame. Exactly one payload field is
// set, according to Type.
type Message struct {
	Type   Type
	Text   string         // TypeText
	Record *record.Record // TypeClipboard
	Hello  *Hello         // TypeHello
}

// NewHello returns a Hello for the current protocol version.
func NewHello(source string) *Message {
	return &Message{Type: TypeHello, Hello: &Hello{Version: ProtocolVersion, Source: source}}
}

// NewText returns a chat-style text message.
func NewText(text string) *Message { return &Message{Type: TypeText, Text: text} }

// NewClipboard returns a clipboard transfer carrying rec.
func NewClipboard(rec record.Record) *Message {
	return &Message{Type: TypeClipboard, Record: &rec}
}

// NewPing returns a keepalive request.
func NewPing() *Message { return &Message{Type: TypePing} }

// NewPong returns a keepalive reply.
func NewPong() *Message { return &Message{Type: TypePong} }

const (
	fieldHelloVersion = 1
	fieldHelloSource  = 2

	fieldClipID        = 1
	fieldClipCreatedAt = 2
	fieldClipData      = 3
)

// MarshalBody encodes the frame body of m.
func (m *Message) MarshalBody() ([]byte, error) {
	switch m.Type {
	case TypeHello:
		if m.Hello == nil {
			return nil, fmt.Errorf("hello message without payload")
		}
		var b []byte
		b = protowire.AppendTag(b, fieldHelloVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Hello.Version))
		b = protowire.AppendTag(b, fieldHelloSource, protowire.BytesType)
		b = protowire.AppendString(b, m.Hello.Source)
		return b, nil

	case TypeText:
		if !utf8.ValidString(m.Text) {
			return nil, fmt.Errorf("text message is not valid UTF-8")
		}
		return []byte(m.Text), nil

	case TypeClipboard:
		r := m.Record
		if r == nil {
			return nil, fmt.Errorf("clipboard message without record")
		}
		if !r.Kind.Valid() {
			return nil, fmt.Errorf("clipboard message: %w", record.ErrInvalid)
		}
		b := make([]byte, 0, 1+len(r.Payload)+64)
		b = append(b, byte(r.Kind))
		if r.ID != "" {
			b = protowire.AppendTag(b, fieldClipID, protowire.BytesType)
			b = protowire.AppendString(b, r.ID)
		}
		if !r.CreatedAt.IsZero() {
			b = protowire.AppendTag(b, fieldClipCreatedAt, protowire.BytesType)
			b = protowire.AppendString(b, r.Timestamp())
		}
		b = protowire.AppendTag(b, fieldClipData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
		return b, nil

	case TypePing, TypePong:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}
}

// UnmarshalBody decodes a frame body for tag t.
func UnmarshalBody(t Type, body []byte) (*Message, error) {
	switch t {
	case TypeHello:
		h, err := unmarshalHello(body)
		if err != nil {
			return nil, fmt.Errorf("hello: %w", err)
		}
		return &Message{Type: t, Hello: h}, nil

	case TypeText:
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("text: body is not valid UTF-8")
		}
		return &Message{Type: t, Text: string(body)}, nil

	case TypeClipboard:
		r, err := unmarshalClipboard(body)
		if err != nil {
			return nil, fmt.Errorf("clipboard: %w", err)
		}
		return &Message{Type: t, Record: r}, nil

	case TypePing, TypePong:
		return &Message{Type: t}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

func unmarshalHello(b []byte) (*Hello, error) {
	h := &Hello{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldHelloVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			h.Version = uint32(v)
			return n, nil
		case num == fieldHelloSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			h.Source = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func unmarshalClipboard(b []byte) (*record.Record, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	r := &record.Record{Kind: record.Kind(b[0])}
	if !r.Kind.Valid() {
		return nil, fmt.Errorf("kind %d: %w", b[0], record.ErrInvalid)
	}
	err := walkFields(b[1:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, protowire.ParseError(n)
		}
		switch num {
		case fieldClipID:
			r.ID = string(v)
		case fieldClipCreatedAt:
			t, err := record.ParseTime(string(v))
			if err != nil {
				return n, fmt.Errorf("created_at: %w", err)
			}
			r.CreatedAt = t
		case fieldClipData:
			r.Payload = append([]byte(nil), v...)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// walkFields calls fn for every field in b. fn returns the number of value
// bytes it consumed, or -1 to have the field skipped.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}
