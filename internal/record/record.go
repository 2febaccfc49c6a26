// Package record defines the clipboard record shared by history, the
// monitor, the peer protocol and persistence.
//
// A record is immutable once created. Payloads are raw bytes: UTF-8 for text,
// PNG for images. Base64 only appears at the UI boundary.
package record

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind identifies how a payload is interpreted.
type Kind uint8

const (
	KindText  Kind = 1
	KindImage Kind = 2
)

// ErrInvalid is returned by Validate for records that must not enter history.
var ErrInvalid = errors.New("invalid record")

// String returns "Text" or "Image".
func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindImage:
		return "Image"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindText || k == KindImage }

// ParseKind accepts "text"/"image" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "text":
		return KindText, nil
	case "image":
		return KindImage, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("marshal %s: %w", k, ErrInvalid)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Record is one captured clipboard snapshot.
type Record struct {
	ID        string    `cbor:"id" json:"id"`
	Kind      Kind      `cbor:"kind" json:"kind"`
	Payload   []byte    `cbor:"payload" json:"-"`
	CreatedAt time.Time `cbor:"created_at" json:"createdAt"`
}

// New creates a record with a fresh UUID. now is normalised to UTC so the
// timestamp survives every encoding unchanged.
func New(kind Kind, payload []byte, now time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}
}

// NewText is shorthand for New(KindText, []byte(text), now).
func NewText(text string, now time.Time) Record {
	return New(KindText, []byte(text), now)
}

// Validate checks the invariants every stored record must hold.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalid)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: kind %s", ErrInvalid, r.Kind)
	case r.Kind == KindText && !utf8.Valid(r.Payload):
		return fmt.Errorf("%w: text payload is not UTF-8", ErrInvalid)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("%w: zero timestamp", ErrInvalid)
	}
	return nil
}

// Equal compares every field. Timestamps compare as instants.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID &&
		r.Kind == o.Kind &&
		string(r.Payload) == string(o.Payload) &&
		r.CreatedAt.Equal(o.CreatedAt)
}

// Text returns the payload as a string. Only meaningful for KindText.
func (r Record) Text() string { return string(r.Payload) }

// Base64 returns the payload in standard base64. Computed on demand.
func (r Record) Base64() string {
	return base64.StdEncoding.EncodeToString(r.Payload)
}

// Fingerprint returns the content fingerprint of the record.
func (r Record) Fingerprint() Digest { return Fingerprint(r.Kind, r.Payload) }

// Timestamp renders CreatedAt in the wire format.
func (r Record) Timestamp() string { return FormatTime(r.CreatedAt) }

// FormatTime renders t as RFC 3339 in UTC with nanoseconds.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ParseTime parses a FormatTime string (any RFC 3339 offset is accepted).
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// View is the projection handed to the UI shell. Image payloads are not
// inlined; Data is empty and Size carries the byte count.
type View struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Data      string `json:"data"`
	Size      int    `json:"size"`
	CreatedAt string `json:"createdAt"`
}

// View returns the UI projection of r.
func (r Record) View() View {
	v := View{
		ID:        r.ID,
		Kind:      r.Kind,
		Size:      len(r.Payload),
		CreatedAt: r.Timestamp(),
	}
	if r.Kind == KindText {
		v.Data = r.Text()
	}
	return v
}

// Preview returns a log-friendly description of the payload, truncated to
// 120 characters for text.
func (r Record) Preview() string {
	if r.Kind != KindText {
		return fmt.Sprintf("<%s %d bytes>", r.Kind, len(r.Payload))
	}
	runes := []rune(r.Text())
	if len(runes) > 120 {
		return string(runes[:120]) + "…"
	}
	return string(runes)
}
