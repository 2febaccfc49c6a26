package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func TestNewAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		r := NewText("x", t0)
		if seen[r.ID] {
			t.Fatalf("duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestNewNormalisesToUTC(t *testing.T) {
	loc := time.FixedZone("X", 5*3600)
	r := NewText("x", t0.In(loc))
	if r.CreatedAt.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", r.CreatedAt.Location())
	}
	if !r.CreatedAt.Equal(t0) {
		t.Fatalf("instant changed: %v", r.CreatedAt)
	}
}

func TestValidate(t *testing.T) {
	good := NewText("hello", t0)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	cases := map[string]Record{
		"empty id":  {Kind: KindText, Payload: []byte("a"), CreatedAt: t0},
		"bad kind":  {ID: "a", Kind: 9, CreatedAt: t0},
		"bad utf8":  {ID: "a", Kind: KindText, Payload: []byte{0xff, 0xfe}, CreatedAt: t0},
		"zero time": {ID: "a", Kind: KindImage, Payload: []byte{1}},
	}
	for name, r := range cases {
		if err := r.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", name, err)
		}
	}
}

func TestEqualDetectsSingleFieldChange(t *testing.T) {
	a := NewText("copied text", t0)
	b := a
	b.Payload = []byte("copied texT")
	if a.Equal(b) {
		t.Fatal("records differing in payload compared equal")
	}
	c := a
	c.CreatedAt = a.CreatedAt.Add(time.Nanosecond)
	if a.Equal(c) {
		t.Fatal("records differing in timestamp compared equal")
	}
	if !a.Equal(a) {
		t.Fatal("Equal is not reflexive")
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint(KindText, []byte("a")) != Fingerprint(KindText, []byte("a")) {
		t.Fatal("fingerprint not deterministic")
	}
	if Fingerprint(KindText, []byte("a")) == Fingerprint(KindImage, []byte("a")) {
		t.Fatal("kind does not influence fingerprint")
	}
	if Fingerprint(KindText, []byte("a")) == Fingerprint(KindText, []byte("b")) {
		t.Fatal("payload does not influence fingerprint")
	}
}

func TestDerivedID(t *testing.T) {
	id1 := DerivedID(KindText, []byte("a"), t0)
	id2 := DerivedID(KindText, []byte("a"), t0)
	if id1 != id2 {
		t.Fatalf("derived ids differ: %s %s", id1, id2)
	}
	if id1 == DerivedID(KindText, []byte("a"), t0.Add(time.Second)) {
		t.Fatal("timestamp does not influence derived id")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	s := FormatTime(t0)
	if !strings.HasSuffix(s, "Z") {
		t.Fatalf("%q is not UTC", s)
	}
	got, err := ParseTime(s)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(t0) {
		t.Fatalf("got %v, want %v", got, t0)
	}
}

func TestViewHidesImageBytes(t *testing.T) {
	img := New(KindImage, []byte{0x89, 'P', 'N', 'G'}, t0)
	v := img.View()
	if v.Data != "" || v.Size != 4 {
		t.Fatalf("image view = %+v", v)
	}
	txt := NewText("hi", t0).View()
	if txt.Data != "hi" {
		t.Fatalf("text view data = %q", txt.Data)
	}
}

func TestViewJSON(t *testing.T) {
	r := NewText("hi", t0)
	b, err := json.Marshal(r.View())
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"id":        r.ID,
		"kind":      "Text",
		"data":      "hi",
		"size":      float64(2),
		"createdAt": "2026-03-01T12:00:00.123456789Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("view JSON mismatch (-want +got):\n%s", diff)
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", 200)
	p := NewText(long, t0).Preview()
	if got := len([]rune(p)); got != 121 {
		t.Fatalf("preview has %d runes, want 121", got)
	}
}
