package clip

import (
	"errors"
	"testing"

	"go.klb.dev/clipshare/internal/record"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory()
	if _, _, err := m.Read(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty Read err = %v, want ErrEmpty", err)
	}

	if err := m.Write(record.KindText, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	kind, data, err := m.Read()
	if err != nil || kind != record.KindText || string(data) != "hello" {
		t.Fatalf("Read = %v %q %v", kind, data, err)
	}
	if m.Writes() != 1 || m.Reads() != 2 {
		t.Fatalf("writes = %d, reads = %d", m.Writes(), m.Reads())
	}

	m.SetText("typed by user")
	if m.Writes() != 1 {
		t.Fatal("Set counted as a write")
	}
}

func TestMemoryReadReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.SetText("abc")
	_, data, _ := m.Read()
	data[0] = 'X'
	if _, got := m.Content(); string(got) != "abc" {
		t.Fatalf("content = %q after mutating a read", got)
	}
}

func TestMemoryInjectedErrors(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	m.FailReads(boom)
	m.FailWrites(boom)
	if _, _, err := m.Read(); !errors.Is(err, boom) {
		t.Fatalf("Read err = %v", err)
	}
	if err := m.Write(record.KindText, []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("Write err = %v", err)
	}
	m.FailReads(nil)
	m.FailWrites(nil)
	if err := m.Write(record.KindImage, []byte{1}); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryRejectsUnknownKind(t *testing.T) {
	if err := NewMemory().Write(record.Kind(9), []byte("x")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestOpen(t *testing.T) {
	b, err := Open("memory")
	if err != nil || b.Name() != "memory" {
		t.Fatalf("Open(memory) = %v, %v", b, err)
	}
	if _, err := Open("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestHeadless(t *testing.T) {
	var b Backend = headlessBackend{}
	if _, _, err := b.Read(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Read err = %v", err)
	}
	if err := b.Write(record.KindText, []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Write err = %v", err)
	}
}
