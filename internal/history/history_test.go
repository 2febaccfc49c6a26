package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.klb.dev/clipshare/internal/record"
	"go.klb.dev/clipshare/internal/store"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func text(s string, offset int) record.Record {
	return record.NewText(s, t0.Add(time.Duration(offset)*time.Second))
}

func ids(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func mustInsert(t *testing.T, s *Store, recs ...record.Record) {
	t.Helper()
	for _, r := range recs {
		if _, err := s.Insert(r); err != nil {
			t.Fatalf("Insert(%s): %v", r.ID, err)
		}
	}
}

func TestInsertOrderIsNewestFirst(t *testing.T) {
	s := New()
	a, b, c := text("a", 0), text("b", 1), text("c", 2)
	mustInsert(t, s, a, b, c)

	if diff := cmp.Diff([]string{c.ID, b.ID, a.ID}, ids(s.List())); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderFollowsInsertionNotTimestamp(t *testing.T) {
	s := New()
	late, early := text("late", 100), text("early", 0)
	mustInsert(t, s, late, early)

	if diff := cmp.Diff([]string{early.ID, late.ID}, ids(s.List())); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertDuplicateID(t *testing.T) {
	s := New()
	a := text("a", 0)
	mustInsert(t, s, a)

	dup := text("different content", 5)
	dup.ID = a.ID
	if _, err := s.Insert(dup); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
	got, _ := s.Get(a.ID)
	if !got.Equal(a) {
		t.Fatal("duplicate insert replaced the original record")
	}
}

func TestInsertInvalid(t *testing.T) {
	s := New()
	bad := text("x", 0)
	bad.ID = ""
	_, err := s.Insert(bad)
	if !errors.Is(err, ErrInvalidRecord) || !errors.Is(err, record.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalidRecord wrapping record.ErrInvalid", err)
	}
	if s.Version() != 0 {
		t.Fatal("failed insert changed version")
	}
}

func TestGetAndDelete(t *testing.T) {
	s := New()
	a, b, c := text("a", 0), text("b", 1), text("c", 2)
	mustInsert(t, s, a, b, c)

	got, err := s.Get(b.ID)
	if err != nil || !got.Equal(b) {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if err := s.Delete(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: %v", err)
	}
	if diff := cmp.Diff([]string{c.ID, a.ID}, ids(s.List())); diff != "" {
		t.Fatalf("order after delete (-want +got):\n%s", diff)
	}
	// The remaining index still resolves.
	if got, err := s.Get(a.ID); err != nil || !got.Equal(a) {
		t.Fatalf("Get(a) after delete = %+v, %v", got, err)
	}
}

func TestDeleteUnknownLeavesStoreUntouched(t *testing.T) {
	s := New()
	mustInsert(t, s, text("a", 0))
	v := s.Version()
	if err := s.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if s.Version() != v || s.Len() != 1 {
		t.Fatal("failed delete mutated the store")
	}
}

func TestListIsACopy(t *testing.T) {
	s := New()
	a := text("a", 0)
	mustInsert(t, s, a)

	l := s.List()
	l[0] = text("mutated", 9)
	if got := s.List(); !got[0].Equal(a) {
		t.Fatal("mutating a listed slice changed the store")
	}
}

func TestListHasNoSideEffects(t *testing.T) {
	s := New()
	mustInsert(t, s, text("a", 0), text("b", 1))
	v := s.Version()
	first := s.List()
	second := s.List()
	if !SnapshotEquals(first, second) || s.Version() != v {
		t.Fatal("List changed state")
	}
}

func TestVersionChangesOnEveryMutation(t *testing.T) {
	s := New()
	seen := map[uint64]bool{s.Version(): true}
	step := func(name string) {
		t.Helper()
		v := s.Version()
		if seen[v] {
			t.Fatalf("%s: version %d repeated", name, v)
		}
		seen[v] = true
	}

	a := text("a", 0)
	mustInsert(t, s, a)
	step("insert")
	mustInsert(t, s, text("b", 1))
	step("insert")
	if err := s.Delete(a.ID); err != nil {
		t.Fatal(err)
	}
	step("delete")
	s.Clear()
	step("clear")
	s.Replace([]record.Record{text("c", 2)})
	step("replace")
}

func TestClear(t *testing.T) {
	s := New()
	mustInsert(t, s, text("a", 0), text("b", 1))
	if n := s.Clear(); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if s.Len() != 0 || len(s.List()) != 0 {
		t.Fatal("store not empty after Clear")
	}
	v := s.Version()
	if n := s.Clear(); n != 0 || s.Version() != v {
		t.Fatal("clearing an empty store changed version")
	}
}

func TestMaxRecordsEvictsOldest(t *testing.T) {
	s := New(WithMaxRecords(2))
	a, b, c := text("a", 0), text("b", 1), text("c", 2)
	mustInsert(t, s, a, b)

	evicted, err := s.Insert(c)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{a.ID}, evicted); diff != "" {
		t.Fatalf("evicted (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{c.ID, b.ID}, ids(s.List())); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	if s.Contains(a.ID) {
		t.Fatal("evicted record still indexed")
	}
}

func TestReplaceSkipsInvalidAndDuplicates(t *testing.T) {
	s := New()
	a, b := text("a", 0), text("b", 1)
	bad := text("bad", 2)
	bad.CreatedAt = time.Time{}
	dup := text("dup", 3)
	dup.ID = a.ID

	if n := s.Replace([]record.Record{a, bad, dup, b}); n != 2 {
		t.Fatalf("Replace kept %d, want 2", n)
	}
	if diff := cmp.Diff([]string{a.ID, b.ID}, ids(s.List())); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestSnapshotEquals(t *testing.T) {
	a, b := text("a", 0), text("b", 1)
	changed := b
	changed.Payload = []byte("B")
	later := b
	later.CreatedAt = b.CreatedAt.Add(time.Nanosecond)
	image := b
	image.Kind = record.KindImage

	tests := []struct {
		name string
		x, y []record.Record
		want bool
	}{
		{"both empty", nil, []record.Record{}, true},
		{"same order", []record.Record{a, b}, []record.Record{a, b}, true},
		{"order ignored", []record.Record{a, b}, []record.Record{b, a}, true},
		{"payload differs", []record.Record{a, b}, []record.Record{a, changed}, false},
		{"timestamp differs", []record.Record{a, b}, []record.Record{a, later}, false},
		{"kind differs", []record.Record{a, b}, []record.Record{a, image}, false},
		{"missing record", []record.Record{a, b}, []record.Record{a}, false},
		{"repeated id", []record.Record{a, b}, []record.Record{a, a}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SnapshotEquals(tc.x, tc.y); got != tc.want {
				t.Fatalf("SnapshotEquals = %v, want %v", got, tc.want)
			}
			if got := SnapshotEquals(tc.y, tc.x); got != tc.want {
				t.Fatalf("SnapshotEquals (swapped) = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConcurrentInsertsAndReads(t *testing.T) {
	s := New()
	const writers, each = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := s.Insert(text(fmt.Sprintf("%d-%d", w, i), i)); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			l := s.List()
			seen := make(map[string]bool, len(l))
			for _, r := range l {
				if seen[r.ID] {
					t.Error("duplicate id in snapshot")
					return
				}
				seen[r.ID] = true
			}
		}
	}()
	wg.Wait()

	if s.Len() != writers*each {
		t.Fatalf("len = %d, want %d", s.Len(), writers*each)
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := New()
	mustInsert(t, src,
		text("first", 0),
		record.New(record.KindImage, []byte{0x89, 'P', 'N', 'G'}, t0.Add(time.Second)),
		text("third", 2),
	)
	peer := &store.Endpoint{Address: "10.0.0.7", Port: 8080}
	if err := src.Persist(ctx, fs, peer); err != nil {
		t.Fatal(err)
	}

	dst := New()
	gotPeer, err := dst.Restore(ctx, fs)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(peer, gotPeer); diff != "" {
		t.Fatalf("peer (-want +got):\n%s", diff)
	}
	if !SnapshotEquals(src.List(), dst.List()) {
		t.Fatal("restored history differs")
	}
	if diff := cmp.Diff(ids(src.List()), ids(dst.List())); diff != "" {
		t.Fatalf("restored order (-want +got):\n%s", diff)
	}
}

func TestRestoreMissingIsEmpty(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New()
	mustInsert(t, s, text("stale", 0))
	peer, err := s.Restore(context.Background(), fs)
	if err != nil || peer != nil {
		t.Fatalf("Restore = %v, %v", peer, err)
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

func TestRestoreCorruptIsEmpty(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, store.FileName), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New()
	if _, err := s.Restore(context.Background(), fs); err != nil {
		t.Fatalf("Restore on garbage: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

func TestReplaceCountsTrimmedApartFromInvalid(t *testing.T) {
	s := New(WithMaxRecords(2))
	bad := text("bad", 9)
	bad.CreatedAt = time.Time{}

	kept, invalid := s.replace([]record.Record{text("a", 3), bad, text("b", 2), text("c", 1), text("d", 0)})
	if kept != 2 || invalid != 1 {
		t.Fatalf("replace = kept %d, invalid %d; want 2, 1", kept, invalid)
	}
}
