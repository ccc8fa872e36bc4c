package store_test

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/noidd/noidd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "noidd.db"), false, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestView_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	view, err := s.PrefixedView("etc")
	if err != nil {
		t.Fatalf("prefixed view: %v", err)
	}

	if _, found, err := view.Get(ctx, "/etc/passwd"); err != nil || found {
		t.Fatalf("Get on empty view = (found=%v, err=%v), want not found", found, err)
	}

	if err := view.Put(ctx, "/etc/passwd", "deadbeefdeadbeef"); err != nil {
		t.Fatalf("put: %v", err)
	}

	val, found, err := view.Get(ctx, "/etc/passwd")
	if err != nil || !found || val != "deadbeefdeadbeef" {
		t.Fatalf("Get after Put = (%q, %v, %v)", val, found, err)
	}

	if err := view.Delete(ctx, "/etc/passwd"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := view.Get(ctx, "/etc/passwd"); found {
		t.Fatalf("expected key gone after Delete")
	}
}

func TestPrefixedView_RejectsEmptyPrefix(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PrefixedView(""); err == nil {
		t.Fatal("expected error for empty prefix")
	}
}

func TestPrefixedView_NamespacesKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	w1, _ := s.PrefixedView("w1")
	w2, _ := s.PrefixedView("w2")

	if err := w1.Put(ctx, "/shared/path", "aaaa"); err != nil {
		t.Fatalf("put w1: %v", err)
	}
	if err := w2.Put(ctx, "/shared/path", "bbbb"); err != nil {
		t.Fatalf("put w2: %v", err)
	}

	v1, _, _ := w1.Get(ctx, "/shared/path")
	v2, _, _ := w2.Get(ctx, "/shared/path")
	if v1 != "aaaa" || v2 != "bbbb" {
		t.Fatalf("prefix isolation broken: w1=%q w2=%q", v1, v2)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer snap.Close()

	entries, err := snap.Iterate(nil, nil, "w1"+store.Separator)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "w1_/shared/path" {
		t.Fatalf("prefixed iterate = %v, want [w1_/shared/path]", entries)
	}
}

func TestStore_Recreate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "noidd.db")

	s1, err := store.Open(path, false, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	view, _ := s1.PrefixedView("w")
	view.Put(ctx, "k", "v")
	s1.Close()

	s2, err := store.Open(path, true, 1)
	if err != nil {
		t.Fatalf("reopen with recreate: %v", err)
	}
	defer s2.Close()

	view2, _ := s2.PrefixedView("w")
	if _, found, _ := view2.Get(ctx, "k"); found {
		t.Error("expected key to be gone after recreate")
	}
}

func TestFloat32Codec_RoundTrip(t *testing.T) {
	codec := store.Float32Codec{}
	for _, f := range []float32{0, 1.5, -1.5, 1721938471.0, math.MaxFloat32, math.SmallestNonzeroFloat32} {
		b := codec.Encode(f)
		if len(b) != 4 {
			t.Fatalf("Encode(%v) = %d bytes, want 4", f, len(b))
		}
		got, err := codec.Decode(b)
		if err != nil {
			t.Fatalf("Decode(Encode(%v)): %v", f, err)
		}
		if got != f {
			t.Errorf("round trip %v = %v", f, got)
		}
	}

	if _, err := codec.Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding 3-byte value")
	}
}

func TestStringCodec_RoundTrip(t *testing.T) {
	codec := store.StringCodec{}
	for _, s := range []string{"", "deadbeefdeadbeef", "/etc/passwd", "päth/with/ütf8"} {
		if got := codec.Decode(codec.Encode(s)); got != s {
			t.Errorf("round trip %q = %q", s, got)
		}
	}
}

func TestView_Float32Sentinel(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	view, _ := s.PrefixedView("w")

	if _, found, err := view.GetFloat32(ctx, store.SentinelKey); err != nil || found {
		t.Fatalf("sentinel on fresh view = (found=%v, err=%v), want absent", found, err)
	}

	if err := view.PutFloat32(ctx, store.SentinelKey, 1721938471.0); err != nil {
		t.Fatalf("put sentinel: %v", err)
	}

	got, found, err := view.GetFloat32(ctx, store.SentinelKey)
	if err != nil || !found {
		t.Fatalf("get sentinel = (found=%v, err=%v)", found, err)
	}
	if got != float32(1721938471.0) {
		t.Errorf("sentinel value = %v, want %v", got, float32(1721938471.0))
	}
}

func TestSnapshot_IterateFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	view, _ := s.PrefixedView("w")

	view.Put(ctx, "/etc/passwd", "a")
	view.Put(ctx, "/etc/.hidden", "b")
	view.Put(ctx, "/var/log/syslog", "c")
	view.PutFloat32(ctx, store.SentinelKey, 1)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer snap.Close()

	all, err := snap.Iterate(nil, nil, "w"+store.Separator)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4: %v", len(all), all)
	}
	if !sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Key < all[j].Key }) {
		t.Errorf("entries not in key order: %v", all)
	}

	// Conjunction of includes plus excludes, one of which skips the sentinel
	// key the way the deletion scanner does.
	etc, err := snap.Iterate([]string{`/etc/`}, []string{store.SentinelKey + "$", `/\.`}, "w"+store.Separator)
	if err != nil {
		t.Fatalf("iterate with filters: %v", err)
	}
	if len(etc) != 1 || etc[0].Key != "w_/etc/passwd" {
		t.Fatalf("filtered iterate = %v, want [w_/etc/passwd]", etc)
	}

	if _, err := snap.Iterate([]string{"("}, nil, ""); err == nil {
		t.Error("expected error for malformed include pattern")
	}
}
