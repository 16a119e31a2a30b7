package blob

import (
	"bytes"
	"context"
	"testing"
)

func TestLocal_WriteReadRoundTrip(t *testing.T) {
	s := NewLocal(t.TempDir())
	ctx := context.Background()

	want := []byte(`{"version":0}`)
	if err := s.Write(ctx, "_txn_log/00000000000000000000.json", want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.Read(ctx, "_txn_log/00000000000000000000.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %q, want %q", got, want)
	}
}

func TestLocal_Exists(t *testing.T) {
	s := NewLocal(t.TempDir())
	ctx := context.Background()

	ok, err := s.Exists(ctx, "data/missing.parquet")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("expected missing object")
	}

	if err := s.Write(ctx, "data/present.parquet", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err = s.Exists(ctx, "data/present.parquet")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatal("expected object to exist")
	}
}

func TestLocal_DeleteIsIdempotent(t *testing.T) {
	s := NewLocal(t.TempDir())
	ctx := context.Background()

	if err := s.Write(ctx, "data/a.parquet", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Delete(ctx, "data/a.parquet"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Second delete of a gone object must not error.
	if err := s.Delete(ctx, "data/a.parquet"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestLocal_ListByPrefix(t *testing.T) {
	s := NewLocal(t.TempDir())
	ctx := context.Background()

	for _, p := range []string{"data/b.parquet", "data/a.parquet", "_txn_log/v0.json"} {
		if err := s.Write(ctx, p, []byte("x")); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	objs, err := s.List(ctx, "data/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}
	// Lexical order.
	if objs[0].Path != "data/a.parquet" || objs[1].Path != "data/b.parquet" {
		t.Fatalf("unexpected order: %v, %v", objs[0].Path, objs[1].Path)
	}
	if objs[0].Size != 1 {
		t.Fatalf("size = %d, want 1", objs[0].Size)
	}
}

func TestLocal_ListEmptyRoot(t *testing.T) {
	s := NewLocal(t.TempDir() + "/does-not-exist-yet")
	objs, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("got %d objects, want 0", len(objs))
	}
}
