package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stitchd/stitch/iox"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	return s
}

func readAll(t *testing.T, seq ChunkSequence) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		rc, err := seq.Next(context.Background())
		if err == io.EOF {
			return out.Bytes()
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if _, err := io.Copy(&out, rc); err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		iox.DiscardClose(rc)
	}
}

func TestFSStore_RoundTrip(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	chunks := [][]byte{[]byte("alpha-"), []byte("bravo-"), []byte("charlie")}
	// Write out of order; read must come back in index order.
	for _, i := range []int{1, 0, 2} {
		if err := s.WriteChunk(ctx, "sess-1", i, chunks[i]); err != nil {
			t.Fatalf("WriteChunk(%d) failed: %v", i, err)
		}
	}

	seq, err := s.ReadChunksInOrder(ctx, "sess-1", 3)
	if err != nil {
		t.Fatalf("ReadChunksInOrder failed: %v", err)
	}
	got := readAll(t, seq)
	want := []byte("alpha-bravo-charlie")
	if !bytes.Equal(got, want) {
		t.Errorf("assembled bytes = %q, want %q", got, want)
	}
}

func TestFSStore_OverwriteKeepsOneCopy(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if err := s.WriteChunk(ctx, "sess-1", 0, []byte("first")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := s.WriteChunk(ctx, "sess-1", 0, []byte("again")); err != nil {
		t.Fatalf("second WriteChunk failed: %v", err)
	}

	seq, err := s.ReadChunksInOrder(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("ReadChunksInOrder failed: %v", err)
	}
	if got := readAll(t, seq); string(got) != "again" {
		t.Errorf("chunk = %q, want the rewrite to win", got)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "sess-1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 chunk file after overwrite, got %d", len(entries))
	}
}

func TestFSStore_HasChunk(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	ok, err := s.HasChunk(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("HasChunk failed: %v", err)
	}
	if ok {
		t.Error("HasChunk = true before any write")
	}

	if err := s.WriteChunk(ctx, "sess-1", 0, []byte("x")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	ok, err = s.HasChunk(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("HasChunk failed: %v", err)
	}
	if !ok {
		t.Error("HasChunk = false after write")
	}
}

func TestFSStore_ReadMissingChunk(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if err := s.WriteChunk(ctx, "sess-1", 0, []byte("x")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	// Index 1 never written: ordered read over 2 chunks must fail up front.
	_, err := s.ReadChunksInOrder(ctx, "sess-1", 2)
	if err == nil {
		t.Fatal("expected error for missing chunk")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound classification", err)
	}
}

func TestFSStore_SequenceRestart(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	for i, data := range [][]byte{[]byte("aa"), []byte("bb")} {
		if err := s.WriteChunk(ctx, "sess-1", i, data); err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
	}
	seq, err := s.ReadChunksInOrder(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("ReadChunksInOrder failed: %v", err)
	}

	first := readAll(t, seq)
	seq.Restart()
	second := readAll(t, seq)
	if !bytes.Equal(first, second) {
		t.Errorf("restarted read %q differs from first read %q", second, first)
	}
}

func TestFSStore_DeleteSession(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if err := s.WriteChunk(ctx, "sess-1", 0, []byte("x")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	ok, err := s.HasChunk(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("HasChunk failed: %v", err)
	}
	if ok {
		t.Error("chunk survived DeleteSession")
	}

	// Deleting an unknown session is a no-op.
	if err := s.DeleteSession(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteSession on unknown session: %v", err)
	}
}

func TestFSStore_RejectsPathEscape(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../evil", "a/b", `a\b`} {
		if err := s.WriteChunk(ctx, id, 0, []byte("x")); err == nil {
			t.Errorf("WriteChunk accepted session id %q", id)
		}
	}
}

func TestFSStore_NoPartialFilesAfterWrite(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if err := s.WriteChunk(ctx, "sess-1", 3, []byte("payload")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), "sess-1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".chunk" {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}
