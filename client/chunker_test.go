package client

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestChunkerLayout(t *testing.T) {
	data := bytes.Repeat([]byte{'x'}, 2500)
	c, err := OpenChunker(writeTempFile(t, data), 1000)
	if err != nil {
		t.Fatalf("OpenChunker failed: %v", err)
	}
	defer c.Close()

	if got := c.TotalChunks(); got != 3 {
		t.Fatalf("TotalChunks = %d, want 3", got)
	}
	if got := c.Size(); got != 2500 {
		t.Fatalf("Size = %d, want 2500", got)
	}
	for i, want := range []int64{1000, 1000, 500} {
		if got := c.ChunkLength(i); got != want {
			t.Errorf("ChunkLength(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestChunkerReadsExactRanges(t *testing.T) {
	data := append(bytes.Repeat([]byte{'a'}, 4), bytes.Repeat([]byte{'b'}, 3)...)
	c, err := OpenChunker(writeTempFile(t, data), 4)
	if err != nil {
		t.Fatalf("OpenChunker failed: %v", err)
	}
	defer c.Close()

	for i, want := range []string{"aaaa", "bbb"} {
		r, err := c.ChunkReader(i)
		if err != nil {
			t.Fatalf("ChunkReader(%d) failed: %v", i, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read chunk %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("chunk %d = %q, want %q", i, got, want)
		}
	}

	if _, err := c.ChunkReader(2); err == nil {
		t.Fatal("ChunkReader past the end should fail")
	}
	if _, err := c.ChunkReader(-1); err == nil {
		t.Fatal("ChunkReader(-1) should fail")
	}
}

func TestChunkerChecksum(t *testing.T) {
	data := []byte("checksum me")
	c, err := OpenChunker(writeTempFile(t, data), 4)
	if err != nil {
		t.Fatalf("OpenChunker failed: %v", err)
	}
	defer c.Close()

	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	got, err := c.Checksum()
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if got != want {
		t.Fatalf("Checksum = %s, want %s", got, want)
	}

	// Checksum must not disturb chunk reads.
	r, err := c.ChunkReader(0)
	if err != nil {
		t.Fatalf("ChunkReader(0) failed: %v", err)
	}
	chunk, _ := io.ReadAll(r)
	if string(chunk) != "chec" {
		t.Fatalf("chunk 0 after Checksum = %q, want %q", chunk, "chec")
	}
}

func TestChunkerRejectsDegenerateInputs(t *testing.T) {
	if _, err := OpenChunker(writeTempFile(t, []byte("x")), 0); err == nil {
		t.Fatal("zero chunk size should be rejected")
	}
	if _, err := OpenChunker(writeTempFile(t, nil), 1000); err == nil {
		t.Fatal("empty file should be rejected")
	}
	if _, err := OpenChunker(filepath.Join(t.TempDir(), "missing"), 1000); err == nil {
		t.Fatal("missing file should be rejected")
	}
}
