// Package client implements the upload driver: file chunking, bounded
// parallel chunk upload with retry and backoff, resume, and abort.
package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/stitchd/stitch/types"
)

// Chunker splits a file of known size into fixed-size byte ranges.
// Chunks are read as section readers over one open file handle, so a
// large file is never held in memory whole.
type Chunker struct {
	file      *os.File
	name      string
	size      int64
	chunkSize int64
	total     int
}

// OpenChunker opens path and computes its chunk layout.
func OpenChunker(path string, chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size %d must be positive", chunkSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%s is empty, nothing to upload", path)
	}
	return &Chunker{
		file:      f,
		name:      fi.Name(),
		size:      fi.Size(),
		chunkSize: chunkSize,
		total:     types.TotalChunks(fi.Size(), chunkSize),
	}, nil
}

// Name returns the file's base name.
func (c *Chunker) Name() string { return c.name }

// Size returns the file size in bytes.
func (c *Chunker) Size() int64 { return c.size }

// ChunkSize returns the configured chunk size.
func (c *Chunker) ChunkSize() int64 { return c.chunkSize }

// TotalChunks returns ceil(size / chunkSize).
func (c *Chunker) TotalChunks() int { return c.total }

// ChunkLength returns the byte length of the chunk at index.
func (c *Chunker) ChunkLength(index int) int64 {
	if index < 0 || index >= c.total {
		return 0
	}
	if index == c.total-1 {
		return c.size - c.chunkSize*int64(c.total-1)
	}
	return c.chunkSize
}

// ChunkReader returns a reader over the chunk at index.
// Section readers are independent, so chunks can be read concurrently.
func (c *Chunker) ChunkReader(index int) (*io.SectionReader, error) {
	length := c.ChunkLength(index)
	if length == 0 {
		return nil, fmt.Errorf("chunk index %d out of range [0,%d)", index, c.total)
	}
	return io.NewSectionReader(c.file, c.chunkSize*int64(index), length), nil
}

// Checksum computes the sha256 hex digest of the whole file.
func (c *Chunker) Checksum() (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(c.file, 0, c.size)); err != nil {
		return "", fmt.Errorf("checksum %s: %w", c.name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Close releases the file handle.
func (c *Chunker) Close() error {
	return c.file.Close()
}
