// Package store persists raw chunk bytes for in-progress upload
// sessions, keyed by session id and chunk index.
//
// Two backends are provided: a local filesystem store (the default)
// and an S3-compatible object store. Both guarantee that a chunk
// acknowledged as written is durably readable before assembly begins.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Store is the chunk persistence contract the upload core requires.
// Implementations must provide byte-exact round-trip and must not
// expose partially written chunks.
type Store interface {
	// WriteChunk persists one chunk. Writing the same (sessionID, index)
	// twice overwrites; the store keeps exactly one copy.
	WriteChunk(ctx context.Context, sessionID string, index int, data []byte) error

	// HasChunk reports whether a chunk is present.
	HasChunk(ctx context.Context, sessionID string, index int) (bool, error)

	// ReadChunksInOrder returns a lazy, restartable sequence over the
	// chunks 0..totalChunks-1 in index order.
	ReadChunksInOrder(ctx context.Context, sessionID string, totalChunks int) (ChunkSequence, error)

	// DeleteSession removes every chunk of a session. Deleting an
	// unknown session is a no-op.
	DeleteSession(ctx context.Context, sessionID string) error
}

// ChunkSequence is a finite ordered sequence of chunk payloads.
// Next returns io.EOF after the last chunk. Restart rewinds to the
// first chunk so a failed assembly can re-read from the top.
type ChunkSequence interface {
	// Next opens the next chunk for reading. The caller closes it.
	Next(ctx context.Context) (io.ReadCloser, error)
	// Restart rewinds the sequence to index 0.
	Restart()
}

// StubStore is an in-memory Store for testing.
type StubStore struct {
	mu     sync.Mutex
	chunks map[string]map[int][]byte

	// FailWrites, when set, is returned from WriteChunk.
	FailWrites error
	// FailReads, when set, is returned from ReadChunksInOrder.
	FailReads error

	// Writes counts WriteChunk calls, including overwrites.
	Writes int
}

// NewStubStore creates an empty in-memory store.
func NewStubStore() *StubStore {
	return &StubStore{chunks: make(map[string]map[int][]byte)}
}

// WriteChunk implements Store.
func (s *StubStore) WriteChunk(_ context.Context, sessionID string, index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	sess, ok := s.chunks[sessionID]
	if !ok {
		sess = make(map[int][]byte)
		s.chunks[sessionID] = sess
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	sess[index] = buf
	s.Writes++
	return nil
}

// HasChunk implements Store.
func (s *StubStore) HasChunk(_ context.Context, sessionID string, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.chunks[sessionID]
	if !ok {
		return false, nil
	}
	_, ok = sess[index]
	return ok, nil
}

// ReadChunksInOrder implements Store.
func (s *StubStore) ReadChunksInOrder(_ context.Context, sessionID string, totalChunks int) (ChunkSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	sess := s.chunks[sessionID]
	payloads := make([][]byte, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		data, ok := sess[i]
		if !ok {
			return nil, NewStorageError(ErrNotFound, "read", chunkKey(sessionID, i),
				fmt.Errorf("chunk %d missing", i))
		}
		payloads = append(payloads, data)
	}
	return &memSequence{payloads: payloads}, nil
}

// DeleteSession implements Store.
func (s *StubStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, sessionID)
	return nil
}

// Indices returns the sorted chunk indices held for a session.
func (s *StubStore) Indices(sessionID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.chunks[sessionID]
	out := make([]int, 0, len(sess))
	for i := range sess {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Chunk returns the stored bytes for one chunk, or nil.
func (s *StubStore) Chunk(sessionID string, index int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[sessionID][index]
}

// memSequence walks a slice of payloads.
type memSequence struct {
	payloads [][]byte
	pos      int
}

func (q *memSequence) Next(_ context.Context) (io.ReadCloser, error) {
	if q.pos >= len(q.payloads) {
		return nil, io.EOF
	}
	r := io.NopCloser(bytes.NewReader(q.payloads[q.pos]))
	q.pos++
	return r, nil
}

func (q *memSequence) Restart() { q.pos = 0 }

func chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s/%d", sessionID, index)
}

// Verify StubStore implements Store.
var _ Store = (*StubStore)(nil)
