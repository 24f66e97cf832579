package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stitchd/stitch/iox"
)

// FSStore persists chunks as files under root/<sessionID>/<index>.chunk.
// Writes go through a temp file plus rename so a chunk is never visible
// half-written.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem chunk store rooted at dir.
// The directory is created if it does not exist.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("chunk store root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, WrapWriteError(err, dir)
	}
	return &FSStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string { return s.root }

// WriteChunk implements Store.
func (s *FSStore) WriteChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapWriteError(err, dir)
	}

	final := filepath.Join(dir, chunkFileName(index))
	tmp, err := os.CreateTemp(dir, chunkFileName(index)+".tmp-*")
	if err != nil {
		return WrapWriteError(err, final)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		iox.DiscardClose(tmp)
		_ = os.Remove(tmpName)
		return WrapWriteError(err, final)
	}
	if err := tmp.Sync(); err != nil {
		iox.DiscardClose(tmp)
		_ = os.Remove(tmpName)
		return WrapWriteError(err, final)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return WrapWriteError(err, final)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return WrapWriteError(err, final)
	}
	return nil
}

// HasChunk implements Store.
func (s *FSStore) HasChunk(_ context.Context, sessionID string, index int) (bool, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, chunkFileName(index)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, WrapReadError(err, chunkKey(sessionID, index))
}

// ReadChunksInOrder implements Store.
func (s *FSStore) ReadChunksInOrder(_ context.Context, sessionID string, totalChunks int) (ChunkSequence, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	// Verify the full set up front so assembly fails before the first byte.
	for i := 0; i < totalChunks; i++ {
		if _, err := os.Stat(filepath.Join(dir, chunkFileName(i))); err != nil {
			return nil, WrapReadError(err, chunkKey(sessionID, i))
		}
	}
	return &fsSequence{dir: dir, total: totalChunks}, nil
}

// DeleteSession implements Store.
func (s *FSStore) DeleteSession(_ context.Context, sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return WrapDeleteError(err, sessionID)
	}
	return nil
}

// sessionDir returns the directory for a session, rejecting ids that
// would escape the store root.
func (s *FSStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", NewStorageError(ErrNotFound, "resolve", sessionID,
			fmt.Errorf("invalid session id %q", sessionID))
	}
	return filepath.Join(s.root, sessionID), nil
}

func chunkFileName(index int) string {
	return fmt.Sprintf("%08d.chunk", index)
}

// fsSequence opens chunk files lazily in index order.
type fsSequence struct {
	dir   string
	total int
	pos   int
}

func (q *fsSequence) Next(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.pos >= q.total {
		return nil, io.EOF
	}
	path := filepath.Join(q.dir, chunkFileName(q.pos))
	f, err := os.Open(path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	q.pos++
	return f, nil
}

func (q *fsSequence) Restart() { q.pos = 0 }

// Verify FSStore implements Store.
var _ Store = (*FSStore)(nil)
