package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stitchd/stitch/types"
)

// Journal record operations.
const (
	opCreate = "create"
	opMark   = "mark"
	opDelete = "delete"
)

// journalRecord is one append-only journal entry, msgpack-encoded.
type journalRecord struct {
	Op        string    `msgpack:"op"`
	SessionID string    `msgpack:"session_id"`
	At        time.Time `msgpack:"at"`

	// Create fields
	FileName    string `msgpack:"file_name,omitempty"`
	TotalSize   int64  `msgpack:"total_size,omitempty"`
	ChunkSize   int64  `msgpack:"chunk_size,omitempty"`
	TotalChunks int    `msgpack:"total_chunks,omitempty"`
	Checksum    string `msgpack:"checksum,omitempty"`

	// Mark fields
	Index      int   `msgpack:"index,omitempty"`
	ByteLength int64 `msgpack:"byte_length,omitempty"`
}

// Journal is an append-only msgpack log of session state transitions.
// Replaying the log rebuilds the tracker after a restart; the chunk
// store remains the source of truth for chunk bytes.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *msgpack.Encoder
	path string
}

// OpenJournal opens (or creates) the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session journal %s: %w", path, err)
	}
	return &Journal{file: f, enc: msgpack.NewEncoder(f), path: path}, nil
}

// Replay feeds every journaled record into the tracker.
func (j *Journal) Replay(t *Tracker) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("replay session journal %s: %w", j.path, err)
	}
	defer func() { _ = f.Close() }()

	dec := msgpack.NewDecoder(f)
	for {
		var rec journalRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// A torn tail write from a crash ends the replay; everything
			// before it is intact.
			return nil
		}
		switch rec.Op {
		case opCreate:
			t.restore(types.UploadSession{
				SessionID:      rec.SessionID,
				FileName:       rec.FileName,
				TotalSize:      rec.TotalSize,
				ChunkSize:      rec.ChunkSize,
				TotalChunks:    rec.TotalChunks,
				Checksum:       rec.Checksum,
				CreatedAt:      rec.At,
				LastActivityAt: rec.At,
			})
		case opMark:
			t.restoreMark(rec.SessionID, rec.Index, rec.ByteLength)
		case opDelete:
			t.restoreDelete(rec.SessionID)
		}
	}
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *Journal) appendCreate(sess types.UploadSession) error {
	return j.append(journalRecord{
		Op:          opCreate,
		SessionID:   sess.SessionID,
		At:          sess.CreatedAt,
		FileName:    sess.FileName,
		TotalSize:   sess.TotalSize,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.TotalChunks,
		Checksum:    sess.Checksum,
	})
}

func (j *Journal) appendMark(sessionID string, index int, byteLength int64) error {
	return j.append(journalRecord{
		Op:         opMark,
		SessionID:  sessionID,
		At:         time.Now(),
		Index:      index,
		ByteLength: byteLength,
	})
}

func (j *Journal) appendDelete(sessionID string) error {
	return j.append(journalRecord{
		Op:        opDelete,
		SessionID: sessionID,
		At:        time.Now(),
	})
}

func (j *Journal) append(rec journalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(&rec); err != nil {
		return fmt.Errorf("append session journal: %w", err)
	}
	return nil
}
