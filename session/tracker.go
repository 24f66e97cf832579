// Package session tracks which chunks of which upload session have
// arrived, detects completion, and guards assembly so it runs at most
// once per session.
//
// The tracker is in-memory; an optional msgpack journal makes session
// state survive process restarts (see WithJournal). Chunk bytes are
// never journaled; the chunk store is the source of truth for bytes,
// and Reconcile drops any mark whose chunk went missing.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/types"
)

// entry holds one session's bookkeeping. Its mutex serializes all
// mutation for that session; unrelated sessions proceed independently.
type entry struct {
	mu            sync.Mutex
	session       types.UploadSession
	received      map[int]struct{}
	receivedBytes int64
	// assembling is the at-most-one-concurrent-assembly flag.
	assembling bool
}

// Tracker maintains the received-index set and expected total for each
// live session.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	journal  *Journal

	clock func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker) error

// WithJournal enables the durable journal at path. Existing journal
// contents are replayed before the tracker accepts traffic.
func WithJournal(path string) Option {
	return func(t *Tracker) error {
		j, err := OpenJournal(path)
		if err != nil {
			return err
		}
		t.journal = j
		return j.Replay(t)
	}
}

// withClock overrides the time source, for tests.
func withClock(clock func() time.Time) Option {
	return func(t *Tracker) error {
		t.clock = clock
		return nil
	}
}

// NewTracker creates a session tracker.
func NewTracker(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		sessions: make(map[string]*entry),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Close releases the journal, if any.
func (t *Tracker) Close() error {
	if t.journal == nil {
		return nil
	}
	return t.journal.Close()
}

// GetOrCreate returns the existing session for sess.SessionID, or
// registers sess as a new one. Returns ErrSessionConflict when an
// existing session has the same id but different metadata.
func (t *Tracker) GetOrCreate(sess types.UploadSession) (types.UploadSession, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.sessions[sess.SessionID]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.session.Matches(sess.FileName, sess.TotalSize, sess.ChunkSize) {
			return types.UploadSession{}, false, types.NewProtocolError(
				types.ErrSessionConflict, "get_or_create", sess.SessionID,
				fmt.Errorf("existing session is %q/%d/%d", e.session.FileName,
					e.session.TotalSize, e.session.ChunkSize))
		}
		e.session.LastActivityAt = t.clock()
		return e.session, false, nil
	}

	now := t.clock()
	sess.CreatedAt = now
	sess.LastActivityAt = now
	t.sessions[sess.SessionID] = &entry{
		session:  sess,
		received: make(map[int]struct{}),
	}
	if t.journal != nil {
		if err := t.journal.appendCreate(sess); err != nil {
			delete(t.sessions, sess.SessionID)
			return types.UploadSession{}, false, err
		}
	}
	return sess, true, nil
}

// Get returns a copy of the session record.
func (t *Tracker) Get(sessionID string) (types.UploadSession, bool) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return types.UploadSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// MarkReceived records that the chunk at index has arrived. Idempotent:
// marking an already-received index is a no-op that reports the current
// completeness. Returns the completeness and the distinct-chunk count.
func (t *Tracker) MarkReceived(sessionID string, index int, byteLength int64) (bool, int, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return false, 0, types.NewProtocolError(types.ErrUnknownSession, "mark_received", sessionID, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= e.session.TotalChunks {
		return false, len(e.received), types.NewProtocolError(
			types.ErrInvalidChunk, "mark_received", sessionID,
			fmt.Errorf("index %d out of range [0,%d)", index, e.session.TotalChunks))
	}

	e.session.LastActivityAt = t.clock()
	if _, dup := e.received[index]; !dup {
		e.received[index] = struct{}{}
		e.receivedBytes += byteLength
		if t.journal != nil {
			if err := t.journal.appendMark(sessionID, index, byteLength); err != nil {
				delete(e.received, index)
				e.receivedBytes -= byteLength
				return false, len(e.received), err
			}
		}
	}
	return len(e.received) == e.session.TotalChunks, len(e.received), nil
}

// IsComplete reports whether every chunk in [0, totalChunks) has arrived.
func (t *Tracker) IsComplete(sessionID string) (bool, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return false, types.NewProtocolError(types.ErrUnknownSession, "is_complete", sessionID, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received) == e.session.TotalChunks, nil
}

// Received returns the sorted received indices.
func (t *Tracker) Received(sessionID string) ([]int, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return nil, types.NewProtocolError(types.ErrUnknownSession, "received", sessionID, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.received))
	for i := range e.received {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// Missing returns the sorted complement of the received set.
func (t *Tracker) Missing(sessionID string) ([]int, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return nil, types.NewProtocolError(types.ErrUnknownSession, "missing", sessionID, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	missing := make([]int, 0, e.session.TotalChunks-len(e.received))
	for i := 0; i < e.session.TotalChunks; i++ {
		if _, ok := e.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// ReceivedBytes returns the byte total across distinct received chunks.
func (t *Tracker) ReceivedBytes(sessionID string) (int64, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return 0, types.NewProtocolError(types.ErrUnknownSession, "received_bytes", sessionID, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receivedBytes, nil
}

// ClaimAssembly attempts to take the session's assembly slot.
// Returns true exactly once per completion; a second caller gets false
// until ReleaseAssembly. The compare-and-set lives under the session
// mutex so a claim racing a duplicate ack cannot both win.
func (t *Tracker) ClaimAssembly(sessionID string) (bool, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return false, types.NewProtocolError(types.ErrUnknownSession, "claim_assembly", sessionID, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assembling {
		return false, nil
	}
	if len(e.received) != e.session.TotalChunks {
		return false, nil
	}
	e.assembling = true
	return true, nil
}

// ReleaseAssembly clears the assembly slot after a failed attempt,
// leaving the session resumable.
func (t *Tracker) ReleaseAssembly(sessionID string) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.assembling = false
	e.mu.Unlock()
}

// FinishAssembly purges a successfully assembled session. Subsequent
// queries answer ErrUnknownSession, which tells a late-retrying client
// the upload already landed.
func (t *Tracker) FinishAssembly(sessionID string) {
	t.Delete(sessionID)
}

// Delete removes a session's bookkeeping. Unknown ids are a no-op.
func (t *Tracker) Delete(sessionID string) {
	t.mu.Lock()
	_, existed := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if existed && t.journal != nil {
		_ = t.journal.appendDelete(sessionID)
	}
}

// Reap removes sessions idle for longer than maxIdle and returns their
// ids so the caller can release chunk storage.
func (t *Tracker) Reap(maxIdle time.Duration) []string {
	cutoff := t.clock().Add(-maxIdle)

	t.mu.Lock()
	var reaped []string
	for id, e := range t.sessions {
		e.mu.Lock()
		idle := e.session.LastActivityAt.Before(cutoff) && !e.assembling
		e.mu.Unlock()
		if idle {
			delete(t.sessions, id)
			reaped = append(reaped, id)
		}
	}
	t.mu.Unlock()

	if t.journal != nil {
		for _, id := range reaped {
			_ = t.journal.appendDelete(id)
		}
	}
	sort.Strings(reaped)
	return reaped
}

// Len returns the live session count.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Reconcile verifies journaled marks against the chunk store and drops
// any mark whose chunk is absent. Call once at startup, after replay,
// before serving traffic.
func (t *Tracker) Reconcile(ctx context.Context, chunks store.Store) error {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		e, ok := t.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		for index := range e.received {
			present, err := chunks.HasChunk(ctx, id, index)
			if err != nil {
				e.mu.Unlock()
				return fmt.Errorf("reconcile %s chunk %d: %w", id, index, err)
			}
			if !present {
				byteLength := e.session.ChunkLength(index)
				delete(e.received, index)
				e.receivedBytes -= byteLength
			}
		}
		e.mu.Unlock()
	}
	return nil
}

// restore installs a replayed session without journaling it again.
func (t *Tracker) restore(sess types.UploadSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sess.SessionID]; ok {
		return
	}
	t.sessions[sess.SessionID] = &entry{
		session:  sess,
		received: make(map[int]struct{}),
	}
}

// restoreMark installs a replayed mark without journaling it again.
func (t *Tracker) restoreMark(sessionID string, index int, byteLength int64) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= e.session.TotalChunks {
		return
	}
	if _, dup := e.received[index]; dup {
		return
	}
	e.received[index] = struct{}{}
	e.receivedBytes += byteLength
}

// restoreDelete removes a replayed session without journaling.
func (t *Tracker) restoreDelete(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) lookup(sessionID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.sessions[sessionID]
	return e, ok
}
