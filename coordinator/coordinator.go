// Package coordinator implements the request-facing upload protocol:
// session begin/resume, chunk receipt, resume queries, abort, and the
// completion trigger for assembly.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stitchd/stitch/assembly"
	"github.com/stitchd/stitch/log"
	"github.com/stitchd/stitch/session"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/types"
)

// Coordinator validates incoming chunk requests, delegates storage,
// updates the tracker, and triggers assembly when a session completes.
// Safe for concurrent use; exclusion is per session, never global.
type Coordinator struct {
	chunks  store.Store
	tracker *session.Tracker
	engine  *assembly.Engine
	logger  *log.Logger
}

// New creates a coordinator over its three collaborators.
func New(chunks store.Store, tracker *session.Tracker, engine *assembly.Engine, logger *log.Logger) *Coordinator {
	return &Coordinator{
		chunks:  chunks,
		tracker: tracker,
		engine:  engine,
		logger:  logger,
	}
}

// Begin starts a new session or resumes an existing one.
// An empty SessionID asks the server to mint one. Resuming requires
// fileName, totalSize and chunkSize to match the existing session;
// a mismatch is a SessionConflict.
func (c *Coordinator) Begin(_ context.Context, req types.BeginRequest) (types.SessionDescriptor, error) {
	if err := validateBegin(req); err != nil {
		return types.SessionDescriptor{}, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, created, err := c.tracker.GetOrCreate(types.UploadSession{
		SessionID:   sessionID,
		FileName:    req.FileName,
		TotalSize:   req.TotalSize,
		ChunkSize:   req.ChunkSize,
		TotalChunks: types.TotalChunks(req.TotalSize, req.ChunkSize),
		Checksum:    req.Checksum,
	})
	if err != nil {
		return types.SessionDescriptor{}, err
	}

	received := []int{}
	if !created {
		received, err = c.tracker.Received(sessionID)
		if err != nil {
			return types.SessionDescriptor{}, err
		}
	}

	c.logger.Info("session ready", map[string]any{
		"session_id": sessionID,
		"file_name":  sess.FileName,
		"created":    created,
		"received":   len(received),
	})
	return types.SessionDescriptor{
		SessionID:   sessionID,
		FileName:    sess.FileName,
		TotalSize:   sess.TotalSize,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.TotalChunks,
		Received:    received,
	}, nil
}

// ReceiveChunk validates and stores one chunk, marks it received, and
// assembles the session when the last chunk lands. Re-sending an
// already-received chunk is idempotent: the bytes are rewritten and the
// ack is the same, which tolerates client retries after a lost ack.
func (c *Coordinator) ReceiveChunk(ctx context.Context, sessionID string, index int, data []byte) (types.ChunkAck, error) {
	sess, ok := c.tracker.Get(sessionID)
	if !ok {
		return types.ChunkAck{}, types.NewProtocolError(types.ErrUnknownSession, "receive_chunk", sessionID, nil)
	}

	if index < 0 || index >= sess.TotalChunks {
		return types.ChunkAck{}, types.NewProtocolError(
			types.ErrInvalidChunk, "receive_chunk", sessionID,
			fmt.Errorf("index %d out of range [0,%d)", index, sess.TotalChunks))
	}
	if want := sess.ChunkLength(index); int64(len(data)) != want {
		return types.ChunkAck{}, types.NewProtocolError(
			types.ErrInvalidChunk, "receive_chunk", sessionID,
			fmt.Errorf("chunk %d is %d bytes, expected %d", index, len(data), want))
	}

	// Store before marking: a mark without bytes would let assembly read
	// a hole, while bytes without a mark are re-sent harmlessly.
	if err := c.chunks.WriteChunk(ctx, sessionID, index, data); err != nil {
		return types.ChunkAck{}, types.NewProtocolError(
			types.ErrAssemblyFailed, "receive_chunk", sessionID, err)
	}

	complete, received, err := c.tracker.MarkReceived(sessionID, index, int64(len(data)))
	if err != nil {
		return types.ChunkAck{}, err
	}

	if complete {
		if _, _, err := c.engine.Run(ctx, sess); err != nil {
			return types.ChunkAck{}, err
		}
	}

	return types.ChunkAck{
		SessionID: sessionID,
		Index:     index,
		Received:  received,
		Complete:  complete,
	}, nil
}

// MissingChunks returns the indices not yet received, supporting
// client-side resume. UnknownSession once the session is assembled,
// aborted, or reaped.
func (c *Coordinator) MissingChunks(_ context.Context, sessionID string) ([]int, error) {
	return c.tracker.Missing(sessionID)
}

// Status reports the session's progress for the resume-query endpoint.
func (c *Coordinator) Status(_ context.Context, sessionID string) (types.StatusResponse, error) {
	sess, ok := c.tracker.Get(sessionID)
	if !ok {
		return types.StatusResponse{}, types.NewProtocolError(types.ErrUnknownSession, "status", sessionID, nil)
	}
	missing, err := c.tracker.Missing(sessionID)
	if err != nil {
		return types.StatusResponse{}, err
	}
	return types.StatusResponse{
		SessionID:     sessionID,
		FileName:      sess.FileName,
		TotalChunks:   sess.TotalChunks,
		Received:      sess.TotalChunks - len(missing),
		MissingChunks: missing,
		Complete:      len(missing) == 0,
	}, nil
}

// Abort deletes the session's chunk records and bookkeeping.
// Safe to call on an unknown session.
func (c *Coordinator) Abort(ctx context.Context, sessionID string) error {
	c.tracker.Delete(sessionID)
	if err := c.chunks.DeleteSession(ctx, sessionID); err != nil {
		return types.NewProtocolError(types.ErrAssemblyFailed, "abort", sessionID, err)
	}
	c.logger.Info("session aborted", map[string]any{"session_id": sessionID})
	return nil
}

// Reap removes sessions idle longer than maxIdle and releases their
// chunk storage. Returns the number of sessions reaped.
func (c *Coordinator) Reap(ctx context.Context, maxIdle time.Duration) int {
	reaped := c.tracker.Reap(maxIdle)
	for _, id := range reaped {
		if err := c.chunks.DeleteSession(ctx, id); err != nil {
			c.logger.Warn("chunk cleanup failed for reaped session", map[string]any{
				"session_id": id,
				"error":      err.Error(),
			})
		}
	}
	if len(reaped) > 0 {
		c.logger.Info("reaped idle sessions", map[string]any{"count": len(reaped)})
	}
	return len(reaped)
}

// RunReaper sweeps idle sessions every interval until ctx is canceled.
func (c *Coordinator) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reap(ctx, maxIdle)
		}
	}
}

func validateBegin(req types.BeginRequest) error {
	switch {
	case req.FileName == "":
		return types.NewProtocolError(types.ErrInvalidChunk, "begin", req.SessionID,
			fmt.Errorf("file name is required"))
	case req.TotalSize <= 0:
		return types.NewProtocolError(types.ErrInvalidChunk, "begin", req.SessionID,
			fmt.Errorf("total size %d must be positive", req.TotalSize))
	case req.ChunkSize <= 0:
		return types.NewProtocolError(types.ErrInvalidChunk, "begin", req.SessionID,
			fmt.Errorf("chunk size %d must be positive", req.ChunkSize))
	default:
		return nil
	}
}
