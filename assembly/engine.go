// Package assembly merges the chunks of a complete upload session into
// the final artifact, verifies it, and hands it to the downstream
// collaborator.
package assembly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/stitchd/stitch/iox"
	"github.com/stitchd/stitch/log"
	"github.com/stitchd/stitch/session"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/types"
)

// ArtifactSink receives the assembled artifact. Implementations move it
// to its home (object store, downstream processing); that part is
// outside the upload core.
type ArtifactSink interface {
	Deliver(ctx context.Context, artifact types.AssembledArtifact) error
}

// SinkFunc adapts a function to the ArtifactSink interface.
type SinkFunc func(ctx context.Context, artifact types.AssembledArtifact) error

// Deliver implements ArtifactSink.
func (f SinkFunc) Deliver(ctx context.Context, artifact types.AssembledArtifact) error {
	return f(ctx, artifact)
}

// Engine assembles complete sessions. It claims the session's assembly
// slot via the tracker, so a given session is never assembled twice
// concurrently, and never at all once it has been purged.
type Engine struct {
	chunks  store.Store
	tracker *session.Tracker
	sink    ArtifactSink
	outDir  string
	logger  *log.Logger
}

// NewEngine creates an assembly engine writing artifacts under outDir.
func NewEngine(chunks store.Store, tracker *session.Tracker, sink ArtifactSink, outDir string, logger *log.Logger) (*Engine, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create assembly output dir: %w", err)
	}
	return &Engine{
		chunks:  chunks,
		tracker: tracker,
		sink:    sink,
		outDir:  outDir,
		logger:  logger,
	}, nil
}

// Run assembles the session if its assembly slot can be claimed.
// Returns ran=false when another assembly already holds the slot or the
// session is gone; that caller simply reports completeness.
//
// On success the session is purged and its chunk storage released. On
// failure chunks and bookkeeping stay intact, the slot is released, and
// the session remains resumable.
func (e *Engine) Run(ctx context.Context, sess types.UploadSession) (types.AssembledArtifact, bool, error) {
	claimed, err := e.tracker.ClaimAssembly(sess.SessionID)
	if err != nil {
		// A concurrent assembly can finish and purge the session between
		// the caller's completeness check and the claim. The upload
		// landed; the late caller just reports completeness.
		if errors.Is(err, types.ErrUnknownSession) {
			return types.AssembledArtifact{}, false, nil
		}
		return types.AssembledArtifact{}, false, err
	}
	if !claimed {
		return types.AssembledArtifact{}, false, nil
	}

	artifact, err := e.assemble(ctx, sess)
	if err != nil {
		e.tracker.ReleaseAssembly(sess.SessionID)
		e.logger.Error("assembly failed", map[string]any{
			"session_id": sess.SessionID,
			"error":      err.Error(),
		})
		return types.AssembledArtifact{}, true, err
	}

	if err := e.sink.Deliver(ctx, artifact); err != nil {
		// Drop the undelivered artifact; the chunks stay, so a retry
		// reassembles it from scratch.
		_ = os.Remove(artifact.Path)
		e.tracker.ReleaseAssembly(sess.SessionID)
		return types.AssembledArtifact{}, true, types.NewProtocolError(
			types.ErrAssemblyFailed, "deliver", sess.SessionID, err)
	}

	e.tracker.FinishAssembly(sess.SessionID)
	if err := e.chunks.DeleteSession(ctx, sess.SessionID); err != nil {
		// The artifact already landed; leaked chunks are an operational
		// concern, not a protocol failure.
		e.logger.Warn("chunk cleanup failed after assembly", map[string]any{
			"session_id": sess.SessionID,
			"error":      err.Error(),
		})
	}

	e.logger.Info("session assembled", map[string]any{
		"session_id": sess.SessionID,
		"file_name":  artifact.FileName,
		"size_bytes": artifact.SizeBytes,
	})
	return artifact, true, nil
}

// assemble streams chunks 0..totalChunks-1 in order into a staged
// output file, verifies size and optional checksum, then renames the
// file into place.
func (e *Engine) assemble(ctx context.Context, sess types.UploadSession) (types.AssembledArtifact, error) {
	seq, err := e.chunks.ReadChunksInOrder(ctx, sess.SessionID, sess.TotalChunks)
	if err != nil {
		return types.AssembledArtifact{}, types.NewProtocolError(
			types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
	}

	out, err := os.CreateTemp(e.outDir, sess.SessionID+".assembling-*")
	if err != nil {
		return types.AssembledArtifact{}, types.NewProtocolError(
			types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
	}
	tmpName := out.Name()
	cleanup := func() {
		iox.DiscardClose(out)
		_ = os.Remove(tmpName)
	}

	var digest hash.Hash
	var w io.Writer = out
	if sess.Checksum != "" {
		digest = sha256.New()
		w = io.MultiWriter(out, digest)
	}

	var written int64
	for {
		rc, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			return types.AssembledArtifact{}, types.NewProtocolError(
				types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
		}
		n, err := io.Copy(w, rc)
		iox.DiscardClose(rc)
		if err != nil {
			cleanup()
			return types.AssembledArtifact{}, types.NewProtocolError(
				types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
		}
		written += n
	}

	if written != sess.TotalSize {
		cleanup()
		return types.AssembledArtifact{}, types.NewProtocolError(
			types.ErrSizeMismatch, "assemble", sess.SessionID,
			fmt.Errorf("assembled %d bytes, declared %d", written, sess.TotalSize))
	}

	var sum string
	if digest != nil {
		sum = hex.EncodeToString(digest.Sum(nil))
		if sum != sess.Checksum {
			cleanup()
			return types.AssembledArtifact{}, types.NewProtocolError(
				types.ErrChecksumMismatch, "assemble", sess.SessionID,
				fmt.Errorf("got %s, declared %s", sum, sess.Checksum))
		}
	}

	if err := out.Sync(); err != nil {
		cleanup()
		return types.AssembledArtifact{}, types.NewProtocolError(
			types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpName)
		return types.AssembledArtifact{}, types.NewProtocolError(
			types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
	}

	final := filepath.Join(e.outDir, sess.SessionID+"_"+filepath.Base(sess.FileName))
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return types.AssembledArtifact{}, types.NewProtocolError(
			types.ErrAssemblyFailed, "assemble", sess.SessionID, err)
	}

	return types.AssembledArtifact{
		SessionID: sess.SessionID,
		FileName:  sess.FileName,
		Path:      final,
		SizeBytes: written,
		Checksum:  sum,
	}, nil
}

// StubSink records deliveries for testing.
type StubSink struct {
	mu        sync.Mutex
	Delivered []types.AssembledArtifact
	// Fail, when set, is returned from Deliver.
	Fail error
}

// NewStubSink creates an empty stub sink.
func NewStubSink() *StubSink {
	return &StubSink{}
}

// Deliver implements ArtifactSink by recording the call.
func (s *StubSink) Deliver(_ context.Context, artifact types.AssembledArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.Delivered = append(s.Delivered, artifact)
	return nil
}

// Count returns the delivery count.
func (s *StubSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Delivered)
}

// Verify StubSink implements ArtifactSink.
var _ ArtifactSink = (*StubSink)(nil)
