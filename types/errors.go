package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the upload protocol taxonomy.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrInvalidChunk indicates a bad chunk index or byte length.
	// A client bug; never retried automatically.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrSessionConflict indicates resume metadata that does not match
	// the existing session. The client must start a fresh session.
	ErrSessionConflict = errors.New("session conflict")

	// ErrUnknownSession indicates the session expired, was aborted, or
	// was already assembled and purged. The client restarts the upload.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSizeMismatch indicates the assembled byte count diverged from
	// the declared total size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrChecksumMismatch indicates the assembled artifact failed
	// checksum verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrAssemblyFailed wraps any assembly-time failure. The session
	// stays resumable; chunk records are left intact.
	ErrAssemblyFailed = errors.New("assembly failed")
)

// ErrorCode returns the wire code for a taxonomy error, or "Internal"
// for anything outside the taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChunk):
		return "InvalidChunk"
	case errors.Is(err, ErrSessionConflict):
		return "SessionConflict"
	case errors.Is(err, ErrUnknownSession):
		return "UnknownSession"
	case errors.Is(err, ErrSizeMismatch):
		return "SizeMismatch"
	case errors.Is(err, ErrChecksumMismatch):
		return "ChecksumMismatch"
	case errors.Is(err, ErrAssemblyFailed):
		return "AssemblyFailed"
	default:
		return "Internal"
	}
}

// ProtocolError wraps an underlying error with its taxonomy kind, the
// failing operation and the session involved. The original error stays
// in the chain for errors.Is/errors.As.
type ProtocolError struct {
	// Kind is the sentinel for classification (e.g. ErrInvalidChunk).
	Kind error
	// Op is the protocol operation that failed (e.g. "receive_chunk").
	Op string
	// SessionID is the session involved, if any.
	SessionID string
	// Err is the underlying error, if any.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.SessionID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.SessionID, e.Kind)
}

// Unwrap returns the underlying error for chain traversal.
func (e *ProtocolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is reports whether the error matches the target sentinel.
func (e *ProtocolError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewProtocolError creates a classified protocol error.
func NewProtocolError(kind error, op, sessionID string, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Op: op, SessionID: sessionID, Err: err}
}
