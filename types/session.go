//nolint:revive // types is a common Go package naming convention
package types

import "time"

// UploadSession identifies one logical resumable file upload.
// Sessions are created on an explicit begin call or on the first chunk
// carrying full metadata, and destroyed on successful assembly or after
// an inactivity timeout.
type UploadSession struct {
	// SessionID is the opaque session identifier. Client-chosen, unique;
	// the server mints one when the client leaves it empty.
	SessionID string
	// FileName is the name of the file being uploaded.
	FileName string
	// TotalSize is the total file size in bytes.
	TotalSize int64
	// ChunkSize is the fixed chunk size in bytes. Never changes after
	// session creation.
	ChunkSize int64
	// TotalChunks is ceil(TotalSize / ChunkSize).
	TotalChunks int
	// Checksum is an optional client-supplied sha256 hex digest of the
	// whole file. Empty disables assembly-time verification.
	Checksum string
	// CreatedAt is when the session was created.
	CreatedAt time.Time
	// LastActivityAt is updated on every chunk receipt and status query.
	// Drives abandoned-session reaping.
	LastActivityAt time.Time
}

// ChunkRecord describes one received chunk of a session.
type ChunkRecord struct {
	SessionID  string
	Index      int
	ByteLength int64
	ReceivedAt time.Time
}

// SessionDescriptor is the begin/resume response: the session identity
// plus the indices the server already holds.
type SessionDescriptor struct {
	SessionID   string `json:"sessionId"`
	FileName    string `json:"fileName"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	// Received lists the chunk indices already present, ascending.
	// Empty for a brand-new session.
	Received []int `json:"received"`
}

// ChunkAck acknowledges one received chunk.
type ChunkAck struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	// Received is the count of distinct chunks held so far.
	Received int `json:"received"`
	// Complete is true once every chunk has arrived and the artifact
	// has been assembled.
	Complete bool `json:"complete"`
}

// AssembledArtifact describes the final concatenated file. Produced
// exactly once per session.
type AssembledArtifact struct {
	SessionID string
	FileName  string
	Path      string
	SizeBytes int64
	// Checksum is the sha256 hex of the assembled bytes, when
	// verification ran. Empty otherwise.
	Checksum string
}

// TotalChunks computes ceil(totalSize / chunkSize).
// Returns 0 when either argument is non-positive.
func TotalChunks(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

// ChunkLength returns the expected byte length of the chunk at index.
// Every chunk is ChunkSize bytes except possibly the last, which is
// TotalSize - ChunkSize*(TotalChunks-1).
func (s *UploadSession) ChunkLength(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	if index == s.TotalChunks-1 {
		return s.TotalSize - s.ChunkSize*int64(s.TotalChunks-1)
	}
	return s.ChunkSize
}

// Matches reports whether the resume metadata agrees with the session.
// A mismatch on any of fileName, totalSize or chunkSize is a conflict.
func (s *UploadSession) Matches(fileName string, totalSize, chunkSize int64) bool {
	return s.FileName == fileName && s.TotalSize == totalSize && s.ChunkSize == chunkSize
}
