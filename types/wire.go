package types

// Wire types for the HTTP upload surface.
//
// Chunk payloads travel as a multipart form part; everything else is
// JSON. Field names match the form field names the chunk endpoint
// accepts.

// BeginRequest starts or resumes an upload session.
type BeginRequest struct {
	// SessionID is optional; empty asks the server to mint one.
	SessionID string `json:"sessionId,omitempty"`
	FileName  string `json:"fileName"`
	TotalSize int64  `json:"totalSize"`
	ChunkSize int64  `json:"chunkSize"`
	// Checksum is an optional sha256 hex of the whole file.
	Checksum string `json:"checksum,omitempty"`
}

// ChunkResponse is the body returned by the chunk upload endpoint.
type ChunkResponse struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Received  int    `json:"received"`
	Complete  bool   `json:"complete"`
}

// StatusResponse reports resume state for a session.
type StatusResponse struct {
	SessionID   string `json:"sessionId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	Received    int    `json:"received"`
	// MissingChunks lists the indices not yet received, ascending.
	MissingChunks []int `json:"missingChunks"`
	Complete      bool  `json:"complete"`
}

// ErrorResponse is the structured error body for non-2xx responses.
// Code is one of the taxonomy codes from ErrorCode.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
