// Package httpapi exposes the upload protocol over HTTP.
//
// Endpoints:
//
//	POST   /api/upload/begin            begin or resume a session
//	POST   /api/upload                  upload one chunk (multipart form)
//	GET    /api/upload/{sessionId}/status
//	DELETE /api/upload/{sessionId}      abort
//
// The chunk endpoint also creates the session implicitly when the form
// carries full metadata, so simple clients can skip the begin call.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/stitchd/stitch/coordinator"
	"github.com/stitchd/stitch/iox"
	"github.com/stitchd/stitch/log"
	"github.com/stitchd/stitch/types"
)

// DefaultMaxChunkBytes caps a single chunk request body (64 MiB).
const DefaultMaxChunkBytes = 64 << 20

// Server is the HTTP surface over the upload coordinator.
type Server struct {
	coord         *coordinator.Coordinator
	logger        *log.Logger
	maxChunkBytes int64
}

// NewServer creates the HTTP surface.
func NewServer(coord *coordinator.Coordinator, logger *log.Logger) *Server {
	return &Server{
		coord:         coord,
		logger:        logger,
		maxChunkBytes: DefaultMaxChunkBytes,
	}
}

// WithMaxChunkBytes overrides the chunk request body cap.
func (s *Server) WithMaxChunkBytes(n int64) *Server {
	if n > 0 {
		s.maxChunkBytes = n
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/upload/begin", s.handleBegin).Methods(http.MethodPost)
	r.HandleFunc("/api/upload", s.handleChunk).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/{sessionId}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/upload/{sessionId}", s.handleAbort).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req types.BeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.NewProtocolError(types.ErrInvalidChunk, "begin", "",
			fmt.Errorf("bad request body: %w", err)))
		return
	}
	desc, err := s.coord.Begin(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkBytes)
	if err := r.ParseMultipartForm(s.maxChunkBytes); err != nil {
		s.writeError(w, types.NewProtocolError(types.ErrInvalidChunk, "receive_chunk", "",
			fmt.Errorf("bad multipart form: %w", err)))
		return
	}

	sessionID := r.FormValue("sessionId")
	index, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		s.writeError(w, types.NewProtocolError(types.ErrInvalidChunk, "receive_chunk", sessionID,
			fmt.Errorf("bad chunk index %q", r.FormValue("index"))))
		return
	}

	// Full metadata on the form creates or resumes the session inline.
	if fileName := r.FormValue("fileName"); fileName != "" {
		totalSize, _ := strconv.ParseInt(r.FormValue("totalSize"), 10, 64)
		chunkSize, _ := strconv.ParseInt(r.FormValue("chunkSize"), 10, 64)
		desc, err := s.coord.Begin(r.Context(), types.BeginRequest{
			SessionID: sessionID,
			FileName:  fileName,
			TotalSize: totalSize,
			ChunkSize: chunkSize,
			Checksum:  r.FormValue("checksum"),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		sessionID = desc.SessionID
	}

	part, _, err := r.FormFile("chunk")
	if err != nil {
		s.writeError(w, types.NewProtocolError(types.ErrInvalidChunk, "receive_chunk", sessionID,
			fmt.Errorf("missing chunk part: %w", err)))
		return
	}
	defer iox.DiscardClose(part)
	data, err := io.ReadAll(part)
	if err != nil {
		s.writeError(w, types.NewProtocolError(types.ErrInvalidChunk, "receive_chunk", sessionID,
			fmt.Errorf("read chunk part: %w", err)))
		return
	}

	ack, err := s.coord.ReceiveChunk(r.Context(), sessionID, index, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.ChunkResponse{
		SessionID: ack.SessionID,
		Index:     ack.Index,
		Received:  ack.Received,
		Complete:  ack.Complete,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	status, err := s.coord.Status(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if err := s.coord.Abort(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": types.Version,
	})
}

// statusFor maps taxonomy errors to HTTP status codes.
// 4xx means the client must change its request; 5xx invites a retry.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnknownSession):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]any{"error": err.Error()})
	}
	s.writeJSON(w, code, types.ErrorResponse{
		Code:  types.ErrorCode(err),
		Error: err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", map[string]any{"error": err.Error()})
	}
}
