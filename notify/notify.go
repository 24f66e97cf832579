// Package notify defines the upload notification boundary.
//
// Notifiers announce assembled artifacts to downstream systems. The
// server owns notifier lifecycle; users provide configuration only.
package notify

import (
	"context"
	"time"

	"github.com/stitchd/stitch/types"
)

// UploadCompletedEvent is the payload published when a session's
// artifact has been assembled and verified.
type UploadCompletedEvent struct {
	EventType string `json:"event_type"` // always "upload_completed"
	SessionID string `json:"session_id"`
	FileName  string `json:"file_name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum,omitempty"`
	Timestamp string `json:"timestamp"` // ISO 8601
}

// NewEvent builds the completion event for an assembled artifact.
func NewEvent(artifact types.AssembledArtifact, at time.Time) *UploadCompletedEvent {
	return &UploadCompletedEvent{
		EventType: "upload_completed",
		SessionID: artifact.SessionID,
		FileName:  artifact.FileName,
		Path:      artifact.Path,
		SizeBytes: artifact.SizeBytes,
		Checksum:  artifact.Checksum,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// Notifier publishes upload completion events to a downstream system.
type Notifier interface {
	// Publish sends an upload completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *UploadCompletedEvent) error

	// Close releases notifier resources.
	Close() error
}
