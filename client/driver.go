package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stitchd/stitch/iox"
	"github.com/stitchd/stitch/log"
	"github.com/stitchd/stitch/types"
)

// Default driver parameters.
const (
	DefaultChunkSize = 1 << 20 // 1 MiB, matching the server-side default
	DefaultParallel  = 3
	DefaultTimeout   = 30 * time.Second
)

// ProgressFunc receives aggregate upload progress. bytesCompleted
// includes chunks skipped on resume; it is monotonic and ends at
// bytesTotal on success.
type ProgressFunc func(bytesCompleted, bytesTotal int64)

// Config configures the upload driver.
type Config struct {
	// ServerURL is the upload server base URL (required).
	ServerURL string
	// ChunkSize is the fixed chunk size in bytes (default 1 MiB).
	ChunkSize int64
	// Parallel is the worker pool size (default 3).
	Parallel int
	// Retries is the per-chunk retry budget (default 3).
	Retries int
	// BackoffBase is the initial retry delay, doubling per retry
	// (default 500ms).
	BackoffBase time.Duration
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// SessionID pins the session id, enabling resume across driver
	// restarts. Empty lets the server mint one.
	SessionID string
	// Verify computes a sha256 of the file and has the server check the
	// assembled artifact against it.
	Verify bool
	// OnProgress, when set, receives aggregate progress updates.
	OnProgress ProgressFunc
}

// Result summarizes a finished upload.
type Result struct {
	SessionID string
	FileName  string
	// BytesSent counts bytes uploaded by this run, excluding chunks
	// skipped on resume.
	BytesSent int64
	Complete  bool
}

// FailureReason classifies a failed upload for the caller.
type FailureReason string

const (
	// ReasonRetryLater means the failure was transient and the session
	// is still resumable with the same session id.
	ReasonRetryLater FailureReason = "retry_later"
	// ReasonRestart means the session is gone or conflicted; the whole
	// upload must start over.
	ReasonRestart FailureReason = "restart"
	// ReasonFatal means a client-side bug or local I/O failure.
	ReasonFatal FailureReason = "fatal"
)

// UploadError carries the failure classification to the caller.
type UploadError struct {
	Reason FailureReason
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed (%s): %v", e.Reason, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Driver uploads files in chunks with bounded concurrency, retry, and
// resume.
type Driver struct {
	cfg    Config
	http   *resty.Client
	retry  RetryPolicy
	logger *log.SugaredLogger
}

// New creates an upload driver.
func New(cfg Config, logger *log.Logger) (*Driver, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = DefaultParallel
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(cfg.ServerURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0) // retry belongs to the driver's policy, not the transport

	return &Driver{
		cfg:    cfg,
		http:   httpClient,
		retry:  RetryPolicy{Retries: cfg.Retries, BackoffBase: cfg.BackoffBase},
		logger: logger.Sugar(),
	}, nil
}

// Upload sends the file at path, resuming the session when the server
// already holds some of its chunks. Cancel ctx to abort: in-flight
// chunks stop, no new ones are scheduled, and the server-side session
// is reclaimed.
func (d *Driver) Upload(ctx context.Context, path string) (*Result, error) {
	chunker, err := OpenChunker(path, d.cfg.ChunkSize)
	if err != nil {
		return nil, &UploadError{Reason: ReasonFatal, Err: err}
	}
	defer iox.DiscardClose(chunker)

	var checksum string
	if d.cfg.Verify {
		checksum, err = chunker.Checksum()
		if err != nil {
			return nil, &UploadError{Reason: ReasonFatal, Err: err}
		}
	}

	desc, err := d.begin(ctx, chunker, checksum)
	if err != nil {
		return nil, classify(err)
	}
	d.logger.Infof("session %s: %d/%d chunks already present",
		desc.SessionID, len(desc.Received), desc.TotalChunks)

	pending := pendingIndices(desc)
	progress := newProgressMeter(chunker.Size(), d.cfg.OnProgress)
	for _, index := range desc.Received {
		progress.add(chunker.ChunkLength(index))
	}

	result := &Result{SessionID: desc.SessionID, FileName: chunker.Name()}
	if len(pending) == 0 {
		result.Complete = true
		return result, nil
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, d.cfg.Parallel)
		firstErr  atomic.Pointer[error]
		bytesSent atomic.Int64
		complete  atomic.Bool
	)
	fail := func(err error) {
		e := err
		if firstErr.CompareAndSwap(nil, &e) {
			cancel() // stop scheduling further chunks
		}
	}

	for _, index := range pending {
		select {
		case sem <- struct{}{}:
		case <-uploadCtx.Done():
		}
		if uploadCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-sem }()

			length := chunker.ChunkLength(index)
			err := d.retry.Do(uploadCtx, func() error {
				return d.sendChunk(uploadCtx, desc.SessionID, chunker, index, &complete)
			})
			if err != nil {
				fail(err)
				return
			}
			bytesSent.Add(length)
			progress.add(length)
		}(index)
	}
	wg.Wait()

	result.BytesSent = bytesSent.Load()

	// Caller-initiated cancellation reclaims server-side state.
	if ctx.Err() != nil {
		d.abortBestEffort(desc.SessionID)
		return result, &UploadError{Reason: ReasonFatal, Err: ctx.Err()}
	}
	if errPtr := firstErr.Load(); errPtr != nil {
		uploadErr := classify(*errPtr)
		if uploadErr.Reason == ReasonFatal {
			// Permanent rejection: partial state is useless, reclaim it.
			d.abortBestEffort(desc.SessionID)
		}
		return result, uploadErr
	}

	result.Complete = complete.Load()
	return result, nil
}

// Missing asks the server which chunks of a session it still needs.
func (d *Driver) Missing(ctx context.Context, sessionID string) ([]int, error) {
	var status types.StatusResponse
	var errResp types.ErrorResponse
	resp, err := d.http.R().
		SetContext(ctx).
		SetResult(&status).
		SetError(&errResp).
		Get("/api/upload/" + sessionID + "/status")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), ProtocolCode: errResp.Code, Message: errResp.Error}
	}
	return status.MissingChunks, nil
}

// Abort deletes the server-side session. Idempotent.
func (d *Driver) Abort(ctx context.Context, sessionID string) error {
	resp, err := d.http.R().SetContext(ctx).Delete("/api/upload/" + sessionID)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode()}
	}
	return nil
}

// begin starts or resumes the session, with the retry policy applied:
// the begin call itself can hit a flaky network.
func (d *Driver) begin(ctx context.Context, chunker *Chunker, checksum string) (types.SessionDescriptor, error) {
	var desc types.SessionDescriptor
	err := d.retry.Do(ctx, func() error {
		var errResp types.ErrorResponse
		resp, err := d.http.R().
			SetContext(ctx).
			SetBody(types.BeginRequest{
				SessionID: d.cfg.SessionID,
				FileName:  chunker.Name(),
				TotalSize: chunker.Size(),
				ChunkSize: chunker.ChunkSize(),
				Checksum:  checksum,
			}).
			SetResult(&desc).
			SetError(&errResp).
			Post("/api/upload/begin")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return &StatusError{Code: resp.StatusCode(), ProtocolCode: errResp.Code, Message: errResp.Error}
		}
		return nil
	})
	return desc, err
}

// sendChunk posts one chunk. A fresh section reader per attempt keeps
// retries byte-exact.
func (d *Driver) sendChunk(ctx context.Context, sessionID string, chunker *Chunker, index int, complete *atomic.Bool) error {
	reader, err := chunker.ChunkReader(index)
	if err != nil {
		return &StatusError{Code: 400, Message: err.Error()}
	}

	var ack types.ChunkResponse
	var errResp types.ErrorResponse
	resp, err := d.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"sessionId": sessionID,
			"index":     fmt.Sprintf("%d", index),
		}).
		SetFileReader("chunk", chunker.Name(), reader).
		SetResult(&ack).
		SetError(&errResp).
		Post("/api/upload")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), ProtocolCode: errResp.Code, Message: errResp.Error}
	}
	if ack.Complete {
		complete.Store(true)
	}
	return nil
}

func (d *Driver) abortBestEffort(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.Abort(ctx, sessionID); err != nil {
		d.logger.Warnf("session %s: abort failed: %v", sessionID, err)
	}
}

// classify maps a raw failure to the caller-facing reason.
func classify(err error) *UploadError {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.ProtocolCode {
		case "UnknownSession", "SessionConflict":
			return &UploadError{Reason: ReasonRestart, Err: err}
		}
		if statusErr.Permanent() {
			return &UploadError{Reason: ReasonFatal, Err: err}
		}
	}
	// Network failures and exhausted 5xx retries: the session survives.
	return &UploadError{Reason: ReasonRetryLater, Err: err}
}

// pendingIndices returns the indices not yet on the server, ascending.
func pendingIndices(desc types.SessionDescriptor) []int {
	present := make(map[int]struct{}, len(desc.Received))
	for _, index := range desc.Received {
		present[index] = struct{}{}
	}
	pending := make([]int, 0, desc.TotalChunks-len(present))
	for i := 0; i < desc.TotalChunks; i++ {
		if _, ok := present[i]; !ok {
			pending = append(pending, i)
		}
	}
	return pending
}

// progressMeter aggregates progress and serializes callbacks so they
// arrive monotonic.
type progressMeter struct {
	mu        sync.Mutex
	completed int64
	total     int64
	fn        ProgressFunc
}

func newProgressMeter(total int64, fn ProgressFunc) *progressMeter {
	return &progressMeter{total: total, fn: fn}
}

func (p *progressMeter) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed += n
	// The callback runs under the mutex; otherwise two workers could
	// deliver their totals in the wrong order.
	if p.fn != nil {
		p.fn(p.completed, p.total)
	}
}
