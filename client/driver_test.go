package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stitchd/stitch/assembly"
	"github.com/stitchd/stitch/coordinator"
	"github.com/stitchd/stitch/httpapi"
	"github.com/stitchd/stitch/log"
	"github.com/stitchd/stitch/session"
	"github.com/stitchd/stitch/store"
)

// newUploadServer stands up the full HTTP surface, optionally wrapped
// by middleware for fault injection.
func newUploadServer(t *testing.T, middleware func(http.Handler) http.Handler) (*httptest.Server, *assembly.StubSink) {
	t.Helper()
	logger := log.NewLogger("driver-test").WithOutput(&bytes.Buffer{})
	tracker, err := session.NewTracker()
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	chunks := store.NewStubStore()
	sink := assembly.NewStubSink()
	engine, err := assembly.NewEngine(chunks, tracker, sink, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	coord := coordinator.New(chunks, tracker, engine, logger)

	var handler http.Handler = httpapi.NewServer(coord, logger).Router()
	if middleware != nil {
		handler = middleware(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, sink
}

func newTestDriver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	logger := log.NewLogger("driver-test").WithOutput(&bytes.Buffer{})
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	d, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func patternedBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func TestUploadEndToEnd(t *testing.T) {
	ts, sink := newUploadServer(t, nil)
	data := patternedBytes(2500)
	path := writeTempFile(t, data)

	var mu sync.Mutex
	var snapshots []int64
	d := newTestDriver(t, Config{
		ServerURL: ts.URL,
		ChunkSize: 1000,
		Parallel:  3,
		Verify:    true,
		OnProgress: func(completed, total int64) {
			mu.Lock()
			defer mu.Unlock()
			if total != 2500 {
				t.Errorf("progress total = %d, want 2500", total)
			}
			snapshots = append(snapshots, completed)
		},
	})

	result, err := d.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !result.Complete {
		t.Fatal("result should be complete")
	}
	if result.BytesSent != 2500 {
		t.Fatalf("BytesSent = %d, want 2500", result.BytesSent)
	}
	if sink.Count() != 1 {
		t.Fatalf("deliveries = %d, want 1", sink.Count())
	}

	artifact := sink.Delivered[0]
	assembled, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled artifact does not match the source file")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i] < snapshots[i-1] {
			t.Fatalf("progress went backwards: %v", snapshots)
		}
	}
	if final := snapshots[len(snapshots)-1]; final != 2500 {
		t.Fatalf("final progress = %d, want 2500", final)
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	var chunkPosts atomic.Int32
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/upload" {
				chunkPosts.Add(1)
				if failures.Add(-1) >= 0 {
					w.WriteHeader(http.StatusServiceUnavailable)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code": "Internal", "error": "simulated outage",
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
	ts, sink := newUploadServer(t, middleware)
	path := writeTempFile(t, patternedBytes(300))

	d := newTestDriver(t, Config{ServerURL: ts.URL, ChunkSize: 100, Parallel: 1, Retries: 3})
	result, err := d.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload should survive transient failures: %v", err)
	}
	if !result.Complete {
		t.Fatal("result should be complete")
	}
	if got := chunkPosts.Load(); got != 5 {
		t.Fatalf("chunk posts = %d, want 5 (3 chunks + 2 retried)", got)
	}
	if sink.Count() != 1 {
		t.Fatalf("deliveries = %d, want 1", sink.Count())
	}
}

func TestUploadPermanentFailureAbortsSession(t *testing.T) {
	var chunkPosts, aborts atomic.Int32
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/api/upload":
				chunkPosts.Add(1)
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code": "InvalidChunk", "error": "chunk rejected",
				})
			case r.Method == http.MethodDelete:
				aborts.Add(1)
				next.ServeHTTP(w, r)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
	ts, sink := newUploadServer(t, middleware)
	path := writeTempFile(t, patternedBytes(300))

	d := newTestDriver(t, Config{ServerURL: ts.URL, ChunkSize: 100, Parallel: 1, Retries: 5})
	_, err := d.Upload(context.Background(), path)

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Reason != ReasonFatal {
		t.Fatalf("want fatal UploadError, got %v", err)
	}
	if got := chunkPosts.Load(); got != 1 {
		t.Fatalf("chunk posts = %d, want 1 (no retry on 4xx)", got)
	}
	if aborts.Load() != 1 {
		t.Fatalf("aborts = %d, want 1", aborts.Load())
	}
	if sink.Count() != 0 {
		t.Fatal("nothing should have been delivered")
	}
}

func TestUploadResumeSkipsPresentChunks(t *testing.T) {
	ts, sink := newUploadServer(t, nil)
	data := patternedBytes(2500)
	path := writeTempFile(t, data)

	// Seed chunk 1 out of band, the way an interrupted earlier run
	// would have left it.
	postChunk(t, ts.URL, map[string]string{
		"sessionId": "resume-1",
		"fileName":  "payload.bin",
		"totalSize": "2500",
		"chunkSize": "1000",
		"index":     "1",
	}, data[1000:2000])

	d := newTestDriver(t, Config{
		ServerURL: ts.URL,
		ChunkSize: 1000,
		SessionID: "resume-1",
	})
	result, err := d.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !result.Complete {
		t.Fatal("result should be complete")
	}
	if result.BytesSent != 1500 {
		t.Fatalf("BytesSent = %d, want 1500 (chunk 1 skipped)", result.BytesSent)
	}
	if sink.Count() != 1 {
		t.Fatalf("deliveries = %d, want 1", sink.Count())
	}
	assembled, err := os.ReadFile(sink.Delivered[0].Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled artifact does not match the source file")
	}
}

func TestUploadCancellationAbortsSession(t *testing.T) {
	firstChunk := make(chan struct{})
	var once sync.Once
	var aborts atomic.Int32
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/api/upload":
				once.Do(func() { close(firstChunk) })
				// Drain the body: the HTTP/1 server only arms client-disconnect
				// detection (which cancels r.Context()) once the request body
				// has been read to EOF.
				_, _ = io.Copy(io.Discard, r.Body)
				<-r.Context().Done()
			case r.Method == http.MethodDelete:
				aborts.Add(1)
				next.ServeHTTP(w, r)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
	ts, sink := newUploadServer(t, middleware)
	path := writeTempFile(t, patternedBytes(300))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-firstChunk
		cancel()
	}()

	d := newTestDriver(t, Config{ServerURL: ts.URL, ChunkSize: 100, Parallel: 1, Retries: 1})
	_, err := d.Upload(ctx, path)

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Reason != ReasonFatal {
		t.Fatalf("want fatal UploadError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled in the chain, got %v", err)
	}
	if aborts.Load() != 1 {
		t.Fatalf("aborts = %d, want 1", aborts.Load())
	}
	if sink.Count() != 0 {
		t.Fatal("nothing should have been delivered")
	}
}

func TestUploadUnreachableServerIsRetryable(t *testing.T) {
	d := newTestDriver(t, Config{
		ServerURL: "http://127.0.0.1:1",
		ChunkSize: 100,
		Retries:   1,
	})
	_, err := d.Upload(context.Background(), writeTempFile(t, patternedBytes(10)))

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Reason != ReasonRetryLater {
		t.Fatalf("want retry_later UploadError, got %v", err)
	}
}

// postChunk uploads one chunk via a raw multipart request.
func postChunk(t *testing.T, baseURL string, fields map[string]string, data []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s) failed: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write chunk part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	resp, err := http.Post(baseURL+"/api/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post chunk: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post chunk: unexpected status %d", resp.StatusCode)
	}
}

func TestProgressMeterMonotonicUnderContention(t *testing.T) {
	const (
		workers   = 8
		perWorker = 500
	)
	var (
		last     int64
		reversed bool
	)
	// The callback runs under the meter's mutex, so last and reversed
	// need no further synchronization.
	meter := newProgressMeter(workers*perWorker, func(completed, total int64) {
		if completed < last {
			reversed = true
		}
		last = completed
	})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				meter.add(1)
			}
		}()
	}
	wg.Wait()

	if reversed {
		t.Error("a progress callback reported fewer bytes than its predecessor")
	}
	if last != workers*perWorker {
		t.Errorf("final progress = %d, want %d", last, int64(workers*perWorker))
	}
}
