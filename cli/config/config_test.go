package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `server:
  listen: ":9000"
  assemble_dir: /var/lib/stitch/out
  journal_path: /var/lib/stitch/sessions.journal
  max_chunk_bytes: 16777216
  session_max_idle: 30m
  reap_interval: 1m

storage:
  backend: s3
  bucket: my-bucket
  prefix: uploads
  region: us-east-1
  endpoint: https://example.com
  s3_path_style: true

client:
  server_url: http://localhost:9000
  chunk_size: 1048576
  parallel: 4
  retries: 5
  backoff_base: 250ms
  timeout: 10s
  verify: true
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Server
	assertEqual(t, "server.listen", cfg.Server.Listen, ":9000")
	assertEqual(t, "server.assemble_dir", cfg.Server.AssembleDir, "/var/lib/stitch/out")
	assertEqual(t, "server.journal_path", cfg.Server.JournalPath, "/var/lib/stitch/sessions.journal")
	if cfg.Server.MaxChunkBytes != 16777216 {
		t.Errorf("expected max_chunk_bytes=16777216, got %d", cfg.Server.MaxChunkBytes)
	}
	if cfg.Server.SessionMaxIdle.Duration != 30*time.Minute {
		t.Errorf("expected session_max_idle=30m, got %v", cfg.Server.SessionMaxIdle.Duration)
	}
	if cfg.Server.ReapInterval.Duration != time.Minute {
		t.Errorf("expected reap_interval=1m, got %v", cfg.Server.ReapInterval.Duration)
	}

	// Storage
	assertEqual(t, "storage.backend", cfg.Storage.Backend, "s3")
	assertEqual(t, "storage.bucket", cfg.Storage.Bucket, "my-bucket")
	assertEqual(t, "storage.prefix", cfg.Storage.Prefix, "uploads")
	assertEqual(t, "storage.region", cfg.Storage.Region, "us-east-1")
	assertEqual(t, "storage.endpoint", cfg.Storage.Endpoint, "https://example.com")
	if !cfg.Storage.S3PathStyle {
		t.Error("expected storage.s3_path_style=true")
	}

	// Client
	assertEqual(t, "client.server_url", cfg.Client.ServerURL, "http://localhost:9000")
	if cfg.Client.ChunkSize != 1048576 {
		t.Errorf("expected chunk_size=1048576, got %d", cfg.Client.ChunkSize)
	}
	if cfg.Client.Parallel != 4 {
		t.Errorf("expected parallel=4, got %d", cfg.Client.Parallel)
	}
	if cfg.Client.Retries == nil || *cfg.Client.Retries != 5 {
		t.Error("expected retries=5")
	}
	if cfg.Client.BackoffBase.Duration != 250*time.Millisecond {
		t.Errorf("expected backoff_base=250ms, got %v", cfg.Client.BackoffBase.Duration)
	}
	if !cfg.Client.Verify {
		t.Error("expected verify=true")
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "server.listen", cfg.Server.Listen, "")
	assertEqual(t, "storage.backend", cfg.Storage.Backend, "")
	if cfg.Client.Retries != nil {
		t.Error("expected retries unset")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("STITCH_BUCKET", "expanded-bucket")
	yaml := `storage:
  backend: s3
  bucket: ${STITCH_BUCKET}
  region: ${STITCH_REGION:-eu-west-1}
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "storage.bucket", cfg.Storage.Bucket, "expanded-bucket")
	assertEqual(t, "storage.region", cfg.Storage.Region, "eu-west-1")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "server: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "invalid YAML") {
		t.Errorf("expected invalid YAML error, got %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTemp(t, "server:\n  reap_interval: banana\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("expected invalid duration error, got %v", err)
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stitch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
