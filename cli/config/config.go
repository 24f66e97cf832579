package config

import (
	"fmt"
	"time"
)

// Config represents a stitch.yaml configuration file.
// All values are optional and act as defaults for stitch serve and
// stitch upload flags. CLI flags always override config values.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Notify  NotifyConfig  `yaml:"notify"`
	Client  ClientConfig  `yaml:"client"`
}

// ServerConfig holds serve defaults from the config file.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	AssembleDir string `yaml:"assemble_dir"`
	// JournalPath enables the session journal when set; sessions then
	// survive a server restart.
	JournalPath    string   `yaml:"journal_path,omitempty"`
	MaxChunkBytes  int64    `yaml:"max_chunk_bytes,omitempty"`
	SessionMaxIdle Duration `yaml:"session_max_idle,omitempty"`
	ReapInterval   Duration `yaml:"reap_interval,omitempty"`
}

// StorageConfig selects and configures the chunk store backend.
type StorageConfig struct {
	// Backend is "fs" or "s3". Empty means fs.
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// NotifyConfig configures downstream completion notifiers. Both are
// optional; set the URL to enable one.
type NotifyConfig struct {
	WebhookURL     string            `yaml:"webhook_url,omitempty"`
	WebhookHeaders map[string]string `yaml:"webhook_headers,omitempty"`
	RedisURL       string            `yaml:"redis_url,omitempty"`
	RedisChannel   string            `yaml:"redis_channel,omitempty"`
}

// ClientConfig holds upload defaults from the config file.
type ClientConfig struct {
	ServerURL   string   `yaml:"server_url"`
	ChunkSize   int64    `yaml:"chunk_size,omitempty"`
	Parallel    int      `yaml:"parallel,omitempty"`
	Retries     *int     `yaml:"retries,omitempty"`
	BackoffBase Duration `yaml:"backoff_base,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	Verify      bool     `yaml:"verify,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
