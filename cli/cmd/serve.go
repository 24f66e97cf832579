package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/stitchd/stitch/assembly"
	"github.com/stitchd/stitch/cli/config"
	"github.com/stitchd/stitch/coordinator"
	"github.com/stitchd/stitch/httpapi"
	"github.com/stitchd/stitch/log"
	"github.com/stitchd/stitch/notify"
	notifyredis "github.com/stitchd/stitch/notify/redis"
	notifywebhook "github.com/stitchd/stitch/notify/webhook"
	"github.com/stitchd/stitch/session"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/types"
)

// Serve defaults.
const (
	defaultListen         = ":8080"
	defaultChunkDir       = "./stitch-chunks"
	defaultAssembleDir    = "./stitch-artifacts"
	defaultSessionMaxIdle = 30 * time.Minute
	defaultReapInterval   = time.Minute
	shutdownGrace         = 10 * time.Second
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the chunked upload server",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address",
			},
			&cli.StringFlag{
				Name:  "assemble-dir",
				Usage: "Directory for assembled artifacts",
			},
			&cli.StringFlag{
				Name:  "journal",
				Usage: "Session journal path (enables restart recovery)",
			},
			&cli.Int64Flag{
				Name:  "max-chunk-bytes",
				Usage: "Max accepted chunk request body in bytes",
			},
			&cli.DurationFlag{
				Name:  "session-max-idle",
				Usage: "Idle time before a session is reaped",
			},
			&cli.DurationFlag{
				Name:  "reap-interval",
				Usage: "How often idle sessions are reaped",
			},
			// Storage flags
			&cli.StringFlag{
				Name:  "storage-backend",
				Usage: "Chunk storage backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Chunk directory (fs backend)",
			},
			&cli.StringFlag{
				Name:  "s3-bucket",
				Usage: "S3 bucket (s3 backend)",
			},
			&cli.StringFlag{
				Name:  "s3-prefix",
				Usage: "S3 key prefix (s3 backend)",
			},
			&cli.StringFlag{
				Name:  "s3-region",
				Usage: "AWS region (optional, uses default chain)",
			},
			&cli.StringFlag{
				Name:  "s3-endpoint",
				Usage: "Custom S3 endpoint URL (R2, MinIO)",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Force path-style S3 addressing",
			},
			// Notification flags
			&cli.StringFlag{
				Name:  "notify-webhook-url",
				Usage: "POST upload completion events to this URL",
			},
			&cli.StringFlag{
				Name:  "notify-redis-url",
				Usage: "Publish upload completion events to this Redis URL",
			},
			&cli.StringFlag{
				Name:  "notify-redis-channel",
				Usage: "Redis pub/sub channel for completion events",
			},
		},
		Action: serveAction,
	}
}

// serveChoice holds the merged serve configuration.
type serveChoice struct {
	listen         string
	assembleDir    string
	journalPath    string
	maxChunkBytes  int64
	sessionMaxIdle time.Duration
	reapInterval   time.Duration
	storage        config.StorageConfig
	notify         config.NotifyConfig
}

// mergeServe resolves the effective serve settings: flags override the
// config file, and built-in defaults fill the rest.
func mergeServe(c *cli.Context, cfg *config.Config) serveChoice {
	choice := serveChoice{
		listen:         cfg.Server.Listen,
		assembleDir:    cfg.Server.AssembleDir,
		journalPath:    cfg.Server.JournalPath,
		maxChunkBytes:  cfg.Server.MaxChunkBytes,
		sessionMaxIdle: cfg.Server.SessionMaxIdle.Duration,
		reapInterval:   cfg.Server.ReapInterval.Duration,
		storage:        cfg.Storage,
		notify:         cfg.Notify,
	}

	if c.IsSet("listen") {
		choice.listen = c.String("listen")
	}
	if c.IsSet("assemble-dir") {
		choice.assembleDir = c.String("assemble-dir")
	}
	if c.IsSet("journal") {
		choice.journalPath = c.String("journal")
	}
	if c.IsSet("max-chunk-bytes") {
		choice.maxChunkBytes = c.Int64("max-chunk-bytes")
	}
	if c.IsSet("session-max-idle") {
		choice.sessionMaxIdle = c.Duration("session-max-idle")
	}
	if c.IsSet("reap-interval") {
		choice.reapInterval = c.Duration("reap-interval")
	}
	if c.IsSet("storage-backend") {
		choice.storage.Backend = c.String("storage-backend")
	}
	if c.IsSet("storage-path") {
		choice.storage.Path = c.String("storage-path")
	}
	if c.IsSet("s3-bucket") {
		choice.storage.Bucket = c.String("s3-bucket")
	}
	if c.IsSet("s3-prefix") {
		choice.storage.Prefix = c.String("s3-prefix")
	}
	if c.IsSet("s3-region") {
		choice.storage.Region = c.String("s3-region")
	}
	if c.IsSet("s3-endpoint") {
		choice.storage.Endpoint = c.String("s3-endpoint")
	}
	if c.IsSet("s3-path-style") {
		choice.storage.S3PathStyle = c.Bool("s3-path-style")
	}
	if c.IsSet("notify-webhook-url") {
		choice.notify.WebhookURL = c.String("notify-webhook-url")
	}
	if c.IsSet("notify-redis-url") {
		choice.notify.RedisURL = c.String("notify-redis-url")
	}
	if c.IsSet("notify-redis-channel") {
		choice.notify.RedisChannel = c.String("notify-redis-channel")
	}

	if choice.listen == "" {
		choice.listen = defaultListen
	}
	if choice.assembleDir == "" {
		choice.assembleDir = defaultAssembleDir
	}
	if choice.sessionMaxIdle <= 0 {
		choice.sessionMaxIdle = defaultSessionMaxIdle
	}
	if choice.reapInterval <= 0 {
		choice.reapInterval = defaultReapInterval
	}
	return choice
}

// buildStore creates the chunk store backend.
func buildStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "fs", "":
		path := cfg.Path
		if path == "" {
			path = defaultChunkDir
		}
		return store.NewFSStore(path)
	case "s3":
		return store.NewS3Store(ctx, store.S3Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (must be fs or s3)", cfg.Backend)
	}
}

// buildNotifiers creates the configured completion notifiers.
func buildNotifiers(cfg config.NotifyConfig) ([]notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.WebhookURL != "" {
		n, err := notifywebhook.New(notifywebhook.Config{
			URL:     cfg.WebhookURL,
			Headers: cfg.WebhookHeaders,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.RedisURL != "" {
		n, err := notifyredis.New(notifyredis.Config{
			URL:     cfg.RedisURL,
			Channel: cfg.RedisChannel,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	choice := mergeServe(c, cfg)
	logger := log.NewLogger("serve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	chunks, err := buildStore(ctx, choice.storage)
	if err != nil {
		return fmt.Errorf("failed to create chunk store: %w", err)
	}

	var trackerOpts []session.Option
	if choice.journalPath != "" {
		trackerOpts = append(trackerOpts, session.WithJournal(choice.journalPath))
	}
	tracker, err := session.NewTracker(trackerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create session tracker: %w", err)
	}
	if choice.journalPath != "" {
		// Journal replay can reference chunks lost since the last run.
		if err := tracker.Reconcile(ctx, chunks); err != nil {
			return fmt.Errorf("failed to reconcile journal against store: %w", err)
		}
	}

	notifiers, err := buildNotifiers(choice.notify)
	if err != nil {
		return fmt.Errorf("failed to create notifiers: %w", err)
	}
	defer func() {
		for _, n := range notifiers {
			_ = n.Close()
		}
	}()

	// Artifacts stay under assemble-dir; delivery logs the handoff and
	// fans the completion event out to the configured notifiers. A
	// notifier failure is logged but never fails the upload, the
	// artifact is already assembled.
	sink := assembly.SinkFunc(func(ctx context.Context, artifact types.AssembledArtifact) error {
		logger.Info("artifact assembled", map[string]any{
			"sessionId": artifact.SessionID,
			"fileName":  artifact.FileName,
			"path":      artifact.Path,
			"bytes":     artifact.SizeBytes,
		})
		event := notify.NewEvent(artifact, time.Now())
		for _, n := range notifiers {
			if err := n.Publish(ctx, event); err != nil {
				logger.Warn("completion notification failed", map[string]any{
					"sessionId": artifact.SessionID,
					"error":     err.Error(),
				})
			}
		}
		return nil
	})
	engine, err := assembly.NewEngine(chunks, tracker, sink, choice.assembleDir, logger)
	if err != nil {
		return fmt.Errorf("failed to create assembly engine: %w", err)
	}

	coord := coordinator.New(chunks, tracker, engine, logger)
	go coord.RunReaper(ctx, choice.reapInterval, choice.sessionMaxIdle)

	handler := httpapi.NewServer(coord, logger).
		WithMaxChunkBytes(choice.maxChunkBytes).
		Router()
	server := &http.Server{
		Addr:              choice.listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", map[string]any{
		"addr":    choice.listen,
		"backend": choice.storage.Backend,
		"version": types.Version,
	})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
