package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/stitchd/stitch/cli/config"
	"github.com/stitchd/stitch/client"
	"github.com/stitchd/stitch/log"
)

// Exit codes for upload.
const (
	exitSuccess    = 0
	exitFatal      = 1
	exitRetryLater = 2
	exitRestart    = 3
)

// UploadCommand returns the upload command.
func UploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a file in resumable chunks",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "server",
				Usage: "Upload server base URL",
			},
			&cli.Int64Flag{
				Name:  "chunk-size",
				Usage: "Chunk size in bytes",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Concurrent chunk uploads",
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Per-chunk retry budget",
			},
			&cli.DurationFlag{
				Name:  "backoff",
				Usage: "Initial retry backoff, doubled per retry",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-request timeout",
			},
			&cli.StringFlag{
				Name:  "session-id",
				Usage: "Session ID to resume (empty lets the server mint one)",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Verify the assembled artifact against a sha256 of the file",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress progress output",
			},
		},
		Action: uploadAction,
	}
}

// mergeUpload resolves the effective driver config: flags override the
// config file; driver defaults fill the rest.
func mergeUpload(c *cli.Context, cfg *config.Config) client.Config {
	choice := client.Config{
		ServerURL:   cfg.Client.ServerURL,
		ChunkSize:   cfg.Client.ChunkSize,
		Parallel:    cfg.Client.Parallel,
		BackoffBase: cfg.Client.BackoffBase.Duration,
		Timeout:     cfg.Client.Timeout.Duration,
		Verify:      cfg.Client.Verify,
	}
	if cfg.Client.Retries != nil {
		choice.Retries = *cfg.Client.Retries
	}

	if c.IsSet("server") {
		choice.ServerURL = c.String("server")
	}
	if c.IsSet("chunk-size") {
		choice.ChunkSize = c.Int64("chunk-size")
	}
	if c.IsSet("parallel") {
		choice.Parallel = c.Int("parallel")
	}
	if c.IsSet("retries") {
		choice.Retries = c.Int("retries")
	}
	if c.IsSet("backoff") {
		choice.BackoffBase = c.Duration("backoff")
	}
	if c.IsSet("timeout") {
		choice.Timeout = c.Duration("timeout")
	}
	if c.IsSet("session-id") {
		choice.SessionID = c.String("session-id")
	}
	if c.IsSet("verify") {
		choice.Verify = c.Bool("verify")
	}
	return choice
}

func uploadAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: stitch upload [options] <file>", exitFatal)
	}
	path := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	driverCfg := mergeUpload(c, cfg)
	if driverCfg.ServerURL == "" {
		return cli.Exit("--server (or client.server_url in the config file) is required", exitFatal)
	}

	if !c.Bool("quiet") {
		driverCfg.OnProgress = printProgress
	}

	logger := log.NewLogger("upload").WithOutput(os.Stderr)
	driver, err := client.New(driverCfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	start := time.Now()
	result, err := driver.Upload(ctx, path)
	if err != nil {
		if !c.Bool("quiet") {
			fmt.Fprintln(os.Stderr)
		}
		return cli.Exit(err.Error(), uploadExitCode(err))
	}

	if !c.Bool("quiet") {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "uploaded %s (%d bytes sent, session %s) in %s\n",
			result.FileName, result.BytesSent, result.SessionID,
			time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// printProgress renders a carriage-return progress line on stderr.
func printProgress(completed, total int64) {
	if total <= 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%3d%% (%d/%d bytes)", completed*100/total, completed, total)
}

func uploadExitCode(err error) int {
	var uploadErr *client.UploadError
	if !errors.As(err, &uploadErr) {
		return exitFatal
	}
	switch uploadErr.Reason {
	case client.ReasonRetryLater:
		return exitRetryLater
	case client.ReasonRestart:
		return exitRestart
	default:
		return exitFatal
	}
}
