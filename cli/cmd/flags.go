// Package cmd provides CLI commands for the stitch binary.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/stitchd/stitch/cli/config"
)

// ConfigFlag points at an optional stitch.yaml file. Flags always
// override values from the file.
var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to stitch.yaml config file",
}

// loadConfig returns the config file contents, or an empty config when
// no --config flag was given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}
