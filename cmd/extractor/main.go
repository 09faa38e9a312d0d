package main

import (
	"fmt"
	"os"

	"github.com/cwygoda/extractor/internal/config"
	"github.com/cwygoda/extractor/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "extractor",
		Short:        "Asynchronous document text extraction service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/extractor/config.toml)")

	root.AddCommand(newServeCmd(opts), newSweepCmd(opts), newJobsCmd(opts))
	return root
}

// load reads the configuration and builds the root logger.
func (o *options) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, logger, nil
}
