package main

import (
	"errors"

	"github.com/cwygoda/extractor/internal/adapter/extractor"
	"github.com/cwygoda/extractor/internal/adapter/sqlite"
	"github.com/cwygoda/extractor/internal/config"
	"github.com/cwygoda/extractor/internal/logging"
	"github.com/cwygoda/extractor/internal/results"
	"github.com/cwygoda/extractor/internal/staging"
	"github.com/sirupsen/logrus"
)

// components are the storage pieces every command needs.
type components struct {
	repo     *sqlite.Repository
	registry *extractor.Registry
	results  *results.Store
	stager   *staging.Stager
}

func openComponents(cfg *config.Config, logger *logrus.Logger) (*components, error) {
	repo, err := sqlite.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	registry := extractor.Default()
	store, err := results.NewStore(cfg.Storage.ResultsDir, logging.Component(logger, "results"))
	if err != nil {
		return nil, errors.Join(err, repo.Close())
	}
	stager, err := staging.New(cfg.Storage.UploadsDir, cfg.MaxUploadBytes(), registry, logging.Component(logger, "staging"))
	if err != nil {
		return nil, errors.Join(err, repo.Close())
	}

	return &components{repo: repo, registry: registry, results: store, stager: stager}, nil
}

func (c *components) close() error {
	return c.repo.Close()
}
