package main

import (
	"fmt"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/cwygoda/extractor/internal/logging"
	"github.com/cwygoda/extractor/internal/worker"
	"github.com/spf13/cobra"
)

func newSweepCmd(opts *options) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass and exit",
		Long: "Expire jobs older than the retention period, fail jobs whose worker stopped " +
			"reporting progress, and remove orphaned result directories and staged uploads.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("retention") {
				if retention < 0 {
					return fmt.Errorf("--retention must not be negative")
				}
				cfg.Cleanup.Retention.Duration = retention
			}

			c, err := openComponents(cfg, logger)
			if err != nil {
				return err
			}
			defer c.close()

			// An idle pool: nothing is enqueued, cancellations find no running job.
			pool := worker.New(c.repo, c.registry, c.results, c.stager, logging.Component(logger, "pool"))
			svc := domain.NewJobService(c.repo, pool, c.results)
			sweeper := worker.NewSweeper(svc, c.repo, c.results, c.stager, sweepConfig(cfg), logging.Component(logger, "sweeper"))

			rep, err := sweeper.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d, stale %d, trash %d, orphans %d, partials %d, uploads %d\n",
				rep.Expired, rep.Stale, rep.Reconcile.Trash, rep.Reconcile.Orphans, rep.Reconcile.Partials, rep.Uploads)
			return err
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override the configured retention period")
	return cmd
}
