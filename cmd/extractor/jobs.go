package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cwygoda/extractor/internal/adapter/sqlite"
	"github.com/cwygoda/extractor/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newJobsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job store",
	}
	cmd.AddCommand(newJobsListCmd(opts), newJobsShowCmd(opts))
	return cmd
}

func newJobsListCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.ListFilter{Limit: limit}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &st
			}

			repo, err := openRepo(opts)
			if err != nil {
				return err
			}
			defer repo.Close()

			jobs, err := repo.List(cmd.Context(), filter.Normalize())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			return writeJobTable(cmd.OutOrStdout(), jobs, time.Now())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", domain.DefaultListLimit, "maximum number of jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newJobsShowCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo(opts)
			if err != nil {
				return err
			}
			defer repo.Close()

			job, err := repo.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			return writeJobDetail(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func openRepo(opts *options) (*sqlite.Repository, error) {
	cfg, _, err := opts.load()
	if err != nil {
		return nil, err
	}
	return sqlite.New(cfg.Storage.DBPath)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJobTable(w io.Writer, jobs []domain.Job, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tFILE\tSIZE\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Progress, j.SourceFilename,
			humanize.IBytes(uint64(j.SourceSize)),
			humanize.RelTime(j.CreatedAt, now, "ago", "from now"),
			j.Error)
	}
	return tw.Flush()
}

func writeJobDetail(w io.Writer, j *domain.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }

	row("ID", j.ID)
	row("Status", string(j.Status))
	row("Progress", fmt.Sprintf("%d%%", j.Progress))
	row("File", j.SourceFilename)
	row("Size", fmt.Sprintf("%s (%s bytes)", humanize.IBytes(uint64(j.SourceSize)), humanize.Comma(j.SourceSize)))
	row("Type", j.SourceMIME)
	row("SHA-256", j.SourceSHA256)
	row("Created", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		row("Started", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		row("Finished", j.CompletedAt.Format(time.RFC3339))
	}
	if j.Extractor != "" {
		row("Extractor", j.Extractor)
		row("Text length", humanize.Comma(int64(j.TextLength)))
		row("Images", fmt.Sprint(j.ImagesCount))
	}
	if j.Error != "" {
		row("Error", j.Error)
	}
	return tw.Flush()
}
