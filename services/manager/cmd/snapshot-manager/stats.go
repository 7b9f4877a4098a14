package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llvmsnapshots/pkg/copr"
	"llvmsnapshots/pkg/db"
	"llvmsnapshots/pkg/snapshot"
	"llvmsnapshots/services/stats"
)

func newStatsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Collect and plot build times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newStatsCollectCommand(a), newStatsReportCommand(a))
	return cmd
}

func newStatsCollectCommand(a *app) *cobra.Command {
	var (
		projectTpl string
		yyyymmdd   string
		datafile   string
		coprConfig string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Append the build times of one day's Copr project to a datafile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			date := snapshot.DaysAgo(a.now(), 0)
			if yyyymmdd != "" {
				d, err := snapshot.ParseDate(yyyymmdd)
				if err != nil {
					return err
				}
				date = d
			}
			project, err := snapshot.ExpandTemplate(projectTpl, date)
			if err != nil {
				return err
			}
			owner, name, err := copr.SplitProject(project)
			if err != nil {
				return err
			}

			logger, shutdown, err := startTelemetry(ctx, "snapshot-stats")
			if err != nil {
				return err
			}
			defer shutdown()

			client, err := coprClient(a, coprConfig, logger)
			if err != nil {
				return err
			}
			rows, err := stats.Collect(ctx, client, owner, name, date, a.now())
			if err != nil {
				return err
			}
			if err := stats.AppendCSVFile(datafile, rows); err != nil {
				return err
			}
			logger.Printf("INFO appended %d rows for %s to %s", len(rows), project, datafile)

			return withStatsStore(ctx, logger, func(store *stats.PGStore) error {
				return store.SaveRows(ctx, rows)
			})
		},
	}

	cmd.Flags().StringVar(&projectTpl, "copr-project-tpl", "", "Copr project (owner/name) with a YYYYMMDD placeholder")
	cmd.Flags().StringVar(&yyyymmdd, "yyyymmdd", "", "Day to collect (default today)")
	cmd.Flags().StringVar(&datafile, "datafile", "build-stats.csv", "CSV file the rows are appended to")
	cmd.Flags().StringVar(&coprConfig, "copr-config", "", "copr-cli configuration file (default ~/.config/copr)")
	_ = cmd.MarkFlagRequired("copr-project-tpl")
	return cmd
}

func newStatsReportCommand(a *app) *cobra.Command {
	var (
		datafile  string
		bigMerge  string
		bootstrap string
		outputDir string
		fromDB    bool
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render build time diagrams as HTML pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			logger, shutdown, err := startTelemetry(ctx, "snapshot-stats")
			if err != nil {
				return err
			}
			defer shutdown()

			in := stats.ReportInput{Now: a.now()}
			if fromDB {
				connected := false
				err = withStatsStore(ctx, logger, func(store *stats.PGStore) error {
					connected = true
					rows, err := store.Rows(ctx, a.now().Add(-since))
					in.Rows = rows
					return err
				})
				if err != nil {
					return err
				}
				if !connected {
					return errors.New("--from-db requires DATABASE_URL")
				}
			} else {
				in.Rows, err = stats.ReadCSVFile(datafile)
				if err != nil {
					return err
				}
			}
			if in.BigMerge, err = optionalDatafile(bigMerge, logger); err != nil {
				return err
			}
			if in.Bootstrap, err = optionalDatafile(bootstrap, logger); err != nil {
				return err
			}

			files, err := stats.Report(outputDir, in)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(a.stdout, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&datafile, "datafile", "build-stats.csv", "Build times of the standalone strategy")
	cmd.Flags().StringVar(&bigMerge, "datafile-big-merge", "build-stats-big-merge.csv", "Build times of the big-merge strategy")
	cmd.Flags().StringVar(&bootstrap, "datafile-bootstrap", "build-stats-bootstrap.csv", "Build times of the bootstrap strategy")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "Directory the HTML pages are written to")
	cmd.Flags().BoolVar(&fromDB, "from-db", false, "Read standalone build times from DATABASE_URL instead of --datafile")
	cmd.Flags().DurationVar(&since, "since", 90*24*time.Hour, "With --from-db, how far back to read")
	return cmd
}

// optionalDatafile reads a strategy datafile. A missing file only skips the
// strategy in the combined diagram.
func optionalDatafile(path string, logger *log.Logger) ([]stats.Row, error) {
	rows, err := stats.ReadCSVFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("WARN datafile %s not found, skipping", path)
		return nil, nil
	}
	return rows, err
}

// withStatsStore runs fn against the build stats database when DATABASE_URL
// is set and does nothing otherwise.
func withStatsStore(ctx context.Context, logger *log.Logger, fn func(*stats.PGStore) error) error {
	pool, err := db.OpenFromEnv(ctx)
	if errors.Is(err, db.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return err
	}
	defer pool.Close()
	store, err := stats.NewPGStore(pool)
	if err != nil {
		return err
	}
	logger.Printf("INFO using build stats database")
	return fn(store)
}
