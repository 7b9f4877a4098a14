package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"llvmsnapshots/pkg/copr"
	"llvmsnapshots/pkg/db"
	"llvmsnapshots/pkg/snapshot"
	"llvmsnapshots/services/checker"
	"llvmsnapshots/services/stats"
)

type checkOptions struct {
	chrootPattern    string
	githubRepo       string
	githubTokenEnv   string
	maintainerHandle string
	packages         string
	strategy         string
	projectTpl       string
	monitorTpl       string
	yyyymmdd         string
	coprConfig       string
	pushgateway      string
	dryRun           bool
}

// checkDepsFunc builds a Checker for one invocation. The returned function
// releases connections opened for it.
type checkDepsFunc func(ctx context.Context, a *app, o checkOptions, token string, logger *log.Logger) (*checker.Checker, func(), error)

func newCheckCommand(a *app) *cobra.Command {
	var o checkOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the snapshot builds of one strategy and day and update its tracking issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			date, err := snapshot.ParseDate(o.yyyymmdd)
			if err != nil {
				return err
			}
			token := strings.TrimSpace(a.getenv(o.githubTokenEnv))
			if token == "" && !o.dryRun {
				return fmt.Errorf("environment variable %s holding the GitHub token is empty", o.githubTokenEnv)
			}

			logger, shutdown, err := startTelemetry(ctx, "snapshot-checker")
			if err != nil {
				return err
			}
			defer shutdown()

			chk, release, err := a.checkDeps(ctx, a, o, token, logger)
			if err != nil {
				return err
			}
			defer release()

			report, runErr := chk.Run(ctx, checker.Config{
				Date:             date,
				Packages:         strings.Fields(o.packages),
				Strategy:         o.strategy,
				CoprProjectTpl:   o.projectTpl,
				CoprMonitorTpl:   o.monitorTpl,
				ChrootPattern:    o.chrootPattern,
				MaintainerHandle: o.maintainerHandle,
			})
			if report == nil {
				return runErr
			}

			if o.pushgateway != "" {
				if err := chk.Metrics.Push(ctx, o.pushgateway, o.strategy); err != nil {
					logger.Printf("WARN push metrics: %v", err)
				}
			}
			printCounts(a, report)
			return runErr
		},
	}

	cmd.Flags().StringVar(&o.chrootPattern, "chroot-pattern", "", "Regular expression limiting the checked chroots")
	cmd.Flags().StringVar(&o.githubRepo, "github-repo", "", "Repository holding the tracking issues (owner/name)")
	cmd.Flags().StringVar(&o.githubTokenEnv, "github-token-env", "GITHUB_TOKEN", "Environment variable holding the GitHub token")
	cmd.Flags().StringVar(&o.maintainerHandle, "maintainer-handle", "", "GitHub handle assigned to new issues")
	cmd.Flags().StringVar(&o.packages, "packages", "", "Space separated list of packages that must have been built")
	cmd.Flags().StringVar(&o.strategy, "build-strategy", "", "Name of the build strategy")
	cmd.Flags().StringVar(&o.projectTpl, "copr-project-tpl", "", "Copr project (owner/name) with a YYYYMMDD placeholder")
	cmd.Flags().StringVar(&o.monitorTpl, "copr-monitor-tpl", "", "Copr monitor URL with a YYYYMMDD placeholder")
	cmd.Flags().StringVar(&o.yyyymmdd, "yyyymmdd", "", "Day to check")
	cmd.Flags().StringVar(&o.coprConfig, "copr-config", "", "copr-cli configuration file (default ~/.config/copr)")
	cmd.Flags().StringVar(&o.pushgateway, "pushgateway", a.getenv("PUSHGATEWAY_URL"), "Prometheus Pushgateway URL")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Report only, leave the tracking issue alone")
	for _, name := range []string{"github-repo", "maintainer-handle", "packages", "build-strategy", "copr-project-tpl", "copr-monitor-tpl", "yyyymmdd"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newCheckDeps(ctx context.Context, a *app, o checkOptions, token string, logger *log.Logger) (*checker.Checker, func(), error) {
	client, err := coprClient(a, o.coprConfig, logger)
	if err != nil {
		return nil, nil, err
	}

	chk := &checker.Checker{
		Builds:  client,
		Logs:    client,
		Metrics: checker.NewMetrics(),
		Logger:  logger,
		Now:     a.now,
	}
	if !o.dryRun {
		tracker, err := checker.NewIssueTracker(checker.NewGitHubClient(ctx, token), checker.TrackerConfig{
			Repo:   o.githubRepo,
			Logger: logger,
			Now:    a.now,
		})
		if err != nil {
			return nil, nil, err
		}
		chk.Issues = tracker
	}

	var closers []func()
	if b := connectBus(logger); b != nil {
		chk.Publisher = b
		closers = append(closers, b.Close)
	}

	pool, err := db.OpenFromEnv(ctx)
	switch {
	case errors.Is(err, db.ErrNotConfigured):
	case err != nil:
		logger.Printf("WARN check history disabled: %v", err)
	default:
		closers = append(closers, pool.Close)
		store, err := stats.NewPGStore(pool)
		if err != nil {
			logger.Printf("WARN check history disabled: %v", err)
		} else {
			chk.Recorder = store
		}
	}

	return chk, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// coprClient returns a Copr client. When COPR_CONFIG holds a copr-cli
// configuration it is written to path first. Without a configuration file
// the client is anonymous, which suffices for read access.
func coprClient(a *app, path string, logger *log.Logger) (*copr.Client, error) {
	if path == "" {
		p, err := copr.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if blob := a.getenv("COPR_CONFIG"); blob != "" {
		if err := copr.WriteConfig(path, []byte(blob)); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("INFO no copr config at %s, using anonymous access", path)
			return copr.NewClient(copr.DefaultBaseURL), nil
		}
		return nil, fmt.Errorf("stat copr config: %w", err)
	}
	cfg, err := copr.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	logger.Printf("INFO copr client for %s as %s", cfg.URL, cfg.Account())
	return copr.NewClientFromConfig(cfg), nil
}

func printCounts(a *app, report *checker.Report) {
	counts := report.Counts()
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[checker.Status(s)], s))
	}
	fmt.Fprintf(a.stdout, "%s %s %s: %s\n", report.Strategy, report.YYYYMMDD(), report.Project, strings.Join(parts, ", "))
}
