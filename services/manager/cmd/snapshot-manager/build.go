package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"llvmsnapshots/services/builder"
	"llvmsnapshots/services/checker"
)

func newBuildCommand(a *app) *cobra.Command {
	var (
		cfg            builder.Config
		commit         string
		resolver       string
		githubTokenEnv string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build source and binary RPMs of today's snapshot with mock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, shutdown, err := startTelemetry(ctx, "snapshot-builder")
			if err != nil {
				return err
			}
			defer shutdown()

			gh := checker.NewGitHubClient(ctx, strings.TrimSpace(a.getenv(githubTokenEnv)))
			res, err := builder.ResolverFor(commit, resolver, gh)
			if err != nil {
				return err
			}

			b := &builder.Builder{
				Resolver: res,
				Runner:   builder.ExecRunner{Stdout: a.stdout, Stderr: a.stderr, Logger: logger},
				HTTP:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
				Logger:   logger,
				Now:      a.now,
			}
			if bs := connectBus(logger); bs != nil {
				defer bs.Close()
				b.Publisher = bs
			}

			result, err := b.Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "built snapshot %s (%s): %d srpm(s)\n", result.Snapshot, result.RPMVersion, len(result.SRPMs))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&cfg.Projects, "project", nil, "Project to build, in order (repeatable)")
	cmd.Flags().StringVar(&cfg.MockConfig, "mock-config", "", "mock chroot name or .cfg file")
	cmd.Flags().StringVar(&cfg.SpecDir, "spec-dir", ".", "Directory holding <project>"+builder.SpecTemplateSuffix+" templates")
	cmd.Flags().StringVar(&cfg.WorkDir, "work-dir", ".", "Directory rendered spec files are written to")
	cmd.Flags().StringVar(&cfg.OutDir, "out-dir", "out", "Directory receiving srpms/, rpms/ and the changelog")
	cmd.Flags().StringVar(&cfg.SourcesDir, "sources-dir", "", "Directory downloaded sources are kept in (default work dir)")
	cmd.Flags().StringVar(&cfg.Packager, "packager", "", "Changelog author, e.g. \"Name <mail>\"")
	cmd.Flags().StringVar(&cfg.ArchiveBaseURL, "archive-base-url", "", "Base URL of commit source archives")
	cmd.Flags().StringVar(&commit, "commit", "", "Build this llvm-project commit instead of the latest one")
	cmd.Flags().StringVar(&resolver, "resolver", "github", "How to find the latest commit: github or git")
	cmd.Flags().StringVar(&githubTokenEnv, "github-token-env", "GITHUB_TOKEN", "Environment variable holding the GitHub token")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("mock-config")
	return cmd
}
