package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"llvmsnapshots/services/scheduler"
)

type matrixOptions struct {
	strategies  string
	concurrency int
}

func (o *matrixOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.strategies, "strategies", "strategies.yaml", "YAML file describing the build strategies")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 4, "Maximum number of checks running at once")
}

func newExecInvoker(out io.Writer) (scheduler.Invoker, error) {
	return scheduler.NewExecInvoker(out)
}

func newMatrixCommand(a *app) *cobra.Command {
	var o matrixOptions

	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Run the check for every strategy and day offset once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			logger, shutdown, err := startTelemetry(ctx, "snapshot-matrix")
			if err != nil {
				return err
			}
			defer shutdown()

			inv, err := a.newInvoker(a.stdout)
			if err != nil {
				return err
			}
			summary, err := runMatrix(ctx, a, o, inv, nil, logger)
			printSummary(a.stdout, summary)
			return err
		},
	}
	o.bind(cmd)
	return cmd
}

// runMatrix reloads the strategies file and runs one check per strategy and
// day offset relative to now.
func runMatrix(ctx context.Context, a *app, o matrixOptions, inv scheduler.Invoker, metrics *scheduler.Metrics, logger *log.Logger) (scheduler.Summary, error) {
	cfg, err := scheduler.LoadStrategies(o.strategies)
	if err != nil {
		return scheduler.Summary{}, err
	}
	invocations := scheduler.Plan(a.now(), cfg.DayOffsets, cfg.Strategies)
	logger.Printf("INFO running %d checks for %d strategies", len(invocations), len(cfg.Strategies))
	return scheduler.Run(ctx, invocations, inv, scheduler.RunConfig{
		Common: scheduler.Common{
			GitHubRepo:     cfg.GitHubRepo,
			GitHubTokenEnv: cfg.GitHubTokenEnv,
		},
		Concurrency: o.concurrency,
		Logger:      logger,
		Metrics:     metrics,
		Now:         a.now,
	})
}

func printSummary(w io.Writer, s scheduler.Summary) {
	if len(s.Cells) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tDAY\tRESULT\tDURATION")
	for _, c := range s.Cells {
		result := "ok"
		if !c.OK() {
			result = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Invocation.Strategy.Name, c.Invocation.YYYYMMDD(), result, c.Duration.Round(time.Second))
	}
	_ = tw.Flush()
}
