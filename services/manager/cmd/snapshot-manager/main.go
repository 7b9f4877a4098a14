package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llvmsnapshots/pkg/bus"
	"llvmsnapshots/pkg/telemetry"
	"llvmsnapshots/services/scheduler"
)

func main() {
	if err := newRootCommand(defaultApp()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the process environment and the constructors commands use to
// reach external systems, so tests can swap them out.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	now    func() time.Time

	checkDeps  checkDepsFunc
	newInvoker func(out io.Writer) (scheduler.Invoker, error)
}

func defaultApp() *app {
	return &app{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		getenv:     os.Getenv,
		now:        time.Now,
		checkDeps:  newCheckDeps,
		newInvoker: newExecInvoker,
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "snapshot-manager",
		Short:         "Build, verify and report on daily LLVM snapshot packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.AddCommand(
		newCheckCommand(a),
		newMatrixCommand(a),
		newCronCommand(a),
		newBuildCommand(a),
		newBundleCommand(a),
		newStatsCommand(a),
	)
	return cmd
}

// startTelemetry initialises logging and tracing for a command. The returned
// function flushes pending spans.
func startTelemetry(ctx context.Context, name string) (*log.Logger, func(), error) {
	shutdownTelemetry, _, logger, err := telemetry.Init(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	return logger, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("WARN telemetry shutdown: %v", err)
		}
	}, nil
}

// connectBus returns the event bus when NATS_URL is set. Connection errors
// are logged and the command continues without events.
func connectBus(logger *log.Logger) *bus.Bus {
	b, err := bus.NewFromEnv()
	if err != nil {
		if !errors.Is(err, bus.ErrNotConfigured) {
			logger.Printf("WARN event bus unavailable: %v", err)
		}
		return nil
	}
	return b
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
