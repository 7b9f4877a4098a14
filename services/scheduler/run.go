package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Invoker runs a single matrix cell.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation, args []string) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv Invocation, args []string) error

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation, args []string) error {
	return f(ctx, inv, args)
}

// CellResult is the outcome of one cell.
type CellResult struct {
	Invocation Invocation
	Err        error
	StartedAt  time.Time
	Duration   time.Duration
}

// OK reports whether the cell succeeded.
func (c CellResult) OK() bool { return c.Err == nil }

// Summary aggregates the outcome of a matrix run in plan order.
type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Cells      []CellResult
}

// Failed returns the cells that did not succeed.
func (s Summary) Failed() []CellResult {
	var out []CellResult
	for _, c := range s.Cells {
		if !c.OK() {
			out = append(out, c)
		}
	}
	return out
}

// Err summarises failed cells, or returns nil when all succeeded.
func (s Summary) Err() error {
	failed := s.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, c := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", c.Invocation, c.Err))
	}
	return fmt.Errorf("%d of %d checks failed: %w", len(failed), len(s.Cells), errors.Join(errs...))
}

// RunConfig tunes a matrix run.
type RunConfig struct {
	Common      Common
	Concurrency int
	Logger      *log.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

// Run executes every invocation. Cells are independent: a failing cell never
// cancels its siblings. The returned error is Summary.Err.
func Run(ctx context.Context, invocations []Invocation, invoker Invoker, cfg RunConfig) (Summary, error) {
	if invoker == nil {
		return Summary{}, errors.New("invoker is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	summary := Summary{StartedAt: cfg.Now().UTC(), Cells: make([]CellResult, len(invocations))}

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, inv := range invocations {
		g.Go(func() error {
			start := cfg.Now()
			err := ctx.Err()
			if err == nil {
				err = invoker.Invoke(ctx, inv, inv.Args(cfg.Common))
			}
			res := CellResult{Invocation: inv, Err: err, StartedAt: start.UTC(), Duration: cfg.Now().Sub(start)}
			summary.Cells[i] = res

			if cfg.Logger != nil {
				if err != nil {
					cfg.Logger.Printf("WARN check %s failed: %v", inv, err)
				} else {
					cfg.Logger.Printf("INFO check %s finished in %s", inv, res.Duration.Round(time.Millisecond))
				}
			}
			cfg.Metrics.observe(res)
			// Never propagate: siblings keep running.
			return nil
		})
	}
	_ = g.Wait()
	cfg.Metrics.runDone()

	summary.FinishedAt = cfg.Now().UTC()
	return summary, summary.Err()
}

// ExecInvoker runs each cell as a subprocess of a checker binary.
type ExecInvoker struct {
	Binary string
	Env    []string
	Output io.Writer

	mu sync.Mutex
}

// NewExecInvoker re-executes the running binary for every cell.
func NewExecInvoker(output io.Writer) (*ExecInvoker, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if output == nil {
		output = os.Stderr
	}
	return &ExecInvoker{Binary: self, Output: output}, nil
}

// Invoke runs the subprocess and copies its output, prefixed by the cell name,
// once it exits so that concurrent cells do not interleave.
func (e *ExecInvoker) Invoke(ctx context.Context, inv Invocation, args []string) error {
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	if e.Output != nil && buf.Len() > 0 {
		e.mu.Lock()
		prefix := "[" + inv.String() + "] "
		for _, line := range strings.SplitAfter(buf.String(), "\n") {
			if line == "" {
				continue
			}
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			_, _ = io.WriteString(e.Output, prefix+line)
		}
		e.mu.Unlock()
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w", e.Binary, runErr)
	}
	return nil
}
