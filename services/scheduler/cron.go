package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job is triggered by Cron on every tick.
type Job func(ctx context.Context) (Summary, error)

// Cron fires a Job on a cron schedule evaluated in UTC.
type Cron struct {
	schedule string
	expr     *cronexpr.Expression
	job      Job
	logger   *log.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time

	mu      sync.RWMutex
	next    time.Time
	last    *Summary
	lastErr error
	running bool
}

// NewCron parses schedule. An empty schedule means hourly.
func NewCron(schedule string, job Job, logger *log.Logger) (*Cron, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if schedule == "" {
		schedule = defaultSchedule
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", 0)
	}
	return &Cron{
		schedule: schedule,
		expr:     expr,
		job:      job,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Next returns the first trigger strictly after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.expr.Next(t.UTC())
}

// Start blocks, running the job at every trigger until ctx is cancelled. A
// failing run is logged and does not stop the loop.
func (c *Cron) Start(ctx context.Context) error {
	for {
		next := c.Next(c.now())
		if next.IsZero() {
			return fmt.Errorf("schedule %q has no future trigger", c.schedule)
		}
		c.mu.Lock()
		c.next = next
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.after(next.Sub(c.now())):
		}
		c.RunOnce(ctx)
	}
}

// RunOnce runs the job immediately and records the outcome. It returns false
// without running when a run is already in progress.
func (c *Cron) RunOnce(ctx context.Context) bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Printf("INFO matrix run already in progress")
		return false
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Printf("INFO matrix run started")
	summary, err := c.job(ctx)
	if err != nil {
		c.logger.Printf("WARN matrix run: %v", err)
	} else {
		c.logger.Printf("INFO matrix run finished: %d checks", len(summary.Cells))
	}

	c.mu.Lock()
	c.running = false
	c.last = &summary
	c.lastErr = err
	c.mu.Unlock()
	return true
}

// Status is the JSON document served on /v1/status.
type Status struct {
	Schedule string     `json:"schedule"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Running  bool       `json:"running"`
	LastRun  *LastRun   `json:"last_run,omitempty"`
}

// LastRun describes the most recent matrix run.
type LastRun struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Error      string       `json:"error,omitempty"`
	Cells      []CellStatus `json:"cells"`
}

// CellStatus describes one cell of the last run.
type CellStatus struct {
	Strategy string  `json:"strategy"`
	YYYYMMDD string  `json:"yyyymmdd"`
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Seconds  float64 `json:"seconds"`
}

// Status snapshots the scheduler state.
func (c *Cron) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{Schedule: c.schedule, Running: c.running}
	if !c.next.IsZero() {
		next := c.next
		st.NextRun = &next
	}
	if c.last != nil {
		lr := &LastRun{StartedAt: c.last.StartedAt, FinishedAt: c.last.FinishedAt, Cells: []CellStatus{}}
		if c.lastErr != nil {
			lr.Error = c.lastErr.Error()
		}
		for _, cell := range c.last.Cells {
			cs := CellStatus{
				Strategy: cell.Invocation.Strategy.Name,
				YYYYMMDD: cell.Invocation.YYYYMMDD(),
				OK:       cell.OK(),
				Seconds:  cell.Duration.Seconds(),
			}
			if cell.Err != nil {
				cs.Error = cell.Err.Error()
			}
			lr.Cells = append(lr.Cells, cs)
		}
		st.LastRun = lr
	}
	return st
}

// Routes exposes health, readiness, metrics and status. gatherer may be nil
// for the default registry. Each mount may add further routes.
func (c *Cron) Routes(gatherer prometheus.Gatherer, mounts ...func(chi.Router)) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		c.mu.RLock()
		ready := !c.next.IsZero() || c.last != nil
		c.mu.RUnlock()
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Status())
	})
	for _, mount := range mounts {
		mount(r)
	}
	return r
}
