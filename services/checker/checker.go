// Package checker verifies that the daily snapshot builds of a strategy exist
// in Copr and tracks failures in a GitHub issue.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"llvmsnapshots/pkg/snapshot"
)

const checkFinishedSubject = "snapshots.check.finished"

// ErrBuildsFailed is returned when at least one expected build failed or is missing.
var ErrBuildsFailed = errors.New("snapshot builds failed or are missing")

// Config is the input of one check.
type Config struct {
	Date             time.Time
	Packages         []string
	Strategy         string
	CoprProjectTpl   string
	CoprMonitorTpl   string
	ChrootPattern    string
	MaintainerHandle string
}

// Validate reports missing or malformed fields.
func (c Config) Validate() error {
	var errs []error
	if c.Date.IsZero() {
		errs = append(errs, errors.New("date is required"))
	}
	if len(c.Packages) == 0 {
		errs = append(errs, errors.New("at least one package is required"))
	}
	if strings.TrimSpace(c.Strategy) == "" {
		errs = append(errs, errors.New("build strategy is required"))
	}
	if !strings.Contains(c.CoprProjectTpl, snapshot.DatePlaceholder) {
		errs = append(errs, fmt.Errorf("copr project template %q must contain %s", c.CoprProjectTpl, snapshot.DatePlaceholder))
	}
	if !strings.Contains(c.CoprMonitorTpl, snapshot.DatePlaceholder) {
		errs = append(errs, fmt.Errorf("copr monitor template %q must contain %s", c.CoprMonitorTpl, snapshot.DatePlaceholder))
	}
	return errors.Join(errs...)
}

// IssueSyncer keeps the tracking issue in line with a report.
type IssueSyncer interface {
	Sync(ctx context.Context, report *Report, maintainer string) (string, error)
}

// Publisher emits events about finished checks.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Recorder persists check outcomes.
type Recorder interface {
	RecordCheck(ctx context.Context, report *Report, issueURL string) error
}

// Checker wires the data sources and sinks of a check. Only Builds is required.
type Checker struct {
	Builds    BuildSource
	Logs      LogSource
	Issues    IssueSyncer
	Publisher Publisher
	Recorder  Recorder
	Metrics   *Metrics
	Logger    *log.Logger
	Now       func() time.Time
}

// Run checks the builds described by cfg. The report is returned even when
// err wraps ErrBuildsFailed.
func (c *Checker) Run(ctx context.Context, cfg Config) (*Report, error) {
	if c == nil || c.Builds == nil {
		return nil, errors.New("build source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid check config: %w", err)
	}
	logger := c.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", 0)
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}

	project, err := snapshot.ExpandTemplate(cfg.CoprProjectTpl, cfg.Date)
	if err != nil {
		return nil, fmt.Errorf("expand copr project template: %w", err)
	}
	monitorURL, err := snapshot.ExpandTemplate(cfg.CoprMonitorTpl, cfg.Date)
	if err != nil {
		return nil, fmt.Errorf("expand copr monitor template: %w", err)
	}

	logger.Printf("INFO checking %s for %d package(s) of strategy %s", project, len(cfg.Packages), cfg.Strategy)

	report, err := collect(ctx, c.Builds, c.Logs, cfg, project)
	if err != nil {
		return nil, fmt.Errorf("collect builds: %w", err)
	}
	report.MonitorURL = monitorURL
	report.CheckedAt = now().UTC()

	for _, status := range allStatuses {
		if n := report.Count(status); n > 0 {
			logger.Printf("INFO %s %s: %d %s", cfg.Strategy, report.YYYYMMDD(), n, status)
		}
	}

	var issueURL string
	if c.Issues != nil {
		issueURL, err = c.Issues.Sync(ctx, report, cfg.MaintainerHandle)
		if err != nil {
			return report, fmt.Errorf("sync issue: %w", err)
		}
		if issueURL != "" {
			logger.Printf("INFO tracking issue: %s", issueURL)
		}
	}

	if c.Metrics != nil {
		c.Metrics.Observe(report)
	}
	if c.Publisher != nil {
		if err := c.Publisher.Publish(ctx, checkFinishedSubject, finishedEvent(report, issueURL)); err != nil {
			logger.Printf("WARN publish check event: %v", err)
		}
	}
	if c.Recorder != nil {
		if err := c.Recorder.RecordCheck(ctx, report, issueURL); err != nil {
			logger.Printf("WARN record check: %v", err)
		}
	}

	if report.Failed() {
		return report, fmt.Errorf("%w: %d of %d build(s) for %s", ErrBuildsFailed, len(report.Failures()), len(report.Results), project)
	}
	return report, nil
}

func finishedEvent(r *Report, issueURL string) map[string]any {
	counts := map[string]int{}
	for s, n := range r.Counts() {
		counts[string(s)] = n
	}
	return map[string]any{
		"id":         uuid.NewString(),
		"strategy":   r.Strategy,
		"yyyymmdd":   r.YYYYMMDD(),
		"project":    r.Project,
		"complete":   r.Complete(),
		"failed":     r.Failed(),
		"counts":     counts,
		"issue_url":  issueURL,
		"checked_at": r.CheckedAt,
	}
}
