package checker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"llvmsnapshots/pkg/copr"
)

// ErrNoChroots is returned when an existing project has no chroot left to check.
var ErrNoChroots = errors.New("no chroots to check")

// BuildSource is the read side of Copr used to collect a report.
type BuildSource interface {
	GetProject(ctx context.Context, owner, project string) (*copr.Project, error)
	ListBuilds(ctx context.Context, owner, project string) ([]copr.Build, error)
	ListBuildChroots(ctx context.Context, buildID int64) ([]copr.BuildChroot, error)
	BuildURL(id int64) string
}

// LogSource fetches builder logs for cause analysis.
type LogSource interface {
	FetchBuildLog(ctx context.Context, resultURL string) (string, error)
}

// collect builds the report for one strategy and day. A project that does
// not exist yet yields a report in which every package is missing.
func collect(ctx context.Context, src BuildSource, logs LogSource, cfg Config, project string) (*Report, error) {
	owner, name, err := copr.SplitProject(project)
	if err != nil {
		return nil, err
	}

	var filter *regexp.Regexp
	if cfg.ChrootPattern != "" {
		filter, err = regexp.Compile(cfg.ChrootPattern)
		if err != nil {
			return nil, fmt.Errorf("compile chroot pattern %q: %w", cfg.ChrootPattern, err)
		}
	}

	report := &Report{
		Strategy: cfg.Strategy,
		Date:     cfg.Date,
		Project:  project,
	}

	proj, err := src.GetProject(ctx, owner, name)
	if errors.Is(err, copr.ErrNotFound) {
		for _, pkg := range cfg.Packages {
			report.Results = append(report.Results, Result{Package: pkg, Status: StatusMissing})
		}
		report.sort()
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	for _, chroot := range proj.Chroots() {
		if filter == nil || filter.MatchString(chroot) {
			report.Chroots = append(report.Chroots, chroot)
		}
	}
	sort.Strings(report.Chroots)
	if len(report.Chroots) == 0 {
		if filter != nil {
			return nil, fmt.Errorf("%w: none of %s match %q", ErrNoChroots, project, cfg.ChrootPattern)
		}
		return nil, fmt.Errorf("%w: %s has no chroots enabled", ErrNoChroots, project)
	}

	builds, err := src.ListBuilds(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	latest := latestBuildPerPackage(builds)

	for _, pkg := range cfg.Packages {
		build, ok := latest[pkg]
		if !ok {
			for _, chroot := range report.Chroots {
				report.Results = append(report.Results, Result{Package: pkg, Chroot: chroot, Status: StatusMissing})
			}
			continue
		}

		chroots, err := src.ListBuildChroots(ctx, build.ID)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]copr.BuildChroot, len(chroots))
		for _, bc := range chroots {
			byName[bc.Name] = bc
		}

		for _, chroot := range report.Chroots {
			res := Result{
				Package:  pkg,
				Chroot:   chroot,
				BuildID:  build.ID,
				BuildURL: src.BuildURL(build.ID),
			}
			bc, ok := byName[chroot]
			if !ok {
				res.Status = StatusMissing
				report.Results = append(report.Results, res)
				continue
			}
			res.Status = statusFromCopr(bc.State)
			if res.Status == StatusFailed {
				res.Cause = analyze(ctx, logs, bc)
			}
			report.Results = append(report.Results, res)
		}
	}

	report.sort()
	return report, nil
}

func analyze(ctx context.Context, logs LogSource, bc copr.BuildChroot) ErrorCause {
	if logs == nil || strings.TrimSpace(bc.ResultURL) == "" {
		return ClassifyLog(bc.Name, "")
	}
	text, err := logs.FetchBuildLog(ctx, bc.ResultURL)
	if err != nil {
		return CauseUnknown
	}
	return ClassifyLog(bc.Name, text)
}

// latestBuildPerPackage keeps the build with the highest id for each package.
func latestBuildPerPackage(builds []copr.Build) map[string]copr.Build {
	out := make(map[string]copr.Build)
	for _, b := range builds {
		name := b.SourcePackage.Name
		if name == "" {
			continue
		}
		if cur, ok := out[name]; !ok || b.ID > cur.ID {
			out[name] = b
		}
	}
	return out
}
