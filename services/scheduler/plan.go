package scheduler

import (
	"strings"
	"time"

	"llvmsnapshots/pkg/snapshot"
)

// Common holds the checker arguments shared by every cell of the matrix.
type Common struct {
	GitHubRepo     string
	GitHubTokenEnv string
}

// Invocation is one cell of the matrix: a strategy checked for one day.
type Invocation struct {
	Strategy Strategy
	Offset   int
	Date     time.Time
}

// YYYYMMDD returns the checked day.
func (inv Invocation) YYYYMMDD() string {
	return snapshot.FormatDate(inv.Date)
}

// String names the cell in logs.
func (inv Invocation) String() string {
	return inv.Strategy.Name + "/" + inv.YYYYMMDD()
}

// Plan expands offsets × strategies into invocations, offsets first.
func Plan(now time.Time, offsets []int, strategies []Strategy) []Invocation {
	out := make([]Invocation, 0, len(offsets)*len(strategies))
	for _, off := range offsets {
		date := snapshot.DaysAgo(now, off)
		for _, s := range strategies {
			out = append(out, Invocation{Strategy: s, Offset: off, Date: date})
		}
	}
	return out
}

// Args renders the checker command line of the cell. The chroot pattern is
// passed verbatim and omitted entirely when empty.
func (inv Invocation) Args(common Common) []string {
	args := []string{"check"}
	if inv.Strategy.ChrootPattern != "" {
		args = append(args, "--chroot-pattern", inv.Strategy.ChrootPattern)
	}
	args = append(args,
		"--github-repo", common.GitHubRepo,
		"--github-token-env", common.GitHubTokenEnv,
		"--maintainer-handle", inv.Strategy.MaintainerHandle,
		"--packages", strings.Join(inv.Strategy.Packages, " "),
		"--build-strategy", inv.Strategy.Name,
		"--copr-project-tpl", inv.Strategy.ProjectTemplate(),
		"--copr-monitor-tpl", inv.Strategy.CoprMonitorTpl,
		"--yyyymmdd", inv.YYYYMMDD(),
	)
	return args
}
