package checker

import (
	"sort"
	"strings"
	"time"

	"llvmsnapshots/pkg/snapshot"
)

// Status is the outcome of one package in one chroot.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusMissing   Status = "missing"
	StatusPending   Status = "pending"
	StatusSkipped   Status = "skipped"
)

var allStatuses = []Status{StatusSucceeded, StatusSkipped, StatusPending, StatusFailed, StatusCanceled, StatusMissing}

// statusFromCopr maps Copr build-chroot states onto Status.
func statusFromCopr(state string) Status {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "succeeded", "forked":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "canceled":
		return StatusCanceled
	case "skipped":
		return StatusSkipped
	default:
		return StatusPending
	}
}

// IsFailure reports whether the status breaks the snapshot.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusCanceled || s == StatusMissing
}

// Result is the state of one package in one chroot.
type Result struct {
	Package  string
	Chroot   string
	Status   Status
	BuildID  int64
	BuildURL string
	Cause    ErrorCause
}

// OS returns the operating system part of the chroot, e.g. "fedora-rawhide".
func (r Result) OS() string {
	os, _ := splitChroot(r.Chroot)
	return os
}

// Arch returns the architecture part of the chroot, e.g. "x86_64".
func (r Result) Arch() string {
	_, arch := splitChroot(r.Chroot)
	return arch
}

func splitChroot(chroot string) (string, string) {
	idx := strings.LastIndex(chroot, "-")
	if idx <= 0 || idx == len(chroot)-1 {
		return chroot, ""
	}
	return chroot[:idx], chroot[idx+1:]
}

// Report summarises the builds of one strategy for one day.
type Report struct {
	Strategy   string
	Date       time.Time
	Project    string
	MonitorURL string
	Chroots    []string
	Results    []Result
	CheckedAt  time.Time
}

// YYYYMMDD returns the checked day.
func (r *Report) YYYYMMDD() string {
	return snapshot.FormatDate(r.Date)
}

// Count returns the number of results with the given status.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Counts returns the result count per status, omitting zero entries.
func (r *Report) Counts() map[Status]int {
	out := map[Status]int{}
	for _, s := range allStatuses {
		if n := r.Count(s); n > 0 {
			out[s] = n
		}
	}
	return out
}

// Failed reports whether any build failed, was canceled or is missing.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status.IsFailure() {
			return true
		}
	}
	return false
}

// Complete reports whether every expected build finished successfully.
func (r *Report) Complete() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Status != StatusSucceeded && res.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// Failures returns the failing results in report order.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status.IsFailure() {
			out = append(out, res)
		}
	}
	return out
}

// WithStatus returns the results carrying status s.
func (r *Report) WithStatus(s Status) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == s {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) sort() {
	sort.Slice(r.Results, func(i, j int) bool {
		if r.Results[i].Package != r.Results[j].Package {
			return r.Results[i].Package < r.Results[j].Package
		}
		return r.Results[i].Chroot < r.Results[j].Chroot
	})
}
