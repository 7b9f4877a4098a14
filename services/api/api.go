// Package api serves the check history, build timings and presigned artifact
// links over HTTP.
package api

import (
	"time"

	"github.com/google/uuid"

	"llvmsnapshots/pkg/db/migrations"
)

// Check is one recorded checker run.
type Check struct {
	ID        uuid.UUID      `json:"id"`
	Strategy  string         `json:"strategy"`
	YYYYMMDD  string         `json:"yyyymmdd"`
	Project   string         `json:"project"`
	Complete  bool           `json:"complete"`
	Counts    map[string]any `json:"counts"`
	IssueURL  string         `json:"issue_url,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// BuildStat is the duration of one build in one chroot.
type BuildStat struct {
	BuildID          int64     `json:"build_id"`
	Chroot           string    `json:"chroot"`
	YYYYMMDD         string    `json:"yyyymmdd"`
	Package          string    `json:"package"`
	BuildTimeSeconds int64     `json:"build_time_secs"`
	State            string    `json:"state"`
	Timestamp        time.Time `json:"timestamp"`
}

func checkFromModel(m migrations.CheckResult) Check {
	counts := map[string]any(m.Counts)
	if counts == nil {
		counts = map[string]any{}
	}
	return Check{
		ID:        m.ID,
		Strategy:  m.Strategy,
		YYYYMMDD:  m.Date,
		Project:   m.Project,
		Complete:  m.Complete,
		Counts:    counts,
		IssueURL:  m.IssueURL,
		CheckedAt: m.CheckedAt.UTC(),
	}
}

func buildStatFromModel(m migrations.BuildStat) BuildStat {
	return BuildStat{
		BuildID:          m.BuildID,
		Chroot:           m.Chroot,
		YYYYMMDD:         m.Date,
		Package:          m.Package,
		BuildTimeSeconds: m.BuildTime,
		State:            m.State,
		Timestamp:        m.Timestamp.UTC(),
	}
}
