package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"llvmsnapshots/pkg/copr"
)

// BuildLister is the part of the Copr client used to gather timings.
type BuildLister interface {
	ListBuilds(ctx context.Context, owner, project string) ([]copr.Build, error)
	ListBuildChroots(ctx context.Context, buildID int64) ([]copr.BuildChroot, error)
}

// Collect returns one row per finished build chroot of project. Rows are
// stamped with now so that later collections win in Dedupe.
func Collect(ctx context.Context, src BuildLister, owner, project string, date, now time.Time) ([]Row, error) {
	builds, err := src.ListBuilds(ctx, owner, project)
	if err != nil {
		return nil, fmt.Errorf("list builds of %s/%s: %w", owner, project, err)
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].ID < builds[j].ID })

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	var rows []Row
	for _, b := range builds {
		if b.SourcePackage.Name == "" {
			continue
		}
		chroots, err := src.ListBuildChroots(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("list chroots of build %d: %w", b.ID, err)
		}
		for _, bc := range chroots {
			if bc.StartedOn == nil || bc.EndedOn == nil {
				continue
			}
			rows = append(rows, Row{
				Date:      day,
				Package:   b.SourcePackage.Name,
				Chroot:    bc.Name,
				BuildTime: bc.Duration(),
				State:     bc.State,
				BuildID:   b.ID,
				Timestamp: now.UTC().Truncate(time.Second),
			})
		}
	}
	return rows, nil
}
