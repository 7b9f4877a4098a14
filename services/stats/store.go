package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"llvmsnapshots/pkg/db"
	"llvmsnapshots/services/checker"
)

// PGStore keeps build timings and check outcomes in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an open, migrated pool.
func NewPGStore(pool *pgxpool.Pool) (*PGStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PGStore{pool: pool}, nil
}

const upsertRow = `
INSERT INTO build_stats (build_id, chroot, date, package, build_time, state, timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (build_id, chroot) DO UPDATE SET
	date = EXCLUDED.date,
	package = EXCLUDED.package,
	build_time = EXCLUDED.build_time,
	state = EXCLUDED.state,
	timestamp = EXCLUDED.timestamp
WHERE build_stats.timestamp <= EXCLUDED.timestamp`

// SaveRows upserts rows, keeping the newest sample per build and chroot.
func (s *PGStore) SaveRows(ctx context.Context, rows []Row) error {
	for _, r := range rows {
		_, err := db.Exec(ctx, s.pool, upsertRow,
			r.BuildID, r.Chroot, r.Date.UTC().Format("20060102"), r.Package,
			int64(r.BuildTime/time.Second), r.State, r.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("save build %d/%s: %w", r.BuildID, r.Chroot, err)
		}
	}
	return nil
}

type dbRow struct {
	BuildID   int64     `db:"build_id"`
	Chroot    string    `db:"chroot"`
	Date      string    `db:"date"`
	Package   string    `db:"package"`
	BuildTime int64     `db:"build_time"`
	State     string    `db:"state"`
	Timestamp time.Time `db:"timestamp"`
}

// Rows returns every sample on or after since, ordered like Dedupe.
func (s *PGStore) Rows(ctx context.Context, since time.Time) ([]Row, error) {
	var recs []dbRow
	err := db.Select(ctx, s.pool, &recs, `
SELECT build_id, chroot, date, package, build_time, state, timestamp
FROM build_stats
WHERE date >= $1
ORDER BY date, chroot, timestamp`, since.UTC().Format("20060102"))
	if err != nil {
		return nil, fmt.Errorf("select build stats: %w", err)
	}
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		day, err := parseDay(rec.Date)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			Date:      day,
			Package:   rec.Package,
			Chroot:    rec.Chroot,
			BuildTime: time.Duration(rec.BuildTime) * time.Second,
			State:     rec.State,
			BuildID:   rec.BuildID,
			Timestamp: rec.Timestamp.UTC(),
		})
	}
	return rows, nil
}

// RecordCheck stores the outcome of a checker run.
func (s *PGStore) RecordCheck(ctx context.Context, report *checker.Report, issueURL string) error {
	counts, err := json.Marshal(countsOf(report))
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, s.pool, `
INSERT INTO check_results (id, strategy, date, project, complete, counts, issue_url, checked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), report.Strategy, report.YYYYMMDD(), report.Project, report.Complete(),
		string(counts), issueURL, report.CheckedAt.UTC())
	if err != nil {
		return fmt.Errorf("record check %s/%s: %w", report.Strategy, report.YYYYMMDD(), err)
	}
	return nil
}

func countsOf(report *checker.Report) map[string]int {
	out := map[string]int{}
	for status, n := range report.Counts() {
		out[string(status)] = n
	}
	return out
}
