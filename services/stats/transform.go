package stats

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// CombinedPackages are summed into one series to compare standalone builds
// with the big-merge and bootstrap strategies.
var CombinedPackages = []string{"llvm", "clang", "compiler-rt", "libomp"}

// Chroot prefixes of the strategy datafiles.
const (
	BigMergePrefix  = "big-merge-"
	BootstrapPrefix = "bootstrap-"
)

type rowKey struct {
	buildID int64
	chroot  string
}

// Dedupe keeps the row with the latest timestamp per build and chroot. The
// result is ordered by date, chroot and timestamp.
func Dedupe(rows []Row) []Row {
	sorted := slices.Clone(rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Chroot != b.Chroot {
			return a.Chroot < b.Chroot
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	last := map[rowKey]int{}
	for i, r := range sorted {
		last[rowKey{r.BuildID, r.Chroot}] = i
	}
	out := make([]Row, 0, len(last))
	for i, r := range sorted {
		if last[rowKey{r.BuildID, r.Chroot}] == i {
			out = append(out, r)
		}
	}
	return out
}

// Packages returns the sorted distinct package names.
func Packages(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, r := range rows {
		seen[r.Package] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Point is one plotted sample. Combined points aggregate several packages.
type Point struct {
	Date      time.Time
	Chroot    string
	BuildTime time.Duration
	Packages  []string
	States    []string
	BuildIDs  []int64
	Timestamp time.Time
}

// PointsFor converts the rows of one package to points. An empty pkg selects all rows.
func PointsFor(rows []Row, pkg string) []Point {
	var out []Point
	for _, r := range rows {
		if pkg != "" && r.Package != pkg {
			continue
		}
		out = append(out, pointOf(r, ""))
	}
	return out
}

// Prefixed converts rows to points whose chroot carries prefix.
func Prefixed(rows []Row, prefix string) []Point {
	out := make([]Point, 0, len(rows))
	for _, r := range rows {
		out = append(out, pointOf(r, prefix))
	}
	return out
}

func pointOf(r Row, prefix string) Point {
	return Point{
		Date:      r.Date,
		Chroot:    prefix + r.Chroot,
		BuildTime: r.BuildTime,
		Packages:  []string{r.Package},
		States:    []string{r.State},
		BuildIDs:  []int64{r.BuildID},
		Timestamp: r.Timestamp,
	}
}

// Combine sums build times of packages per date and chroot.
func Combine(rows []Row, packages []string) []Point {
	type key struct {
		date   time.Time
		chroot string
	}
	groups := map[key]*Point{}
	var order []key
	for _, r := range rows {
		if !slices.Contains(packages, r.Package) {
			continue
		}
		k := key{r.Date, r.Chroot}
		p, ok := groups[k]
		if !ok {
			p = &Point{Date: r.Date, Chroot: r.Chroot}
			groups[k] = p
			order = append(order, k)
		}
		p.BuildTime += r.BuildTime
		p.Packages = append(p.Packages, r.Package)
		p.States = append(p.States, r.State)
		p.BuildIDs = append(p.BuildIDs, r.BuildID)
		if r.Timestamp.After(p.Timestamp) {
			p.Timestamp = r.Timestamp
		}
	}
	out := make([]Point, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	SortPoints(out)
	return out
}

// SortPoints orders points by date, then chroot.
func SortPoints(points []Point) {
	sort.SliceStable(points, func(i, j int) bool {
		if !points[i].Date.Equal(points[j].Date) {
			return points[i].Date.Before(points[j].Date)
		}
		return strings.Compare(points[i].Chroot, points[j].Chroot) < 0
	})
}
