package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"llvmsnapshots/pkg/render"
)

const (
	indexPage    = "index.html"
	combinedPage = "fig-combined-standalone.html"
	plotDivID    = "plotly_div_id"
	// Build times are plotted as a time of day on 1970-01-01 so the axis reads HH:MM:SS.
	plotTimeLayout = "2006-01-02 15:04:05"
)

// ReportInput holds the datafiles a report is rendered from. The strategy
// datafiles are optional.
type ReportInput struct {
	Rows          []Row
	BigMerge      []Row
	Bootstrap     []Row
	CoprBuildBase string
	Now           time.Time
}

type trace struct {
	Type       string     `json:"type"`
	Mode       string     `json:"mode"`
	Name       string     `json:"name"`
	X          []string   `json:"x"`
	Y          []string   `json:"y"`
	CustomData [][]string `json:"customdata"`
	Marker     struct {
		Size int `json:"size"`
	} `json:"marker"`
	HoverTemplate string `json:"hovertemplate"`
}

type figurePage struct {
	Title         string
	Packages      []string
	CombinedLabel string
	PlotID        string
	Traces        []trace
	CoprBuildBase string
	UpdatedAt     time.Time
}

type indexPageData struct {
	Title         string
	Packages      []string
	CombinedLabel string
	UpdatedAt     time.Time
}

// Report writes index.html, one fig-<package>.html per package and
// fig-combined-standalone.html into dir. It returns the written file names.
func Report(dir string, in ReportInput) ([]string, error) {
	engine, err := render.NewHTML()
	if err != nil {
		return nil, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.CoprBuildBase == "" {
		in.CoprBuildBase = "https://copr.fedorainfracloud.org/coprs/build/"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	rows := Dedupe(in.Rows)
	packages := Packages(rows)
	combinedLabel := strings.Join(CombinedPackages, "+")

	var written []string
	write := func(name, tpl string, data any) error {
		out, err := engine.Render(tpl, data)
		if err != nil {
			return fmt.Errorf("render %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(out), 0o644); err != nil {
			return err
		}
		written = append(written, name)
		return nil
	}

	page := func(title string, points []Point) figurePage {
		return figurePage{
			Title:         title,
			Packages:      packages,
			CombinedLabel: combinedLabel,
			PlotID:        plotDivID,
			Traces:        traces(points),
			CoprBuildBase: in.CoprBuildBase,
			UpdatedAt:     in.Now,
		}
	}

	for _, pkg := range packages {
		title := "Build times for the package(s): " + pkg
		if err := write("fig-"+pkg+".html", "stats_figure.html.tmpl", page(title, PointsFor(rows, pkg))); err != nil {
			return written, err
		}
	}

	combined := Combine(rows, CombinedPackages)
	combined = append(combined, Prefixed(Dedupe(in.BigMerge), BigMergePrefix)...)
	combined = append(combined, Prefixed(Dedupe(in.Bootstrap), BootstrapPrefix)...)
	SortPoints(combined)
	title := "Build times for the package(s): " + strings.Join(CombinedPackages, ", ")
	if err := write(combinedPage, "stats_figure.html.tmpl", page(title, combined)); err != nil {
		return written, err
	}

	if err := write(indexPage, "stats_index.html.tmpl", indexPageData{
		Title:         "Build times for the LLVM snapshot packages",
		Packages:      packages,
		CombinedLabel: combinedLabel,
		UpdatedAt:     in.Now,
	}); err != nil {
		return written, err
	}
	return written, nil
}

// traces groups points into one line per chroot.
func traces(points []Point) []trace {
	byChroot := map[string]*trace{}
	var names []string
	for _, p := range points {
		t, ok := byChroot[p.Chroot]
		if !ok {
			t = &trace{Type: "scatter", Mode: "lines+markers", Name: p.Chroot,
				HoverTemplate: "%{x}<br>%{y}<br>%{customdata[0]}<br>%{customdata[1]}<extra>%{fullData.name}</extra>"}
			t.Marker.Size = 7
			byChroot[p.Chroot] = t
			names = append(names, p.Chroot)
		}
		ids := make([]string, len(p.BuildIDs))
		for i, id := range p.BuildIDs {
			ids[i] = fmt.Sprint(id)
		}
		t.X = append(t.X, p.Date.UTC().Format(dateLayout))
		t.Y = append(t.Y, time.Unix(0, 0).UTC().Add(p.BuildTime).Format(plotTimeLayout))
		t.CustomData = append(t.CustomData, []string{
			strings.Join(p.Packages, ", "),
			strings.Join(p.States, ", "),
			strings.Join(ids, ","),
		})
	}
	sort.Strings(names)
	out := make([]trace, 0, len(names))
	for _, n := range names {
		out = append(out, *byChroot[n])
	}
	return out
}
