package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"llvmsnapshots/pkg/copr"
	"llvmsnapshots/services/checker"
	"llvmsnapshots/services/scheduler"
)

type fakeCopr struct {
	project *copr.Project
	builds  []copr.Build
	chroots map[int64][]copr.BuildChroot
}

func (f *fakeCopr) GetProject(ctx context.Context, owner, project string) (*copr.Project, error) {
	if f.project == nil {
		return nil, copr.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeCopr) ListBuilds(ctx context.Context, owner, project string) ([]copr.Build, error) {
	return f.builds, nil
}

func (f *fakeCopr) ListBuildChroots(ctx context.Context, buildID int64) ([]copr.BuildChroot, error) {
	return f.chroots[buildID], nil
}

func (f *fakeCopr) BuildURL(id int64) string {
	return fmt.Sprintf("https://copr.example/build/%d", id)
}

type testApp struct {
	*app
	stdout    *bytes.Buffer
	depsCalls int
	src       *fakeCopr
	env       map[string]string
}

func newTestApp(src *fakeCopr) *testApp {
	ta := &testApp{
		stdout: &bytes.Buffer{},
		src:    src,
		env:    map[string]string{"GITHUB_TOKEN": "secret"},
	}
	ta.app = &app{
		stdout: ta.stdout,
		stderr: io.Discard,
		getenv: func(k string) string { return ta.env[k] },
		now:    func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) },
		checkDeps: func(ctx context.Context, a *app, o checkOptions, token string, logger *log.Logger) (*checker.Checker, func(), error) {
			ta.depsCalls++
			return &checker.Checker{
				Builds: ta.src,
				Logger: log.New(io.Discard, "", 0),
				Now:    a.now,
			}, func() {}, nil
		},
		newInvoker: func(io.Writer) (scheduler.Invoker, error) {
			return nil, errors.New("no invoker configured")
		},
	}
	return ta
}

func (ta *testApp) execute(args ...string) error {
	cmd := newRootCommand(ta.app)
	cmd.SetArgs(args)
	return cmd.Execute()
}

var checkFlags = map[string]string{
	"github-repo":       "fedora-llvm-team/llvm-snapshots",
	"maintainer-handle": "tuxdude",
	"packages":          "llvm clang",
	"build-strategy":    "big-merge",
	"copr-project-tpl":  "@fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD",
	"copr-monitor-tpl":  "https://copr.example/coprs/g/fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD/monitor/",
	"yyyymmdd":          "20240501",
}

func checkArgs(skip string) []string {
	args := []string{"check"}
	for name, value := range checkFlags {
		if name == skip {
			continue
		}
		args = append(args, "--"+name, value)
	}
	return args
}

func TestCheckRequiresFlags(t *testing.T) {
	for name := range checkFlags {
		t.Run(name, func(t *testing.T) {
			ta := newTestApp(&fakeCopr{})
			err := ta.execute(checkArgs(name)...)
			if err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("err = %v, want missing %q", err, name)
			}
			if ta.depsCalls != 0 {
				t.Fatalf("dependencies built %d times before flag validation", ta.depsCalls)
			}
		})
	}
}

func TestCheckRequiresToken(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	ta.env = map[string]string{}
	err := ta.execute(checkArgs("")...)
	if err == nil || !strings.Contains(err.Error(), "GITHUB_TOKEN") {
		t.Fatalf("err = %v, want token error", err)
	}
	if ta.depsCalls != 0 {
		t.Fatalf("dependencies built without a token")
	}
}

func TestCheckRejectsBadDate(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	args := checkArgs("yyyymmdd")
	args = append(args, "--yyyymmdd", "2024-05-01")
	if err := ta.execute(args...); err == nil {
		t.Fatal("expected date parse error")
	}
	if ta.depsCalls != 0 {
		t.Fatalf("dependencies built for an invalid date")
	}
}

func TestCheckMissingProjectFails(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	err := ta.execute(checkArgs("")...)
	if !errors.Is(err, checker.ErrBuildsFailed) {
		t.Fatalf("err = %v, want ErrBuildsFailed", err)
	}
	if got := ta.stdout.String(); !strings.Contains(got, "big-merge 20240501") || !strings.Contains(got, "2 missing") {
		t.Fatalf("stdout = %q", got)
	}
}

func TestCheckAllSucceeded(t *testing.T) {
	src := &fakeCopr{
		project: &copr.Project{ChrootRepos: map[string]string{"fedora-rawhide-x86_64": ""}},
		builds: []copr.Build{
			{ID: 10, SourcePackage: copr.SourcePackage{Name: "llvm"}},
			{ID: 11, SourcePackage: copr.SourcePackage{Name: "clang"}},
		},
		chroots: map[int64][]copr.BuildChroot{
			10: {{Name: "fedora-rawhide-x86_64", State: "succeeded"}},
			11: {{Name: "fedora-rawhide-x86_64", State: "succeeded"}},
		},
	}
	ta := newTestApp(src)
	if err := ta.execute(checkArgs("")...); err != nil {
		t.Fatalf("check: %v", err)
	}
	if ta.depsCalls != 1 {
		t.Fatalf("depsCalls = %d, want 1", ta.depsCalls)
	}
	if got := ta.stdout.String(); !strings.Contains(got, "2 succeeded") {
		t.Fatalf("stdout = %q", got)
	}
}

const strategiesYAML = `
github_repo: fedora-llvm-team/llvm-snapshots
day_offsets: [0, 1]
strategies:
  - name: big-merge
    maintainer_handle: tuxdude
    copr_ownername: "@fedora-llvm-team"
    copr_project_tpl: llvm-snapshots-big-merge-YYYYMMDD
    copr_monitor_tpl: https://copr.example/big-merge-YYYYMMDD/monitor/
    packages: [llvm]
  - name: pgo
    maintainer_handle: tuxdude
    copr_ownername: "@fedora-llvm-team"
    copr_project_tpl: llvm-snapshots-pgo-YYYYMMDD
    copr_monitor_tpl: https://copr.example/pgo-YYYYMMDD/monitor/
    packages: [llvm]
`

func TestMatrixRunsEveryCell(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(strategiesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		cells []string
	)
	ta := newTestApp(&fakeCopr{})
	ta.newInvoker = func(io.Writer) (scheduler.Invoker, error) {
		return scheduler.InvokerFunc(func(ctx context.Context, inv scheduler.Invocation, args []string) error {
			mu.Lock()
			cells = append(cells, inv.String())
			mu.Unlock()
			if inv.Strategy.Name == "pgo" && inv.Offset == 1 {
				return errors.New("exit status 1")
			}
			return nil
		}), nil
	}

	err := ta.execute("matrix", "--strategies", path)
	if err == nil || !strings.Contains(err.Error(), "1 of 4 checks failed") {
		t.Fatalf("err = %v, want one failed cell", err)
	}

	slices.Sort(cells)
	want := []string{"big-merge/20240501", "big-merge/20240502", "pgo/20240501", "pgo/20240502"}
	if !slices.Equal(cells, want) {
		t.Fatalf("cells = %v, want %v", cells, want)
	}
	out := ta.stdout.String()
	if !strings.Contains(out, "STRATEGY") || strings.Count(out, "failed") != 1 {
		t.Fatalf("summary = %q", out)
	}
}

func TestMatrixMissingStrategiesFile(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	ta.newInvoker = func(io.Writer) (scheduler.Invoker, error) {
		return scheduler.InvokerFunc(func(context.Context, scheduler.Invocation, []string) error { return nil }), nil
	}
	if err := ta.execute("matrix", "--strategies", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing strategies file")
	}
}

func TestBuildRequiresProject(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	err := ta.execute("build", "--mock-config", "fedora-rawhide-x86_64")
	if err == nil || !strings.Contains(err.Error(), "project") {
		t.Fatalf("err = %v, want missing project", err)
	}
}

func TestBuildSpecDirHelpNamesTemplateSuffix(t *testing.T) {
	cmd, _, err := newRootCommand(newTestApp(&fakeCopr{}).app).Find([]string{"build"})
	if err != nil {
		t.Fatalf("find build command: %v", err)
	}
	flag := cmd.Flags().Lookup("spec-dir")
	if flag == nil {
		t.Fatal("build has no --spec-dir flag")
	}
	if !strings.Contains(flag.Usage, "<project>.spec.in templates") {
		t.Fatalf("usage = %q", flag.Usage)
	}
}

func TestStatsReportSkipsMissingStrategyFiles(t *testing.T) {
	dir := t.TempDir()
	datafile := filepath.Join(dir, "build-stats.csv")
	csv := "date,package,chroot,build_time,state,build_id,timestamp\n" +
		"2024-05-01,llvm,fedora-rawhide-x86_64,3600,succeeded,10,1714564800\n"
	if err := os.WriteFile(datafile, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "site")

	ta := newTestApp(&fakeCopr{})
	err := ta.execute("stats", "report",
		"--datafile", datafile,
		"--datafile-big-merge", filepath.Join(dir, "none-big-merge.csv"),
		"--datafile-bootstrap", filepath.Join(dir, "none-bootstrap.csv"),
		"--output-dir", out)
	if err != nil {
		t.Fatalf("stats report: %v", err)
	}
	for _, name := range []string{"index.html", "fig-llvm.html", "fig-combined-standalone.html"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestCoprClientFromEnvConfig(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	ta.env["COPR_CONFIG"] = "[copr-cli]\nlogin = bot\nusername = llvm-bot\ntoken = secret\ncopr_url = https://copr.example.org\n"
	path := filepath.Join(t.TempDir(), "copr")

	var buf bytes.Buffer
	c, err := coprClient(ta.app, path, log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("coprClient: %v", err)
	}
	if c == nil {
		t.Fatal("coprClient returned nil client")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(buf.String(), "INFO copr client for https://copr.example.org as llvm-bot") {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestCoprClientAnonymous(t *testing.T) {
	ta := newTestApp(&fakeCopr{})
	var buf bytes.Buffer
	if _, err := coprClient(ta.app, filepath.Join(t.TempDir(), "copr"), log.New(&buf, "", 0)); err != nil {
		t.Fatalf("coprClient: %v", err)
	}
	if !strings.Contains(buf.String(), "anonymous access") {
		t.Fatalf("log = %q", buf.String())
	}
}
