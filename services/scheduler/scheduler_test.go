package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const strategiesYAML = `
github_repo: fedora-llvm-team/llvm-snapshots
strategies:
  - name: big-merge
    maintainer_handle: tuxdude
    copr_ownername: "@fedora-llvm-team"
    copr_project_tpl: llvm-snapshots-big-merge-YYYYMMDD
    copr_monitor_tpl: https://copr.fedorainfracloud.org/coprs/g/fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD/monitor/
    packages: [llvm]
  - name: pgo
    maintainer_handle: tuxdude
    copr_ownername: "@fedora-llvm-team"
    copr_project_tpl: llvm-snapshots-pgo-YYYYMMDD
    copr_monitor_tpl: https://copr.fedorainfracloud.org/coprs/g/fedora-llvm-team/llvm-snapshots-pgo-YYYYMMDD/monitor/
    chroot_pattern: ^fedora-(rawhide|[0-9]+)-x86_64$
    packages: [llvm, llvm-test-suite]
`

func TestParseStrategiesDefaults(t *testing.T) {
	cfg, err := ParseStrategies([]byte(strategiesYAML))
	if err != nil {
		t.Fatalf("ParseStrategies: %v", err)
	}
	if cfg.Schedule != "0 * * * *" {
		t.Fatalf("schedule = %q", cfg.Schedule)
	}
	if cfg.GitHubTokenEnv != "GITHUB_TOKEN" {
		t.Fatalf("token env = %q", cfg.GitHubTokenEnv)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, cfg.DayOffsets); diff != "" {
		t.Fatalf("offsets (-want +got):\n%s", diff)
	}
	if got := cfg.Strategies[0].ProjectTemplate(); got != "@fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD" {
		t.Fatalf("project template = %q", got)
	}
}

func TestParseStrategiesValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no strategies",
			yaml: "github_repo: a/b\n",
			want: "at least one strategy",
		},
		{
			name: "bad repo",
			yaml: "github_repo: nope\nstrategies: [{name: x, maintainer_handle: m, copr_project_tpl: o/p-YYYYMMDD, copr_monitor_tpl: u-YYYYMMDD, packages: [llvm]}]\n",
			want: "owner/name",
		},
		{
			name: "duplicate",
			yaml: "github_repo: a/b\nstrategies:\n- {name: x, maintainer_handle: m, copr_project_tpl: o/p-YYYYMMDD, copr_monitor_tpl: u-YYYYMMDD, packages: [llvm]}\n- {name: x, maintainer_handle: m, copr_project_tpl: o/p-YYYYMMDD, copr_monitor_tpl: u-YYYYMMDD, packages: [llvm]}\n",
			want: "duplicate name",
		},
		{
			name: "missing placeholder",
			yaml: "github_repo: a/b\nstrategies: [{name: x, maintainer_handle: m, copr_project_tpl: o/p, copr_monitor_tpl: u-YYYYMMDD, packages: [llvm]}]\n",
			want: "copr_project_tpl must contain YYYYMMDD",
		},
		{
			name: "empty packages",
			yaml: "github_repo: a/b\nstrategies: [{name: x, maintainer_handle: m, copr_project_tpl: o/p-YYYYMMDD, copr_monitor_tpl: u-YYYYMMDD}]\n",
			want: "packages must not be empty",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStrategies([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestPlanExpandsOffsetsAndStrategies(t *testing.T) {
	cfg, err := ParseStrategies([]byte(strategiesYAML))
	if err != nil {
		t.Fatalf("ParseStrategies: %v", err)
	}
	now := time.Date(2024, 5, 3, 1, 30, 0, 0, time.UTC)

	invs := Plan(now, cfg.DayOffsets, cfg.Strategies)
	var got []string
	for _, inv := range invs {
		got = append(got, inv.String())
	}
	want := []string{
		"big-merge/20240503", "pgo/20240503",
		"big-merge/20240502", "pgo/20240502",
		"big-merge/20240501", "pgo/20240501",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan (-want +got):\n%s", diff)
	}
}

func TestInvocationArgs(t *testing.T) {
	cfg, err := ParseStrategies([]byte(strategiesYAML))
	if err != nil {
		t.Fatalf("ParseStrategies: %v", err)
	}
	common := Common{GitHubRepo: cfg.GitHubRepo, GitHubTokenEnv: "GH_TOKEN"}
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	withoutPattern := Invocation{Strategy: cfg.Strategies[0], Date: date}.Args(common)
	want := []string{
		"check",
		"--github-repo", "fedora-llvm-team/llvm-snapshots",
		"--github-token-env", "GH_TOKEN",
		"--maintainer-handle", "tuxdude",
		"--packages", "llvm",
		"--build-strategy", "big-merge",
		"--copr-project-tpl", "@fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD",
		"--copr-monitor-tpl", "https://copr.fedorainfracloud.org/coprs/g/fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD/monitor/",
		"--yyyymmdd", "20240501",
	}
	if diff := cmp.Diff(want, withoutPattern); diff != "" {
		t.Fatalf("args (-want +got):\n%s", diff)
	}

	withPattern := Invocation{Strategy: cfg.Strategies[1], Date: date}.Args(common)
	if withPattern[1] != "--chroot-pattern" || withPattern[2] != `^fedora-(rawhide|[0-9]+)-x86_64$` {
		t.Fatalf("chroot pattern not passed verbatim: %v", withPattern[:3])
	}
	if got := withPattern[10]; got != "llvm llvm-test-suite" {
		t.Fatalf("packages = %q", got)
	}
}

func TestRunFailuresAreIndependent(t *testing.T) {
	cfg, err := ParseStrategies([]byte(strategiesYAML))
	if err != nil {
		t.Fatalf("ParseStrategies: %v", err)
	}
	invs := Plan(time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), cfg.DayOffsets, cfg.Strategies)

	var calls atomic.Int32
	invoker := InvokerFunc(func(ctx context.Context, inv Invocation, args []string) error {
		calls.Add(1)
		if inv.Strategy.Name == "pgo" && inv.Offset == 1 {
			return errors.New("exit status 1")
		}
		return ctx.Err()
	})

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	summary, err := Run(context.Background(), invs, invoker, RunConfig{Concurrency: 2, Metrics: metrics})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if calls.Load() != 6 {
		t.Fatalf("invoked %d cells, want 6", calls.Load())
	}
	failed := summary.Failed()
	if len(failed) != 1 || failed[0].Invocation.String() != "pgo/20240502" {
		t.Fatalf("failed = %+v", failed)
	}
	if !strings.Contains(err.Error(), "1 of 6 checks failed") {
		t.Fatalf("err = %v", err)
	}
	if got := testutil.ToFloat64(metrics.invocations.WithLabelValues("big-merge", "success")); got != 3 {
		t.Fatalf("big-merge successes = %v", got)
	}
	if got := testutil.ToFloat64(metrics.invocations.WithLabelValues("pgo", "failure")); got != 1 {
		t.Fatalf("pgo failures = %v", got)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	strategies := []Strategy{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	invs := Plan(time.Now(), []int{0, 1}, strategies)

	var mu sync.Mutex
	active, peak := 0, 0
	invoker := InvokerFunc(func(ctx context.Context, inv Invocation, args []string) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	if _, err := Run(context.Background(), invs, invoker, RunConfig{Concurrency: 3}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak > 3 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
}

func TestCronNextIsHourlyUTC(t *testing.T) {
	c, err := NewCron("", func(context.Context) (Summary, error) { return Summary{}, nil }, nil)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	got := c.Next(time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC))
	want := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next = %s, want %s", got, want)
	}

	if _, err := NewCron("not a schedule", func(context.Context) (Summary, error) { return Summary{}, nil }, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCronStartRunsJobAndServesStatus(t *testing.T) {
	ran := make(chan struct{}, 1)
	c, err := NewCron("0 * * * *", func(context.Context) (Summary, error) {
		inv := Invocation{Strategy: Strategy{Name: "big-merge"}, Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
		s := Summary{Cells: []CellResult{{Invocation: inv, Err: errors.New("boom")}}}
		select {
		case ran <- struct{}{}:
		default:
		}
		return s, s.Err()
	}, nil)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	fired := make(chan time.Time)
	c.after = func(time.Duration) <-chan time.Time { return fired }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	fired <- time.Now()
	<-ran
	deadline := time.After(time.Second)
	for {
		st := c.Status()
		if st.LastRun != nil && !st.Running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("last run never recorded")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start returned %v", err)
	}

	srv := httptest.NewServer(c.Routes(prometheus.NewRegistry()))
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.LastRun == nil || len(st.LastRun.Cells) != 1 {
		t.Fatalf("status = %+v", st)
	}
	cell := st.LastRun.Cells[0]
	if cell.OK || cell.Strategy != "big-merge" || cell.YYYYMMDD != "20240501" || cell.Error != "boom" {
		t.Fatalf("cell = %+v", cell)
	}
}

func TestReadyzBeforeFirstSchedule(t *testing.T) {
	c, err := NewCron("", func(context.Context) (Summary, error) { return Summary{}, nil }, nil)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	rec := httptest.NewRecorder()
	c.Routes(prometheus.NewRegistry()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
}
