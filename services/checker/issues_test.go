package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v66/github"
)

type fakeIssue struct {
	Number   int
	Title    string
	Body     string
	State    string
	Assignee string
	Labels   map[string]struct{}
}

// fakeGitHub implements the handful of REST endpoints the tracker uses.
type fakeGitHub struct {
	mu       sync.Mutex
	issues   map[int]*fakeIssue
	labels   map[string]string
	creates  int
	searches []string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{issues: map[int]*fakeIssue{}, labels: map[string]string{}}
}

func (f *fakeGitHub) issueJSON(is *fakeIssue) map[string]any {
	labels := []map[string]string{}
	for name := range is.Labels {
		labels = append(labels, map[string]string{"name": name})
	}
	return map[string]any{
		"number":   is.Number,
		"title":    is.Title,
		"body":     is.Body,
		"state":    is.State,
		"html_url": fmt.Sprintf("https://github.com/o/r/issues/%d", is.Number),
		"labels":   labels,
	}
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	write := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.Method == http.MethodGet && path == "/search/issues":
		q := r.URL.Query().Get("q")
		f.searches = append(f.searches, q)
		items := []map[string]any{}
		for _, is := range f.issues {
			for label := range is.Labels {
				if strings.Contains(q, "label:"+label+" ") && strings.Contains(q, strings.Fields(is.Title)[3]) {
					items = append(items, f.issueJSON(is))
					break
				}
			}
		}
		write(http.StatusOK, map[string]any{"total_count": len(items), "items": items})

	case r.Method == http.MethodPost && path == "/repos/o/r/issues":
		var req struct {
			Title    string `json:"title"`
			Body     string `json:"body"`
			Assignee string `json:"assignee"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.creates++
		is := &fakeIssue{Number: len(f.issues) + 1, Title: req.Title, Body: req.Body, State: "open", Assignee: req.Assignee, Labels: map[string]struct{}{}}
		f.issues[is.Number] = is
		write(http.StatusCreated, f.issueJSON(is))

	case r.Method == http.MethodGet && path == "/repos/o/r/labels":
		out := []map[string]string{}
		for name, color := range f.labels {
			out = append(out, map[string]string{"name": name, "color": color})
		}
		write(http.StatusOK, out)

	case r.Method == http.MethodPost && path == "/repos/o/r/labels":
		var req struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if _, ok := f.labels[req.Name]; ok {
			write(http.StatusUnprocessableEntity, map[string]string{"message": "already_exists"})
			return
		}
		f.labels[req.Name] = req.Color
		write(http.StatusCreated, req)

	case r.Method == http.MethodPatch && strings.HasPrefix(path, "/repos/o/r/labels/"):
		var req struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.labels[req.Name] = req.Color
		write(http.StatusOK, req)

	case strings.HasPrefix(path, "/repos/o/r/issues/"):
		rest := strings.TrimPrefix(path, "/repos/o/r/issues/")
		numStr, sub, _ := strings.Cut(rest, "/")
		num, _ := strconv.Atoi(numStr)
		is, ok := f.issues[num]
		if !ok {
			write(http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		switch {
		case r.Method == http.MethodPatch && sub == "":
			var req struct {
				Body  *string `json:"body"`
				State *string `json:"state"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Body != nil {
				is.Body = *req.Body
			}
			if req.State != nil {
				is.State = *req.State
			}
			write(http.StatusOK, f.issueJSON(is))
		case r.Method == http.MethodGet && sub == "labels":
			out := []map[string]string{}
			for name := range is.Labels {
				out = append(out, map[string]string{"name": name})
			}
			write(http.StatusOK, out)
		case r.Method == http.MethodPost && sub == "labels":
			var names []string
			_ = json.NewDecoder(r.Body).Decode(&names)
			for _, n := range names {
				is.Labels[n] = struct{}{}
			}
			write(http.StatusOK, []any{})
		case r.Method == http.MethodDelete && strings.HasPrefix(sub, "labels/"):
			delete(is.Labels, strings.TrimPrefix(sub, "labels/"))
			write(http.StatusOK, []any{})
		default:
			write(http.StatusNotFound, map[string]string{"message": "Not Found"})
		}

	default:
		write(http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *fakeGitHub) issueLabels(num int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.issues[num].Labels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func newTestTracker(t *testing.T, fake *fakeGitHub) *IssueTracker {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client.BaseURL = base

	tracker, err := NewIssueTracker(client, TrackerConfig{
		Repo:   "o/r",
		Logger: log.New(&bytes.Buffer{}, "", 0),
		Now:    func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewIssueTracker() error = %v", err)
	}
	return tracker
}

func failingReport() *Report {
	return &Report{
		Strategy:   "big-merge",
		Date:       time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Project:    "@fedora-llvm-team/llvm-snapshots-big-merge-20240501",
		MonitorURL: "https://copr.example/monitor/",
		Chroots:    []string{"fedora-40-x86_64"},
		Results: []Result{
			{Package: "clang", Chroot: "fedora-40-x86_64", Status: StatusSucceeded, BuildID: 2},
			{Package: "llvm", Chroot: "fedora-40-x86_64", Status: StatusFailed, BuildID: 3, BuildURL: "https://copr.example/build/3", Cause: CauseTest},
		},
	}
}

func TestSyncCreatesAndClosesIssue(t *testing.T) {
	fake := newFakeGitHub()
	tracker := newTestTracker(t, fake)
	ctx := context.Background()

	issueURL, err := tracker.Sync(ctx, failingReport(), "tuliom")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if issueURL != "https://github.com/o/r/issues/1" {
		t.Fatalf("Sync() url = %q", issueURL)
	}

	is := fake.issues[1]
	if is.Title != "Snapshot build for 20240501 (big-merge)" {
		t.Fatalf("title = %q", is.Title)
	}
	if is.Assignee != "tuliom" {
		t.Fatalf("assignee = %q", is.Assignee)
	}
	if !strings.Contains(is.Body, "Hello @tuliom!") || !strings.Contains(is.Body, UpdateMarker) {
		t.Fatalf("body misses introduction or marker:\n%s", is.Body)
	}
	if !strings.Contains(is.Body, "| llvm | fedora-40-x86_64 | failed | test |") {
		t.Fatalf("body misses failure row:\n%s", is.Body)
	}
	wantLabels := []string{"arch/x86_64", "error/test", "os/fedora-40", "project/llvm", "strategy/big-merge"}
	if diff := cmp.Diff(wantLabels, fake.issueLabels(1)); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	if fake.labels["error/test"] != "FBCA04" || fake.labels["strategy/big-merge"] != "FFFFFF" {
		t.Fatalf("repo labels = %v", fake.labels)
	}
	wantQuery := "is:issue repo:o/r author:github-actions[bot] label:strategy/big-merge 20240501 in:title"
	if fake.searches[0] != wantQuery {
		t.Fatalf("search query = %q, want %q", fake.searches[0], wantQuery)
	}

	// Same failure again: the issue is reused and nothing changes.
	intro := is.Body[:strings.Index(is.Body, UpdateMarker)]
	if _, err := tracker.Sync(ctx, failingReport(), "tuliom"); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if fake.creates != 1 {
		t.Fatalf("issues created = %d, want 1", fake.creates)
	}
	if diff := cmp.Diff(wantLabels, fake.issueLabels(1)); diff != "" {
		t.Fatalf("labels after resync mismatch (-want +got):\n%s", diff)
	}

	// The failed build was restarted successfully.
	fixed := failingReport()
	fixed.Results[1].Status = StatusSucceeded
	fixed.Results[1].Cause = CauseNone
	if _, err := tracker.Sync(ctx, fixed, "tuliom"); err != nil {
		t.Fatalf("third Sync() error = %v", err)
	}
	if is.State != "closed" {
		t.Fatalf("state = %q, want closed", is.State)
	}
	if diff := cmp.Diff([]string{"strategy/big-merge"}, fake.issueLabels(1)); diff != "" {
		t.Fatalf("labels after fix mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(is.Body, intro) {
		t.Fatalf("introduction was not preserved:\n%s", is.Body)
	}
	if !strings.Contains(is.Body, "succeeded. :tada:") {
		t.Fatalf("body misses success note:\n%s", is.Body)
	}
}

func TestSyncSkipsIssueWhenComplete(t *testing.T) {
	fake := newFakeGitHub()
	tracker := newTestTracker(t, fake)

	report := failingReport()
	report.Results = report.Results[:1]

	issueURL, err := tracker.Sync(context.Background(), report, "tuliom")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if issueURL != "" || fake.creates != 0 {
		t.Fatalf("Sync() created an issue for a complete report: url=%q creates=%d", issueURL, fake.creates)
	}
}

func TestEnsureLabelsEditsExisting(t *testing.T) {
	fake := newFakeGitHub()
	fake.labels["os/fedora-40"] = "000000"
	tracker := newTestTracker(t, fake)

	if err := tracker.ensureLabels(context.Background(), osLabels, []string{"fedora-40", "fedora-40"}); err != nil {
		t.Fatalf("ensureLabels() error = %v", err)
	}
	if got := fake.labels["os/fedora-40"]; got != "F9D0C4" {
		t.Fatalf("label color = %q, want F9D0C4", got)
	}
}

func TestComposeBody(t *testing.T) {
	existing := "intro\n\n" + UpdateMarker + "\n\nold status\n"
	got := composeBody(existing, "new status")
	want := "intro\n\n" + UpdateMarker + "\n\nnew status\n"
	if got != want {
		t.Fatalf("composeBody() = %q, want %q", got, want)
	}

	got = composeBody("hand written", "status")
	want = "hand written\n\n" + UpdateMarker + "\n\nstatus\n"
	if got != want {
		t.Fatalf("composeBody() without marker = %q, want %q", got, want)
	}
}

func TestNewIssueTrackerRejectsBadRepo(t *testing.T) {
	if _, err := NewIssueTracker(github.NewClient(nil), TrackerConfig{Repo: "nope"}); err == nil {
		t.Fatalf("NewIssueTracker() expected error")
	}
}
