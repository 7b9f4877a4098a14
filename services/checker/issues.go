package checker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"llvmsnapshots/pkg/render"
)

const (
	// UpdateMarker separates the static issue introduction from the section rewritten on every check.
	UpdateMarker = "<!--UPDATES_FOLLOW_HERE-->"

	// DefaultCreator is the account that files tracking issues from CI.
	DefaultCreator = "github-actions[bot]"
)

type labelFamily struct {
	prefix string
	color  string
}

var (
	errorLabels    = labelFamily{prefix: "error/", color: "FBCA04"}
	osLabels       = labelFamily{prefix: "os/", color: "F9D0C4"}
	projectLabels  = labelFamily{prefix: "project/", color: "BFDADC"}
	strategyLabels = labelFamily{prefix: "strategy/", color: "FFFFFF"}
	archLabels     = labelFamily{prefix: "arch/", color: "C5DEF5"}
)

// managed label families are added and removed as failures come and go.
var managedFamilies = []labelFamily{errorLabels, osLabels, projectLabels, archLabels}

// NewGitHubClient returns a GitHub API client authenticated with token.
// An empty token yields an anonymous client.
func NewGitHubClient(ctx context.Context, token string) *github.Client {
	if strings.TrimSpace(token) == "" {
		return github.NewClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)
	return github.NewClient(httpClient)
}

// TrackerConfig configures an IssueTracker.
type TrackerConfig struct {
	Repo    string
	Creator string
	Logger  *log.Logger
	Now     func() time.Time
}

// IssueTracker keeps one GitHub issue per strategy and day in sync with the build report.
type IssueTracker struct {
	client   *github.Client
	owner    string
	repo     string
	creator  string
	renderer *render.Engine
	logger   *log.Logger
	now      func() time.Time

	labels map[string]string
}

// NewIssueTracker creates an IssueTracker for cfg.Repo ("owner/name").
func NewIssueTracker(client *github.Client, cfg TrackerConfig) (*IssueTracker, error) {
	if client == nil {
		return nil, errors.New("github client is required")
	}
	owner, repo, ok := strings.Cut(strings.TrimSpace(cfg.Repo), "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid github repo %q: expected owner/name", cfg.Repo)
	}
	if cfg.Creator == "" {
		cfg.Creator = DefaultCreator
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	renderer, err := render.New()
	if err != nil {
		return nil, err
	}
	return &IssueTracker{
		client:   client,
		owner:    owner,
		repo:     repo,
		creator:  cfg.Creator,
		renderer: renderer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// FindIssue returns the issue filed for strategy on the given day, or nil.
func (t *IssueTracker) FindIssue(ctx context.Context, strategy, yyyymmdd string) (*github.Issue, error) {
	if strategy == "" {
		return nil, errors.New("strategy must not be empty")
	}
	query := fmt.Sprintf("is:issue repo:%s/%s author:%s label:%s%s %s in:title",
		t.owner, t.repo, t.creator, strategyLabels.prefix, strategy, yyyymmdd)
	res, _, err := t.client.Search.Issues(ctx, query, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 10}})
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	if res.GetTotal() == 0 || len(res.Issues) == 0 {
		t.logger.Printf("INFO found no issue for %s (%s)", yyyymmdd, strategy)
		return nil, nil
	}
	t.logger.Printf("INFO found issue for %s (%s): %s", yyyymmdd, strategy, res.Issues[0].GetHTMLURL())
	return res.Issues[0], nil
}

// Sync creates or updates the tracking issue for the report and returns its URL.
// No issue is created for a day on which every build already succeeded.
func (t *IssueTracker) Sync(ctx context.Context, report *Report, maintainer string) (string, error) {
	issue, err := t.FindIssue(ctx, report.Strategy, report.YYYYMMDD())
	if err != nil {
		return "", err
	}
	if issue == nil {
		if report.Complete() {
			return "", nil
		}
		issue, err = t.create(ctx, report, maintainer)
		if err != nil {
			return "", err
		}
	}

	status, err := t.renderer.Render("issue_status.md.tmpl", statusView{Report: report, UpdatedAt: t.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("render issue status: %w", err)
	}
	body := composeBody(issue.GetBody(), status)
	state := "open"
	if report.Complete() {
		state = "closed"
	}
	if _, _, err := t.client.Issues.Edit(ctx, t.owner, t.repo, issue.GetNumber(), &github.IssueRequest{
		Body:  github.String(body),
		State: github.String(state),
	}); err != nil {
		return "", fmt.Errorf("update issue #%d: %w", issue.GetNumber(), err)
	}

	if err := t.syncLabels(ctx, issue.GetNumber(), report); err != nil {
		return "", err
	}
	return issue.GetHTMLURL(), nil
}

type initialView struct {
	Maintainer  string
	MonitorURL  string
	YYYYMMDD    string
	ErrorCauses []string
	Marker      string
}

type statusView struct {
	Report    *Report
	UpdatedAt time.Time
}

func (t *IssueTracker) create(ctx context.Context, report *Report, maintainer string) (*github.Issue, error) {
	body, err := t.renderer.Render("issue_initial.md.tmpl", initialView{
		Maintainer:  maintainer,
		MonitorURL:  report.MonitorURL,
		YYYYMMDD:    report.YYYYMMDD(),
		ErrorCauses: causeNames(),
		Marker:      UpdateMarker,
	})
	if err != nil {
		return nil, fmt.Errorf("render initial issue body: %w", err)
	}

	req := &github.IssueRequest{
		Title: github.String(fmt.Sprintf("Snapshot build for %s (%s)", report.YYYYMMDD(), report.Strategy)),
		Body:  github.String(body),
	}
	if maintainer != "" {
		req.Assignee = github.String(maintainer)
	}

	t.logger.Printf("INFO creating issue for %s (%s)", report.YYYYMMDD(), report.Strategy)
	issue, _, err := t.client.Issues.Create(ctx, t.owner, t.repo, req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	if err := t.ensureLabels(ctx, strategyLabels, []string{report.Strategy}); err != nil {
		return nil, err
	}
	if _, _, err := t.client.Issues.AddLabelsToIssue(ctx, t.owner, t.repo, issue.GetNumber(), []string{strategyLabels.prefix + report.Strategy}); err != nil {
		return nil, fmt.Errorf("label issue #%d: %w", issue.GetNumber(), err)
	}
	return issue, nil
}

// composeBody keeps everything up to the update marker and replaces the rest.
func composeBody(existing, status string) string {
	head := existing
	if idx := strings.Index(existing, UpdateMarker); idx >= 0 {
		head = existing[:idx]
	} else if strings.TrimSpace(existing) != "" {
		head = strings.TrimRight(existing, "\n") + "\n\n"
	}
	return head + UpdateMarker + "\n\n" + strings.TrimSpace(status) + "\n"
}

// desiredLabels returns, per family, the label names the failures call for.
func desiredLabels(report *Report) map[labelFamily][]string {
	sets := map[labelFamily]map[string]struct{}{}
	add := func(f labelFamily, name string) {
		if name == "" {
			return
		}
		if sets[f] == nil {
			sets[f] = map[string]struct{}{}
		}
		sets[f][name] = struct{}{}
	}
	for _, res := range report.Failures() {
		add(projectLabels, res.Package)
		if res.Chroot != "" {
			add(osLabels, res.OS())
			add(archLabels, res.Arch())
		}
		add(errorLabels, string(res.Cause))
	}

	out := map[labelFamily][]string{}
	for f, set := range sets {
		for name := range set {
			out[f] = append(out[f], name)
		}
		sort.Strings(out[f])
	}
	return out
}

func (t *IssueTracker) syncLabels(ctx context.Context, number int, report *Report) error {
	current, err := t.issueLabels(ctx, number)
	if err != nil {
		return err
	}
	desired := desiredLabels(report)

	var add, remove []string
	for _, family := range managedFamilies {
		want := map[string]struct{}{}
		for _, name := range desired[family] {
			want[family.prefix+name] = struct{}{}
		}
		if err := t.ensureLabels(ctx, family, desired[family]); err != nil {
			return err
		}
		for name := range want {
			if _, ok := current[name]; !ok {
				add = append(add, name)
			}
		}
		for name := range current {
			if !strings.HasPrefix(name, family.prefix) {
				continue
			}
			if _, ok := want[name]; !ok {
				remove = append(remove, name)
			}
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	if len(add) > 0 {
		if _, _, err := t.client.Issues.AddLabelsToIssue(ctx, t.owner, t.repo, number, add); err != nil {
			return fmt.Errorf("add labels to issue #%d: %w", number, err)
		}
	}
	for _, name := range remove {
		if _, err := t.client.Issues.RemoveLabelForIssue(ctx, t.owner, t.repo, number, name); err != nil {
			return fmt.Errorf("remove label %q from issue #%d: %w", name, number, err)
		}
	}
	return nil
}

func (t *IssueTracker) issueLabels(ctx context.Context, number int) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	opts := &github.ListOptions{PerPage: 100}
	for {
		labels, resp, err := t.client.Issues.ListLabelsByIssue(ctx, t.owner, t.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list labels of issue #%d: %w", number, err)
		}
		for _, l := range labels {
			out[l.GetName()] = struct{}{}
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (t *IssueTracker) loadLabels(ctx context.Context) error {
	if t.labels != nil {
		return nil
	}
	cache := map[string]string{}
	opts := &github.ListOptions{PerPage: 100}
	for {
		labels, resp, err := t.client.Issues.ListLabels(ctx, t.owner, t.repo, opts)
		if err != nil {
			return fmt.Errorf("list labels: %w", err)
		}
		for _, l := range labels {
			cache[l.GetName()] = strings.ToUpper(l.GetColor())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	t.labels = cache
	return nil
}

// ensureLabels creates the family's labels that do not exist with the right color yet.
func (t *IssueTracker) ensureLabels(ctx context.Context, family labelFamily, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := t.loadLabels(ctx); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	sorted := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		name := n
		if !strings.HasPrefix(name, family.prefix) {
			name = family.prefix + n
		}
		if color, ok := t.labels[name]; ok && color == family.color {
			continue
		}
		t.logger.Printf("INFO creating label: repo=%s/%s name=%s color=%s", t.owner, t.repo, name, family.color)
		label := &github.Label{Name: github.String(name), Color: github.String(family.color)}
		if _, _, err := t.client.Issues.CreateLabel(ctx, t.owner, t.repo, label); err != nil {
			label.Description = github.String("")
			if _, _, editErr := t.client.Issues.EditLabel(ctx, t.owner, t.repo, name, label); editErr != nil {
				return fmt.Errorf("create label %q: %w", name, errors.Join(err, editErr))
			}
		}
		t.labels[name] = family.color
	}
	return nil
}
