package copr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultBaseURL is the public Fedora Copr frontend.
	DefaultBaseURL = "https://copr.fedorainfracloud.org"

	defaultPageSize = 100
)

// ErrNotFound is returned when Copr answers with 404 for a project or build.
var ErrNotFound = errors.New("copr: not found")

// Client talks to the Copr API v3.
type Client struct {
	baseURL string
	login   string
	token   string
	http    *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithCredentials authenticates requests with the copr-cli login and token.
func WithCredentials(login, token string) Option {
	return func(cl *Client) {
		cl.login = strings.TrimSpace(login)
		cl.token = strings.TrimSpace(token)
	}
}

// NewClient returns a client for the Copr frontend at baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig builds a client from a parsed copr-cli configuration.
func NewClientFromConfig(cfg Config, opts ...Option) *Client {
	opts = append([]Option{WithCredentials(cfg.Login, cfg.Token)}, opts...)
	return NewClient(cfg.URL, opts...)
}

// Project describes a Copr project.
type Project struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Ownername   string            `json:"ownername"`
	FullName    string            `json:"full_name"`
	ChrootRepos map[string]string `json:"chroot_repos"`
}

// Chroots returns the project's chroot names in no particular order.
func (p Project) Chroots() []string {
	out := make([]string, 0, len(p.ChrootRepos))
	for name := range p.ChrootRepos {
		out = append(out, name)
	}
	return out
}

// SourcePackage is the package a build was produced from.
type SourcePackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Build is a single Copr build spanning one or more chroots.
type Build struct {
	ID            int64         `json:"id"`
	State         string        `json:"state"`
	ProjectName   string        `json:"projectname"`
	Ownername     string        `json:"ownername"`
	Chroots       []string      `json:"chroots"`
	SourcePackage SourcePackage `json:"source_package"`
	SubmittedOn   *int64        `json:"submitted_on"`
	StartedOn     *int64        `json:"started_on"`
	EndedOn       *int64        `json:"ended_on"`
}

// BuildChroot is the state of a build within one chroot.
type BuildChroot struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	ResultURL string `json:"result_url"`
	StartedOn *int64 `json:"started_on"`
	EndedOn   *int64 `json:"ended_on"`
}

// Duration returns how long the chroot build ran, or zero when it has not finished.
func (bc BuildChroot) Duration() time.Duration {
	if bc.StartedOn == nil || bc.EndedOn == nil || *bc.EndedOn < *bc.StartedOn {
		return 0
	}
	return time.Duration(*bc.EndedOn-*bc.StartedOn) * time.Second
}

type listMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// SplitProject splits "owner/project" into its parts.
func SplitProject(full string) (string, string, error) {
	parts := strings.SplitN(strings.TrimSpace(full), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid copr project %q: expected owner/project", full)
	}
	return parts[0], parts[1], nil
}

// GetProject fetches a project by owner and name.
func (c *Client) GetProject(ctx context.Context, owner, project string) (*Project, error) {
	q := url.Values{}
	q.Set("ownername", owner)
	q.Set("projectname", project)

	var out Project
	if err := c.get(ctx, "/api_3/project", q, &out); err != nil {
		return nil, fmt.Errorf("get project %s/%s: %w", owner, project, err)
	}
	return &out, nil
}

// ListBuilds returns every build of a project, following pagination.
func (c *Client) ListBuilds(ctx context.Context, owner, project string) ([]Build, error) {
	var builds []Build
	offset := 0
	for {
		q := url.Values{}
		q.Set("ownername", owner)
		q.Set("projectname", project)
		q.Set("limit", strconv.Itoa(defaultPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page struct {
			Items []Build  `json:"items"`
			Meta  listMeta `json:"meta"`
		}
		if err := c.get(ctx, "/api_3/build/list", q, &page); err != nil {
			return nil, fmt.Errorf("list builds %s/%s: %w", owner, project, err)
		}
		builds = append(builds, page.Items...)
		if len(page.Items) < defaultPageSize {
			return builds, nil
		}
		offset += len(page.Items)
	}
}

// ListBuildChroots returns the per-chroot state of a build.
func (c *Client) ListBuildChroots(ctx context.Context, buildID int64) ([]BuildChroot, error) {
	q := url.Values{}
	q.Set("build_id", strconv.FormatInt(buildID, 10))

	var page struct {
		Items []BuildChroot `json:"items"`
	}
	if err := c.get(ctx, "/api_3/build-chroot/list", q, &page); err != nil {
		return nil, fmt.Errorf("list chroots of build %d: %w", buildID, err)
	}
	return page.Items, nil
}

// BuildURL returns the web page of a build.
func (c *Client) BuildURL(id int64) string {
	return fmt.Sprintf("%s/coprs/build/%d", c.baseURL, id)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.login != "" && c.token != "" {
		req.SetBasicAuth(c.login, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
