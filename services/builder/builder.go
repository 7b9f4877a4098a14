// Package builder produces RPMs of a daily llvm-project snapshot: it resolves
// the upstream commit, fetches the source archive, instantiates the spec
// templates and drives spectool and mock.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"llvmsnapshots/pkg/snapshot"
)

const buildFinishedSubject = "snapshots.build.finished"

// Runner executes an external command in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// Run starts name and waits for it to exit.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if r.Logger != nil {
		r.Logger.Printf("INFO exec %s %s", name, strings.Join(args, " "))
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Publisher announces finished builds.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Config describes one snapshot build.
type Config struct {
	Projects       []string
	MockConfig     string
	SpecDir        string
	WorkDir        string
	OutDir         string
	SourcesDir     string
	Packager       string
	ArchiveBaseURL string
}

// Validate reports every missing setting at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Projects) == 0 {
		errs = append(errs, errors.New("at least one project is required"))
	}
	if c.MockConfig == "" {
		errs = append(errs, errors.New("mock config is required"))
	}
	for _, p := range c.Projects {
		if p == "" || strings.ContainsAny(p, `/\`) {
			errs = append(errs, fmt.Errorf("invalid project name %q", p))
		}
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() (Config, error) {
	if c.SpecDir == "" {
		c.SpecDir = "."
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.OutDir == "" {
		c.OutDir = "out"
	}
	if c.SourcesDir == "" {
		c.SourcesDir = c.WorkDir
	}
	// Tools run inside WorkDir, so every path handed to them is absolute.
	for _, p := range []*string{&c.SpecDir, &c.WorkDir, &c.OutDir, &c.SourcesDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return c, err
		}
		*p = abs
	}
	// A .cfg file is a path; anything else names a chroot config shipped with mock.
	if strings.HasSuffix(c.MockConfig, ".cfg") {
		abs, err := filepath.Abs(c.MockConfig)
		if err != nil {
			return c, err
		}
		c.MockConfig = abs
	}
	return c, nil
}

// Builder runs snapshot builds.
type Builder struct {
	Resolver  CommitResolver
	Runner    Runner
	HTTP      *http.Client
	Publisher Publisher
	Logger    *log.Logger
	Now       func() time.Time
}

// Result summarises a finished build.
type Result struct {
	Snapshot   snapshot.ID
	Commit     string
	Version    snapshot.Version
	RPMVersion string
	Changelog  string
	Specs      []string
	SRPMs      []string
}

// Run builds every project in order. The first failing step aborts the build
// and leaves partial output in place.
func (b *Builder) Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.Resolver == nil || b.Runner == nil {
		return nil, errors.New("resolver and runner are required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	hc := b.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Minute}
	}

	sha, err := b.Resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve commit: %w", err)
	}
	started := now().UTC()
	id, err := snapshot.New(sha, started)
	if err != nil {
		return nil, err
	}
	sha = strings.ToLower(strings.TrimSpace(sha))
	b.logf("INFO building snapshot %s", id)

	archive, err := FetchSource(ctx, hc, cfg.ArchiveBaseURL, sha, cfg.SourcesDir)
	if err != nil {
		return nil, err
	}
	version, err := VersionFromArchive(archive, sha)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Snapshot:   id,
		Commit:     sha,
		Version:    version,
		RPMVersion: id.RPMVersion(version),
		Changelog:  Changelog(id, version, sha, cfg.Packager, started),
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutDir, "changelog"), []byte(res.Changelog), 0o644); err != nil {
		return nil, fmt.Errorf("write changelog: %w", err)
	}

	data := NewSpecContext(id, sha, version, res.Changelog)
	for _, project := range cfg.Projects {
		spec, srpm, err := b.buildProject(ctx, cfg, project, data)
		if spec != "" {
			res.Specs = append(res.Specs, spec)
		}
		if srpm != "" {
			res.SRPMs = append(res.SRPMs, srpm)
		}
		if err != nil {
			return res, fmt.Errorf("build %s: %w", project, err)
		}
	}

	b.logf("INFO snapshot %s built: %s", id, strings.Join(cfg.Projects, ", "))
	if b.Publisher != nil {
		event := map[string]any{
			"id":          uuid.NewString(),
			"snapshot":    id.String(),
			"commit":      sha,
			"version":     res.RPMVersion,
			"projects":    cfg.Projects,
			"finished_at": now().UTC(),
		}
		if err := b.Publisher.Publish(ctx, buildFinishedSubject, event); err != nil {
			b.logf("WARN publish %s: %v", buildFinishedSubject, err)
		}
	}
	return res, nil
}

func (b *Builder) buildProject(ctx context.Context, cfg Config, project string, data SpecContext) (string, string, error) {
	spec, err := WriteSpec(cfg.SpecDir, cfg.WorkDir, project, data)
	if err != nil {
		return "", "", err
	}
	sources := cfg.SourcesDir
	srpmDir := filepath.Join(cfg.OutDir, "srpms")
	rpmDir := filepath.Join(cfg.OutDir, "rpms")

	if err := b.Runner.Run(ctx, cfg.WorkDir, "spectool", "-g", "-R", "--define", "_sourcedir "+sources, spec); err != nil {
		return spec, "", err
	}

	before, err := listSRPMs(srpmDir)
	if err != nil {
		return spec, "", err
	}
	if err := b.Runner.Run(ctx, cfg.WorkDir, "mock", "-r", cfg.MockConfig,
		"--buildsrpm", "--spec", spec, "--sources", sources, "--resultdir", srpmDir); err != nil {
		return spec, "", err
	}
	srpm, err := newSRPM(srpmDir, before)
	if err != nil {
		return spec, "", err
	}
	b.logf("INFO built %s", filepath.Base(srpm))

	if err := b.Runner.Run(ctx, cfg.WorkDir, "mock", "-r", cfg.MockConfig,
		"--rebuild", srpm, "--resultdir", rpmDir); err != nil {
		return spec, srpm, err
	}
	return spec, srpm, nil
}

func listSRPMs(dir string) (map[string]time.Time, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.src.rpm"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		out[m] = info.ModTime()
	}
	return out, nil
}

// newSRPM finds the source package written by the last mock run: a new file,
// or the most recently modified one if mock overwrote an existing name.
func newSRPM(dir string, before map[string]time.Time) (string, error) {
	after, err := listSRPMs(dir)
	if err != nil {
		return "", err
	}
	var created, touched []string
	for p, mod := range after {
		prev, ok := before[p]
		switch {
		case !ok:
			created = append(created, p)
		case mod.After(prev):
			touched = append(touched, p)
		}
	}
	sort.Strings(created)
	sort.Strings(touched)
	switch {
	case len(created) == 1:
		return created[0], nil
	case len(created) > 1:
		return "", fmt.Errorf("mock produced %d source packages in %s", len(created), dir)
	case len(touched) == 1:
		return touched[0], nil
	}
	return "", fmt.Errorf("no source package found in %s", dir)
}

func (b *Builder) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}
