package builder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"llvmsnapshots/pkg/render"
	"llvmsnapshots/pkg/snapshot"
)

// SpecTemplateSuffix is appended to a project name to find its spec template.
const SpecTemplateSuffix = ".spec.in"

const (
	changelogDateFmt = "Mon Jan 02 2006"
	defaultPackager  = "LLVM Snapshot Builder <llvm-snapshots@fedoraproject.org>"
)

// SpecContext is the data a spec template is rendered with. Values are
// inserted literally.
type SpecContext struct {
	SourceDir     string
	CommitHash    string
	Version       string
	SourceArchive string
	Changelog     string
	// Snapshot is the yyyymmdd.shaShort identifier.
	Snapshot string
	ShortSHA string
}

// NewSpecContext derives the template data of a snapshot.
func NewSpecContext(id snapshot.ID, sha string, v snapshot.Version, changelog string) SpecContext {
	return SpecContext{
		SourceDir:     SourceDirName(sha),
		CommitHash:    sha,
		Version:       v.String(),
		SourceArchive: SourceArchiveName(sha),
		Changelog:     changelog,
		Snapshot:      id.String(),
		ShortSHA:      id.ShortSHA,
	}
}

// Changelog renders the %changelog entry of a snapshot build.
func Changelog(id snapshot.ID, v snapshot.Version, sha, packager string, now time.Time) string {
	if packager == "" {
		packager = defaultPackager
	}
	var b strings.Builder
	fmt.Fprintf(&b, "* %s %s - %s-1\n", now.UTC().Format(changelogDateFmt), packager, id.RPMVersion(v))
	fmt.Fprintf(&b, "- Daily snapshot %s of llvm-project commit %s\n", id, sha)
	return b.String()
}

// ResolveSpecTemplate returns the real path of <specDir>/<project>.spec.in.
// Projects packaged from another project's spec are symlinks to it.
func ResolveSpecTemplate(specDir, project string) (string, error) {
	p := filepath.Join(specDir, project+SpecTemplateSuffix)
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("no spec template for %s: %w", project, err)
		}
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return real, nil
}

// RenderSpec renders the template at path. Identical inputs give identical output.
func RenderSpec(path string, data SpecContext) ([]byte, error) {
	name := filepath.Base(path)
	engine, err := render.NewFromFS(os.DirFS(filepath.Dir(path)), name)
	if err != nil {
		return nil, err
	}
	out, err := engine.Render(name, data)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return []byte(out), nil
}

// WriteSpec instantiates the spec of project into workDir and returns its path.
func WriteSpec(specDir, workDir, project string, data SpecContext) (string, error) {
	tpl, err := ResolveSpecTemplate(specDir, project)
	if err != nil {
		return "", err
	}
	out, err := RenderSpec(tpl, data)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(workDir, project+".spec")
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}
