package builder

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"llvmsnapshots/pkg/snapshot"
)

const (
	defaultArchiveBaseURL = "https://github.com/llvm/llvm-project/archive"
	versionFile           = "cmake/Modules/LLVMVersion.cmake"
)

var versionRe = regexp.MustCompile(`set\(\s*LLVM_VERSION_(MAJOR|MINOR|PATCH)\s+(\d+)\s*\)`)

// SourceDirName is the top-level directory of the upstream archive.
func SourceDirName(sha string) string {
	return "llvm-project-" + sha
}

// SourceArchiveName is the file name the archive is stored under.
func SourceArchiveName(sha string) string {
	return SourceDirName(sha) + ".tar.gz"
}

// FetchSource downloads the upstream archive of sha into dir unless it is
// already present, and returns its path.
func FetchSource(ctx context.Context, hc *http.Client, baseURL, sha, dir string) (string, error) {
	if baseURL == "" {
		baseURL = defaultArchiveBaseURL
	}
	dest := filepath.Join(dir, SourceArchiveName(sha))
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return dest, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sources dir: %w", err)
	}

	url := baseURL + "/" + sha + ".tar.gz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ParseVersion reads LLVM_VERSION_{MAJOR,MINOR,PATCH} from LLVMVersion.cmake.
func ParseVersion(r io.Reader) (snapshot.Version, error) {
	found := map[string]int{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := versionRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return snapshot.Version{}, err
		}
		found[m[1]] = n
	}
	if err := sc.Err(); err != nil {
		return snapshot.Version{}, err
	}
	for _, part := range []string{"MAJOR", "MINOR", "PATCH"} {
		if _, ok := found[part]; !ok {
			return snapshot.Version{}, fmt.Errorf("LLVM_VERSION_%s not found", part)
		}
	}
	return snapshot.Version{Major: found["MAJOR"], Minor: found["MINOR"], Patch: found["PATCH"]}, nil
}

// VersionFromArchive extracts the upstream version from a source archive.
func VersionFromArchive(archive, sha string) (snapshot.Version, error) {
	f, err := os.Open(archive)
	if err != nil {
		return snapshot.Version{}, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return snapshot.Version{}, fmt.Errorf("gunzip %s: %w", archive, err)
	}
	defer zr.Close()

	want := path.Join(SourceDirName(sha), versionFile)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return snapshot.Version{}, fmt.Errorf("%s not found in %s", want, archive)
		}
		if err != nil {
			return snapshot.Version{}, fmt.Errorf("read %s: %w", archive, err)
		}
		if path.Clean(hdr.Name) == want {
			v, err := ParseVersion(tr)
			if err != nil {
				return snapshot.Version{}, fmt.Errorf("parse %s: %w", want, err)
			}
			return v, nil
		}
	}
}
