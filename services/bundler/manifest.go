package bundler

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Artifact kinds recorded in the manifest.
const (
	KindRPM       = "rpm"
	KindSRPM      = "srpm"
	KindLog       = "log"
	KindChangelog = "changelog"
	KindFile      = "file"
)

// Manifest is the signed index of a snapshot bundle.
type Manifest struct {
	Version          string             `yaml:"version"`
	Snapshot         string             `yaml:"snapshot"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Count returns the number of artifacts of the given kind.
func (m Manifest) Count(kind string) int {
	n := 0
	for _, a := range m.Artifacts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// TotalSize sums artifact sizes.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, a := range m.Artifacts {
		total += a.Size
	}
	return total
}

// ManifestArtifact describes a single file within the bundle.
type ManifestArtifact struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

func inferKind(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".src.rpm"):
		return KindSRPM
	case strings.HasSuffix(lower, ".rpm"):
		return KindRPM
	case strings.HasSuffix(lower, ".log"):
		return KindLog
	case lower == "changelog":
		return KindChangelog
	default:
		return KindFile
	}
}
