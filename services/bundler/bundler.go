// Package bundler packs the output of a snapshot build into a signed tar.zst
// archive and publishes its artifacts to object storage.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName    = "manifest.yaml"
	artifactsTarPrefix  = "artifacts"
	bundleCreatedSubj   = "snapshots.bundle.created"
	defaultLinkTTL      = 7 * 24 * time.Hour
	bundleObjectPattern = "llvm-snapshot-%s.tar.zst"
)

// Build assembles a bundle from cfg.OutDir and writes the tar.zst archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.OutDir == "" {
		return nil, errors.New("out directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Snapshot == "" {
		return nil, errors.New("snapshot id is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.OutDir)
	if err != nil {
		return nil, fmt.Errorf("stat out dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("out dir %q is not a directory", cfg.OutDir)
	}

	skip := ""
	if abs, err := filepath.Abs(cfg.Output); err == nil {
		skip = abs
	}
	entries, err := collectArtifacts(ctx, cfg.OutDir, skip)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no artifacts found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:          manifestVersion,
		Snapshot:         cfg.Snapshot,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, manifest.CreatedAt, cfg.OutDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s: %d rpms, %d srpms, %s\n",
		cfg.Output, manifest.Count(KindRPM), manifest.Count(KindSRPM), humanize.Bytes(uint64(manifest.TotalSize())))
	return manifest, nil
}

func collectArtifacts(ctx context.Context, root, skip string) ([]ManifestArtifact, error) {
	var artifacts []ManifestArtifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if abs, err := filepath.Abs(p); err == nil && abs == skip {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)

		sha, size, err := hashFile(p)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, ManifestArtifact{
			Path:   rel,
			Kind:   inferKind(rel),
			Size:   size,
			SHA256: sha,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func hashFile(p string) (string, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", p, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeBundle(output string, manifest []byte, modTime time.Time, outDir string, entries []ManifestArtifact) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, outDir, entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Close()
}

func appendFile(tw *tar.Writer, outDir string, entry ManifestArtifact) error {
	fullPath := filepath.Join(outDir, filepath.FromSlash(entry.Path))
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}

	header := &tar.Header{
		Name:     path.Join(artifactsTarPrefix, entry.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// Extracted is a verified bundle unpacked into a temporary directory.
type Extracted struct {
	Manifest *Manifest
	Dir      string
	files    map[string]string
}

// Path returns the extracted location of an artifact.
func (e *Extracted) Path(artifact string) (string, bool) {
	p, ok := e.files[path.Join(artifactsTarPrefix, artifact)]
	return p, ok
}

// Close removes the extraction directory.
func (e *Extracted) Close() error {
	return os.RemoveAll(e.Dir)
}

// Open unpacks bundlePath, verifies the manifest signature and every artifact
// checksum. The caller must Close the result.
func Open(ctx context.Context, bundlePath string, signer *Signer) (*Extracted, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tempDir, err := os.MkdirTemp("", "llvm-snapshot-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	ex := &Extracted{Dir: tempDir, files: map[string]string{}}

	manifestBytes, err := extract(ctx, tar.NewReader(decoder), ex)
	if err != nil {
		ex.Close()
		return nil, err
	}
	manifest, err := verifyManifest(manifestBytes, signer)
	if err != nil {
		ex.Close()
		return nil, err
	}
	for _, art := range manifest.Artifacts {
		p, ok := ex.Path(art.Path)
		if !ok {
			ex.Close()
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := validateArtifact(p, art); err != nil {
			ex.Close()
			return nil, err
		}
	}
	ex.Manifest = manifest
	return ex, nil
}

func extract(ctx context.Context, tr *tar.Reader, ex *Extracted) ([]byte, error) {
	var manifestBytes []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		target := filepath.Join(ex.Dir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, ex.Dir+string(filepath.Separator)) {
			return nil, fmt.Errorf("invalid entry path %q", name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(target), err)
		}
		file, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("create temp file for %q: %w", name, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return nil, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		file.Close()
		ex.files[name] = target
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}
	return manifestBytes, nil
}

func verifyManifest(data []byte, signer *Signer) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return &manifest, nil
}

func validateArtifact(p string, art ManifestArtifact) error {
	sha, size, err := hashFile(p)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(sha, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}

// Link is a presigned download location for one uploaded object.
type Link struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Key  string `json:"key"`
	URL  string `json:"url"`
}

// Upload verifies the bundle, uploads the archive and every artifact, and
// returns presigned links in manifest order with the archive last.
func Upload(ctx context.Context, cfg UploadConfig) ([]Link, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = defaultLinkTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	ex, err := Open(ctx, cfg.BundlePath, cfg.Signer)
	if err != nil {
		return nil, err
	}
	defer ex.Close()
	m := ex.Manifest

	fmt.Fprintf(cfg.Stdout, "verified manifest for %s signed at %s\n", m.Snapshot, m.CreatedAt.Format(time.RFC3339))

	links := make([]Link, 0, len(m.Artifacts)+1)
	for _, art := range m.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, _ := ex.Path(art.Path)
		key := cfg.Store.Key(m.Snapshot, art.Path)
		if err := putFile(ctx, cfg.Store, key, p, art); err != nil {
			return nil, err
		}
		url, err := cfg.Store.PresignGet(ctx, key, cfg.LinkTTL)
		if err != nil {
			return nil, err
		}
		links = append(links, Link{Path: art.Path, Kind: art.Kind, Key: key, URL: url})
		fmt.Fprintf(cfg.Stdout, "uploaded %s (%s)\n", art.Path, humanize.Bytes(uint64(art.Size)))
	}

	archiveName := fmt.Sprintf(bundleObjectPattern, m.Snapshot)
	archiveKey := cfg.Store.Key(m.Snapshot, archiveName)
	if _, err := cfg.Store.PutFile(ctx, archiveKey, cfg.BundlePath); err != nil {
		return nil, err
	}
	archiveURL, err := cfg.Store.PresignGet(ctx, archiveKey, cfg.LinkTTL)
	if err != nil {
		return nil, err
	}
	links = append(links, Link{Path: archiveName, Kind: "bundle", Key: archiveKey, URL: archiveURL})

	if cfg.Publisher != nil {
		event := map[string]any{
			"id":         uuid.NewString(),
			"snapshot":   m.Snapshot,
			"artifacts":  len(m.Artifacts),
			"bundle_key": archiveKey,
			"at":         cfg.Now().UTC(),
		}
		if err := cfg.Publisher.Publish(ctx, bundleCreatedSubj, event); err != nil {
			fmt.Fprintf(cfg.Stdout, "warning: publish %s: %v\n", bundleCreatedSubj, err)
		}
	}
	return links, nil
}

func putFile(ctx context.Context, store ObjectStore, key, p string, art ManifestArtifact) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open %q for upload: %w", art.Path, err)
	}
	defer f.Close()
	if err := store.PutObject(ctx, key, f, art.Size, art.SHA256); err != nil {
		return fmt.Errorf("upload %q: %w", art.Path, err)
	}
	return nil
}
