// Package overlay implements per-module overlay directories: their
// metadata layout, composition over an upstream module root, and
// three-way rebase against an upstream that has moved on. Grounded on the
// original source's overlay/layout/mod.rs, overlay/rebase/mod.rs, and
// overlay/patch/mod.rs.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/gitutil"
	"github.com/liqiongyu/agentpack/internal/lockfile"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/source"
	"github.com/liqiongyu/agentpack/internal/store"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

// Kind discriminates how an overlay directory expresses its edits:
// KindDir holds full replacement files, KindPatch holds unified diffs
// under .agentpack/patches. The two are mutually exclusive per overlay.
type Kind string

const (
	KindDir   Kind = "dir"
	KindPatch Kind = "patch"
)

// Meta is the contents of an overlay dir's .agentpack/overlay.json.
type Meta struct {
	OverlayKind Kind `json:"overlay_kind"`
}

// Baseline is the contents of an overlay dir's .agentpack/baseline.json:
// the upstream snapshot the overlay was created from, used to three-way
// merge a later upstream change against the user's edits.
type Baseline struct {
	Version        int                `json:"version"`
	CreatedAt      string             `json:"created_at"`
	UpstreamSHA256 string             `json:"upstream_sha256"`
	FileManifest   []fsutil.FileEntry `json:"file_manifest"`
	Upstream       *BaselineUpstream  `json:"upstream,omitempty"`
}

// BaselineUpstream records where the baseline snapshot came from, tagged
// by Kind ("git" or "local_path").
type BaselineUpstream struct {
	Kind string `json:"kind"`

	// Git fields.
	URL    string `json:"url,omitempty"`
	Commit string `json:"commit,omitempty"`
	Subdir string `json:"subdir,omitempty"`

	// LocalPath fields.
	RepoRelPath string `json:"repo_rel_path,omitempty"`
	RepoGitRev  string `json:"repo_git_rev,omitempty"`
	RepoDirty   *bool  `json:"repo_dirty,omitempty"`
}

// Skeleton is the result of ensuring an overlay directory's metadata
// exists.
type Skeleton struct {
	Dir     string
	Created bool
}

func metaDir(overlayDir string) string { return filepath.Join(overlayDir, ".agentpack") }
func baselinePath(overlayDir string) string {
	return filepath.Join(metaDir(overlayDir), "baseline.json")
}
func moduleIDPath(overlayDir string) string { return filepath.Join(metaDir(overlayDir), "module_id") }
func metaPath(overlayDir string) string     { return filepath.Join(metaDir(overlayDir), "overlay.json") }

// PatchesDir returns the directory holding *.patch files for a patch-kind
// overlay.
func PatchesDir(overlayDir string) string { return filepath.Join(metaDir(overlayDir), "patches") }

// ConflictsDir returns the directory a failed rebase writes
// conflict-marker artifacts into.
func ConflictsDir(overlayDir string) string { return filepath.Join(metaDir(overlayDir), "conflicts") }

func writeModuleID(moduleID, overlayDir string) error {
	if err := os.MkdirAll(metaDir(overlayDir), 0o755); err != nil {
		return fmt.Errorf("create overlay metadata dir: %w", err)
	}
	content := moduleID
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	path := moduleIDPath(overlayDir)
	if err := fsutil.WriteAtomic(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeMetaDefaultDir(overlayDir string) error {
	return WriteMeta(overlayDir, KindDir)
}

// WriteMeta writes overlay.json recording overlayKind.
func WriteMeta(overlayDir string, kind Kind) error {
	if err := os.MkdirAll(metaDir(overlayDir), 0o755); err != nil {
		return fmt.Errorf("create overlay metadata dir: %w", err)
	}
	out, err := json.MarshalIndent(Meta{OverlayKind: kind}, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize overlay meta: %w", err)
	}
	out = append(out, '\n')
	path := metaPath(overlayDir)
	if err := fsutil.WriteAtomic(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadMeta reads overlay.json, defaulting to KindDir when it's absent.
func ReadMeta(overlayDir string) (Meta, error) {
	path := metaPath(overlayDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{OverlayKind: KindDir}, nil
		}
		return Meta{}, fmt.Errorf("read %s: %w", path, err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("invalid overlay metadata (expected JSON) at %s: %v", path, err)).
			WithDetails(map[string]any{
				"overlay_dir": overlayDir,
				"meta_path":   path,
				"hint":        `delete the file to fall back to overlay_kind=dir, or fix it to include {"overlay_kind": "dir"|"patch"}`,
			})
	}
	return meta, nil
}

// ReadBaseline reads .agentpack/baseline.json.
func ReadBaseline(overlayDir string) (*Baseline, error) {
	path := baselinePath(overlayDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, usererror.New(usererror.CodeOverlayBaselineMissing, fmt.Sprintf("missing overlay baseline: %s", path)).
				WithDetails(map[string]any{"overlay_dir": overlayDir})
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var b Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &b, nil
}

// EnsureSkeleton ensures overlayDir exists with its metadata files,
// copying the full upstream tree into it when newly created.
func EnsureSkeleton(ctx context.Context, homeStoreDir, repoRoot string, m *manifest.Manifest, moduleID, overlayDir string) (Skeleton, error) {
	return ensureSkeletonImpl(ctx, homeStoreDir, repoRoot, m, moduleID, overlayDir, true)
}

// EnsureSkeletonSparse is EnsureSkeleton but never copies upstream content
// into a newly created directory, only its metadata (used for patch
// overlays, which hold diffs rather than full files).
func EnsureSkeletonSparse(ctx context.Context, homeStoreDir, repoRoot string, m *manifest.Manifest, moduleID, overlayDir string) (Skeleton, error) {
	return ensureSkeletonImpl(ctx, homeStoreDir, repoRoot, m, moduleID, overlayDir, false)
}

// MaterializeFromUpstream ensures overlayDir exists and contains every
// upstream file not already present, without overwriting user edits. Used
// to backfill an overlay directory created out-of-band.
func MaterializeFromUpstream(ctx context.Context, homeStoreDir, repoRoot string, m *manifest.Manifest, moduleID, overlayDir string) error {
	mod, ok := findModule(m, moduleID)
	if !ok {
		return fmt.Errorf("module not found: %s", moduleID)
	}

	upstreamRoot, err := ResolveUpstreamModuleRoot(ctx, homeStoreDir, repoRoot, mod)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(overlayDir, 0o755); err != nil {
		return fmt.Errorf("create overlay dir: %w", err)
	}
	if err := fsutil.CopyTreeMissingOnly(upstreamRoot, overlayDir); err != nil {
		return fmt.Errorf("materialize upstream %s -> %s: %w", upstreamRoot, overlayDir, err)
	}

	if _, err := os.Stat(baselinePath(overlayDir)); os.IsNotExist(err) {
		if err := WriteBaseline(ctx, homeStoreDir, repoRoot, mod, upstreamRoot, overlayDir); err != nil {
			return err
		}
	}
	if _, err := os.Stat(moduleIDPath(overlayDir)); os.IsNotExist(err) {
		if err := writeModuleID(moduleID, overlayDir); err != nil {
			return err
		}
	}
	if _, err := os.Stat(metaPath(overlayDir)); os.IsNotExist(err) {
		if err := writeMetaDefaultDir(overlayDir); err != nil {
			return err
		}
	}
	return nil
}

func ensureSkeletonImpl(ctx context.Context, homeStoreDir, repoRoot string, m *manifest.Manifest, moduleID, overlayDir string, copyUpstream bool) (Skeleton, error) {
	mod, ok := findModule(m, moduleID)
	if !ok {
		return Skeleton{}, fmt.Errorf("module not found: %s", moduleID)
	}

	upstreamRoot, err := ResolveUpstreamModuleRoot(ctx, homeStoreDir, repoRoot, mod)
	if err != nil {
		return Skeleton{}, err
	}

	_, statErr := os.Stat(overlayDir)
	created := os.IsNotExist(statErr)
	if created {
		if err := os.MkdirAll(overlayDir, 0o755); err != nil {
			return Skeleton{}, fmt.Errorf("create overlay dir: %w", err)
		}
		if copyUpstream {
			if err := fsutil.CopyTree(upstreamRoot, overlayDir); err != nil {
				return Skeleton{}, fmt.Errorf("copy upstream %s -> %s: %w", upstreamRoot, overlayDir, err)
			}
		}
	}

	if _, err := os.Stat(baselinePath(overlayDir)); os.IsNotExist(err) {
		if err := WriteBaseline(ctx, homeStoreDir, repoRoot, mod, upstreamRoot, overlayDir); err != nil {
			return Skeleton{}, err
		}
	}
	if _, err := os.Stat(moduleIDPath(overlayDir)); os.IsNotExist(err) {
		if err := writeModuleID(moduleID, overlayDir); err != nil {
			return Skeleton{}, err
		}
	}
	if _, err := os.Stat(metaPath(overlayDir)); os.IsNotExist(err) {
		if err := writeMetaDefaultDir(overlayDir); err != nil {
			return Skeleton{}, err
		}
	}

	return Skeleton{Dir: overlayDir, Created: created}, nil
}

func findModule(m *manifest.Manifest, moduleID string) (manifest.Module, bool) {
	for _, mod := range m.Modules {
		if mod.ID == moduleID {
			return mod, true
		}
	}
	return manifest.Module{}, false
}

// ResolveUpstreamModuleRoot resolves the on-disk upstream root for a
// module: a local_path source joins repoRoot, a git source prefers the
// commit pinned in agentpack.lock.json (for reproducibility) and falls
// back to re-resolving the manifest ref when no lock entry exists yet.
func ResolveUpstreamModuleRoot(ctx context.Context, homeStoreDir, repoRoot string, mod manifest.Module) (string, error) {
	switch mod.SourceSpec.Kind() {
	case source.KindLocalPath:
		return filepath.Join(repoRoot, mod.SourceSpec.LocalPath.Path), nil

	case source.KindGit:
		st := store.New(homeStoreDir)
		lockPath := filepath.Join(repoRoot, "agentpack.lock.json")
		if lf, err := lockfile.Load(lockPath); err == nil {
			for _, lm := range lf.Modules {
				if lm.ID == mod.ID && lm.ResolvedSource.Git != nil {
					gs := lm.ResolvedSource.Git
					checkoutDir, err := st.EnsureGitCheckout(ctx, mod.ID, manifest.GitSource{
						URL:    gs.URL,
						Ref:    gs.Commit,
						Subdir: gs.Subdir,
					}, gs.Commit)
					if err != nil {
						return "", err
					}
					return store.ModuleRootInCheckout(checkoutDir, gs.Subdir), nil
				}
			}
		}

		gs := *mod.SourceSpec.Git
		commit, err := st.ResolveCommit(ctx, gs)
		if err != nil {
			return "", err
		}
		checkoutDir, err := st.EnsureGitCheckout(ctx, mod.ID, gs, commit)
		if err != nil {
			return "", err
		}
		return store.ModuleRootInCheckout(checkoutDir, gs.Subdir), nil

	default:
		return "", fmt.Errorf("invalid source for module %s", mod.ID)
	}
}

// WriteBaseline hashes upstreamRoot and writes it as overlayDir's baseline
// snapshot, recording enough provenance (git commit, or local path + repo
// git rev/dirty flag) to explain drift later.
func WriteBaseline(ctx context.Context, homeStoreDir, repoRoot string, mod manifest.Module, upstreamRoot, overlayDir string) error {
	files, hash, err := fsutil.HashTree(upstreamRoot)
	if err != nil {
		return fmt.Errorf("hash upstream %s: %w", upstreamRoot, err)
	}

	var upstream *BaselineUpstream
	switch mod.SourceSpec.Kind() {
	case source.KindGit:
		upstream, err = writeBaselineUpstreamGit(ctx, homeStoreDir, repoRoot, mod)
		if err != nil {
			return err
		}
	case source.KindLocalPath:
		upstream = writeBaselineUpstreamLocal(ctx, repoRoot, upstreamRoot)
	}

	baseline := Baseline{
		Version:        2,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		UpstreamSHA256: hash,
		FileManifest:   files,
		Upstream:       upstream,
	}

	if err := os.MkdirAll(metaDir(overlayDir), 0o755); err != nil {
		return fmt.Errorf("create overlay metadata dir: %w", err)
	}
	out, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize baseline: %w", err)
	}
	out = append(out, '\n')
	path := baselinePath(overlayDir)
	if err := fsutil.WriteAtomic(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeBaselineUpstreamGit(ctx context.Context, homeStoreDir, repoRoot string, mod manifest.Module) (*BaselineUpstream, error) {
	lockPath := filepath.Join(repoRoot, "agentpack.lock.json")
	if lf, err := lockfile.Load(lockPath); err == nil {
		for _, lm := range lf.Modules {
			if lm.ID == mod.ID && lm.ResolvedSource.Git != nil {
				gs := lm.ResolvedSource.Git
				return &BaselineUpstream{Kind: "git", URL: gs.URL, Commit: gs.Commit, Subdir: gs.Subdir}, nil
			}
		}
	}

	gs := *mod.SourceSpec.Git
	st := store.New(homeStoreDir)
	commit, err := st.ResolveCommit(ctx, gs)
	if err != nil {
		return nil, err
	}
	return &BaselineUpstream{Kind: "git", URL: gs.URL, Commit: commit, Subdir: gs.Subdir}, nil
}

func writeBaselineUpstreamLocal(ctx context.Context, repoRoot, upstreamRoot string) *BaselineUpstream {
	rel, err := filepath.Rel(repoRoot, upstreamRoot)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil
	}
	rel = filepath.ToSlash(rel)

	result := &BaselineUpstream{Kind: "local_path", RepoRelPath: rel}
	if rev, err := gitutil.Run(ctx, repoRoot, "rev-parse", "HEAD"); err == nil {
		result.RepoGitRev = strings.TrimSpace(rev)
	}
	if status, err := gitutil.Run(ctx, repoRoot, "status", "--porcelain"); err == nil {
		dirty := strings.TrimSpace(status) != ""
		result.RepoDirty = &dirty
	}
	return result
}
