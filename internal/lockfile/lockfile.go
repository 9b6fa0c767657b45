// Package lockfile loads, saves, and generates agentpack.lock.json, the
// pinned-version record of every enabled module's resolved source and
// content hash. Grounded on the original source's lockfile.rs.
package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/schema"
	"github.com/liqiongyu/agentpack/internal/source"
	"github.com/liqiongyu/agentpack/internal/store"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

func init() {
	schema.Register(schema.LabelLockfile, Lockfile{})
}

const schemaVersion = 1

// Lockfile is the parsed contents of agentpack.lock.json.
type Lockfile struct {
	Version     int            `json:"version"`
	GeneratedAt string         `json:"generated_at"`
	Modules     []LockedModule `json:"modules"`
}

// LockedModule records one module's resolved, pinned, hashed state.
type LockedModule struct {
	ID              string              `json:"id"`
	Type            manifest.ModuleType `json:"type"`
	ResolvedSource  ResolvedSource      `json:"resolved_source"`
	ResolvedVersion string              `json:"resolved_version"`
	SHA256          string              `json:"sha256"`
	FileManifest    []fsutil.FileEntry  `json:"file_manifest"`
}

// ResolvedSource is exactly one of LocalPath or Git, populated to match
// whichever source kind the module declared.
type ResolvedSource struct {
	LocalPath *ResolvedLocalPath `json:"local_path,omitempty"`
	Git       *ResolvedGit       `json:"git,omitempty"`
}

// ResolvedLocalPath is a repo-relative, POSIX-separated path.
type ResolvedLocalPath struct {
	Path string `json:"path"`
}

// ResolvedGit pins a git module to an exact commit.
type ResolvedGit struct {
	URL    string `json:"url"`
	Commit string `json:"commit"`
	Subdir string `json:"subdir,omitempty"`
}

// Load reads and validates the lockfile at path.
func Load(path string) (*Lockfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, usererror.New(usererror.CodeLockfileMissing, fmt.Sprintf("missing lockfile: %s", path)).
				WithDetails(map[string]any{
					"path":         path,
					"reason_code":  "lockfile_missing",
					"next_actions": []string{"run_lock", "run_update", "retry_command"},
					"hint":         "run `agentpack update` (or `agentpack lock`) to generate agentpack.lock.json",
				})
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var lf Lockfile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, usererror.New(usererror.CodeLockfileInvalid, fmt.Sprintf("invalid lockfile json: %s", path)).
			WithDetails(map[string]any{
				"path":         path,
				"error":        err.Error(),
				"reason_code":  "lockfile_invalid_json",
				"next_actions": []string{"regenerate_lockfile", "retry_command"},
			}).
			WithCause(err)
	}

	if lf.Version != schemaVersion {
		return nil, usererror.New(usererror.CodeLockfileUnsupportedVersion, fmt.Sprintf("unsupported lockfile version: %d", lf.Version)).
			WithDetails(map[string]any{
				"path":         path,
				"version":      lf.Version,
				"supported":    []int{schemaVersion},
				"reason_code":  "lockfile_unsupported_version",
				"next_actions": []string{"upgrade_agentpack", "regenerate_lockfile", "retry_command"},
				"hint":         "upgrade agentpack or regenerate agentpack.lock.json with `agentpack lock`",
			})
	}
	return &lf, nil
}

// Save serializes the lockfile as pretty JSON with a trailing newline and
// writes it atomically.
func Save(lf *Lockfile, path string) error {
	out, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize lockfile: %w", err)
	}
	out = append(out, '\n')
	if err := fsutil.WriteAtomic(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// nowRFC3339 is overridable in tests; production calls time.Now().UTC().
var nowRFC3339 = func() string { return time.Now().UTC().Format(time.RFC3339) }

// Generate resolves every enabled module's source, fetches git checkouts
// as needed, and hashes each module's rendered tree, producing a fresh
// Lockfile sorted by module id.
func Generate(ctx context.Context, repoRoot string, m *manifest.Manifest, st *store.Store) (*Lockfile, error) {
	locked := make([]LockedModule, 0, len(m.Modules))

	for _, mod := range m.Modules {
		if !mod.IsEnabled() {
			continue
		}

		var (
			resolved ResolvedSource
			version  string
			root     string
		)

		switch mod.SourceSpec.Kind() {
		case source.KindLocalPath:
			rel := filepath.ToSlash(mod.SourceSpec.LocalPath.Path)
			resolved.LocalPath = &ResolvedLocalPath{Path: rel}
			version = "local"
			root = filepath.Join(repoRoot, mod.SourceSpec.LocalPath.Path)
		case source.KindGit:
			gs := *mod.SourceSpec.Git
			commit, err := st.ResolveCommit(ctx, gs)
			if err != nil {
				return nil, fmt.Errorf("resolve commit for module %s: %w", mod.ID, err)
			}
			checkout, err := st.EnsureGitCheckout(ctx, mod.ID, gs, commit)
			if err != nil {
				return nil, err
			}
			resolved.Git = &ResolvedGit{URL: gs.URL, Commit: commit, Subdir: gs.Subdir}
			version = commit
			root = store.ModuleRootInCheckout(checkout, gs.Subdir)
		default:
			return nil, fmt.Errorf("invalid source for module %s", mod.ID)
		}

		files, hash, err := fsutil.HashTree(root)
		if err != nil {
			return nil, fmt.Errorf("hash module %s at %s: %w", mod.ID, root, err)
		}

		locked = append(locked, LockedModule{
			ID:              mod.ID,
			Type:            mod.Type,
			ResolvedSource:  resolved,
			ResolvedVersion: version,
			SHA256:          hash,
			FileManifest:    files,
		})
	}

	sort.Slice(locked, func(i, j int) bool { return locked[i].ID < locked[j].ID })

	return &Lockfile{
		Version:     schemaVersion,
		GeneratedAt: nowRFC3339(),
		Modules:     locked,
	}, nil
}
