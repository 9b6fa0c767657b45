// Package targetmanifest reads and writes the small per-root JSON file each
// target adapter's output tree carries (".agentpack.manifest.json"),
// recording exactly which relative paths under that root this tool
// currently manages. The planner and drift engine both use it to tell a
// file this tool owns from one a user or another tool dropped there.
package targetmanifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/schema"
	"github.com/liqiongyu/agentpack/internal/targets"
)

func init() {
	schema.Register(schema.LabelTargetManifest, TargetManifest{})
}

// FileName is the manifest's canonical name within a target root. Older
// runs of this tool (or a future schema bump) may have written one of the
// several legacy variants matched by legacyGlob instead; those are read
// but never written.
const FileName = ".agentpack.manifest.json"

// legacyGlob matches the canonical name and every legacy variant this
// tool has ever written (".agentpack.manifest.json",
// ".agentpack.manifest.v1.json", etc.), so ReadSoft/FindPath can locate a
// pre-existing manifest regardless of which name wrote it.
const legacyGlob = ".agentpack.manifest*.json"

const schemaVersion = 1

// ManagedFileEntry is one path this tool manages within a target root,
// relative to the root and always slash-separated, along with the
// module(s) that produced it (provenance for drift explain and
// evolve-propose, mirroring DesiredFile.module_ids).
type ManagedFileEntry struct {
	Path      string   `json:"path"`
	ModuleIDs []string `json:"module_ids,omitempty"`
}

// TargetManifest is the full managed-file set for one target root.
type TargetManifest struct {
	SchemaVersion int                `json:"schema_version"`
	Target        string             `json:"target"`
	ManagedFiles  []ManagedFileEntry `json:"managed_files"`
}

// Path returns the manifest file's canonical path within root. Writers
// always use this path; readers should prefer FindPath, which also
// accepts a legacy-named manifest.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// FindPath locates the manifest file within root: the canonical name if
// present, else the lexicographically first legacy-named variant
// (".agentpack.manifest*.json") found there. ok is false if neither
// exists, in which case path is still the canonical path a caller may
// want to report in a message.
func FindPath(root string) (path string, ok bool) {
	canonical := Path(root)
	if _, err := os.Stat(canonical); err == nil {
		return canonical, true
	}
	matches, err := filepath.Glob(filepath.Join(root, legacyGlob))
	if err != nil || len(matches) == 0 {
		return canonical, false
	}
	sort.Strings(matches)
	return matches[0], true
}

// IsManifestPath reports whether path is itself a target manifest file
// (canonical or legacy-named), so a drift scan can skip it instead of
// reporting it as an extra file.
func IsManifestPath(path string) bool {
	base := filepath.Base(path)
	if base == FileName {
		return true
	}
	matched, err := filepath.Match(legacyGlob, base)
	return err == nil && matched
}

// ReadSoft loads the manifest at path. A missing file is not an error (the
// root has simply never been deployed to); a malformed file returns a nil
// manifest plus a human-readable warning instead of failing the caller,
// since a bad manifest only degrades drift/adopt accuracy.
func ReadSoft(path, target string) (*TargetManifest, []string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}
	var m TargetManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, []string{"target manifest (" + target + "): failed to parse " + path + ": " + err.Error()}
	}
	return &m, nil
}

// Write rewrites the manifest for root/target to exactly entries, sorted
// by path for stable diffs across runs. Writes always use the canonical
// FileName; legacy names are read-accepted but never produced.
func Write(root, target string, entries []ManagedFileEntry) error {
	sorted := make([]ManagedFileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for i := range sorted {
		sorted[i].Path = filepath.ToSlash(sorted[i].Path)
		ids := append([]string(nil), sorted[i].ModuleIDs...)
		sort.Strings(ids)
		sorted[i].ModuleIDs = ids
	}

	m := TargetManifest{SchemaVersion: schemaVersion, Target: target, ManagedFiles: sorted}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create target root %s: %w", root, err)
	}
	return fsutil.WriteAtomic(Path(root), out, 0o644)
}

// ManagedPathsForRoots reads every root's manifest (if any) and returns the
// combined set of managed TargetPaths, whether at least one root had a
// usable manifest, and warnings: one for each root whose manifest was
// malformed, plus one aggregate warning when no root had a usable
// manifest (a missing manifest gets no warning of its own). The caller
// degrades gracefully: a root without a usable manifest has all its files
// plan as adopt-updates, and drift scans lose the ability to detect
// "extra" files under it.
func ManagedPathsForRoots(roots []targets.TargetRoot) (managed *deploy.ManagedPaths, anyManifest bool, warnings []string) {
	managed = deploy.NewManagedPaths()

	for _, root := range roots {
		path, found := FindPath(root.Root)
		if !found {
			continue
		}
		manifest, manifestWarnings := ReadSoft(path, root.Target)
		warnings = append(warnings, manifestWarnings...)
		if manifest == nil {
			continue
		}
		anyManifest = true
		for _, f := range manifest.ManagedFiles {
			managed.Insert(deploy.TargetPath{Target: root.Target, Path: filepath.Join(root.Root, filepath.FromSlash(f.Path))})
		}
	}

	if !anyManifest && len(roots) > 0 {
		warnings = append(warnings, "no target manifests found; drift and adopt detection may be inaccurate until the next deploy --apply")
	}
	return managed, anyManifest, warnings
}
