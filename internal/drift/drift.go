// Package drift compares a rendered desired state against what is actually
// on disk, classifying each path as modified, missing, or (for roots that
// opt into extras scanning) extra, and synthesizing an ordered list of
// next-action hints for a consumer to surface.
package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/targetmanifest"
	"github.com/liqiongyu/agentpack/internal/targets"
)

// Kind classifies one drift Item.
type Kind string

const (
	KindModified Kind = "modified"
	KindMissing  Kind = "missing"
	KindExtra    Kind = "extra"
)

// Item is one path that differs between the desired state and disk.
type Item struct {
	Target   string `json:"target"`
	Root     string `json:"root,omitempty"`
	Path     string `json:"path"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Kind     Kind   `json:"kind"`
}

// Summary counts Items by Kind.
type Summary struct {
	Modified int `json:"modified"`
	Missing  int `json:"missing"`
	Extra    int `json:"extra"`
}

// NextActions is the fixed, ordered hint sequence surfaced to a consumer
// alongside a drift report: earlier entries are prerequisites for later
// ones in the tool's normal workflow.
var NextActions = []string{
	"bootstrap", "doctor", "update", "preview", "diff", "plan", "deploy", "status", "evolve", "rollback",
}

// Report is the full result of a drift scan.
type Report struct {
	Warnings         []string
	Items            []Item
	Summary          Summary
	AnyManifest      bool
	NeedsDeployApply bool
	NextActions      []string
}

// ScanOptions configures Scan. IgnoreGlobs are doublestar patterns matched
// against each candidate extra file's path relative to its target root;
// a match excludes the file from "extra" classification and from the
// extra count entirely (it is treated as not under this tool's purview).
type ScanOptions struct {
	IgnoreGlobs []string
}

// Scan compares desired against the files under roots. When no root has a
// usable target manifest, it falls back to checking only the paths present
// in desired (modified/missing), losing the ability to detect extra files,
// and reports NeedsDeployApply so the caller knows to prompt for one.
func Scan(desired *deploy.DesiredState, roots []targets.TargetRoot, opts ScanOptions) (Report, error) {
	managed, anyManifest, manifestWarnings := targetmanifest.ManagedPathsForRoots(roots)

	report := Report{Warnings: append([]string(nil), manifestWarnings...), NextActions: NextActions}

	if !anyManifest {
		report.NeedsDeployApply = true
		for _, tp := range desired.Paths() {
			bytes, _ := desired.Get(tp)
			expected := "sha256:" + sha256Hex(bytes)
			item, ok, err := classifyDesired(tp, expected, "")
			if err != nil {
				return Report{}, err
			}
			if ok {
				report.Items = append(report.Items, item)
				bump(&report.Summary, item.Kind)
			}
		}
		sortItems(report.Items)
		return report, nil
	}
	report.AnyManifest = true

	desiredByRoot := make(map[int][]deploy.TargetPath, len(roots))
	for _, tp := range desired.Paths() {
		idx, ok := targets.BestRootIndex(roots, tp.Target, tp.Path)
		if !ok {
			continue
		}
		desiredByRoot[idx] = append(desiredByRoot[idx], tp)
	}

	for idx, root := range roots {
		for _, tp := range desiredByRoot[idx] {
			bytes, _ := desired.Get(tp)
			expected := "sha256:" + sha256Hex(bytes)
			item, ok, err := classifyDesired(tp, expected, root.Root)
			if err != nil {
				return Report{}, err
			}
			if ok {
				report.Items = append(report.Items, item)
				bump(&report.Summary, item.Kind)
			}
		}

		if !root.ScanExtras {
			continue
		}
		if _, err := os.Stat(root.Root); err != nil {
			continue
		}

		files, err := fsutil.ListFiles(root.Root)
		if err != nil {
			return Report{}, fmt.Errorf("scan %s: %w", root.Root, err)
		}
		sort.Strings(files)
		for _, rel := range files {
			rel = filepath.ToSlash(rel)
			if targetmanifest.IsManifestPath(rel) {
				continue
			}
			if ignored(rel, opts.IgnoreGlobs) {
				continue
			}

			absPath := filepath.Join(root.Root, filepath.FromSlash(rel))
			tp := deploy.TargetPath{Target: root.Target, Path: absPath}
			if managed.Contains(tp) {
				continue
			}
			if _, isDesired := desired.Get(tp); isDesired {
				continue
			}

			actualBytes, err := os.ReadFile(absPath)
			if err != nil {
				return Report{}, fmt.Errorf("read %s: %w", absPath, err)
			}
			report.Items = append(report.Items, Item{
				Target: root.Target,
				Root:   root.Root,
				Path:   absPath,
				Actual: "sha256:" + sha256Hex(actualBytes),
				Kind:   KindExtra,
			})
			report.Summary.Extra++
		}
	}

	sortItems(report.Items)
	return report, nil
}

func classifyDesired(tp deploy.TargetPath, expected, root string) (Item, bool, error) {
	actualBytes, err := os.ReadFile(tp.Path)
	switch {
	case err == nil:
		actual := "sha256:" + sha256Hex(actualBytes)
		if actual == expected {
			return Item{}, false, nil
		}
		return Item{Target: tp.Target, Root: root, Path: tp.Path, Expected: expected, Actual: actual, Kind: KindModified}, true, nil
	case os.IsNotExist(err):
		return Item{Target: tp.Target, Root: root, Path: tp.Path, Expected: expected, Kind: KindMissing}, true, nil
	default:
		return Item{}, false, fmt.Errorf("read %s: %w", tp.Path, err)
	}
}

func bump(s *Summary, kind Kind) {
	switch kind {
	case KindModified:
		s.Modified++
	case KindMissing:
		s.Missing++
	case KindExtra:
		s.Extra++
	}
}

func ignored(relPath string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, relPath); err == nil && ok {
			return true
		}
	}
	return false
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Target != items[j].Target {
			return items[i].Target < items[j].Target
		}
		return items[i].Path < items[j].Path
	})
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
