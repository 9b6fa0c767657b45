// Package evolve reconciles drift the other direction: instead of
// overwriting on-disk edits with the rendered desired state, it harvests
// them back into the overlay that produced the owning module's output, so
// a change made by hand (or by the agent itself) survives the next
// deploy instead of being clobbered by it.
package evolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/liqiongyu/agentpack/internal/confirm"
	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/drift"
	"github.com/liqiongyu/agentpack/internal/engine"
	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/gitutil"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/markers"
	"github.com/liqiongyu/agentpack/internal/overlay"
	"github.com/liqiongyu/agentpack/internal/paths"
)

// Scope names the overlay layer a harvested edit is written into.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeMachine Scope = "machine"
	ScopeProject Scope = "project"
)

// Candidate is one module output this pass harvested drift from.
type Candidate struct {
	ModuleID string `json:"module_id"`
	Target   string `json:"target"`
	Path     string `json:"path"`
}

// Skipped is one drifted output this pass declined to harvest, and why.
type Skipped struct {
	Reason    string   `json:"reason"`
	Target    string   `json:"target"`
	Path      string   `json:"path"`
	ModuleID  string   `json:"module_id,omitempty"`
	ModuleIDs []string `json:"module_ids,omitempty"`
}

// ProposeResult is the outcome of a Propose call.
type ProposeResult struct {
	Reason        string      `json:"reason"`
	Scope         string      `json:"scope,omitempty"`
	Candidates    []Candidate `json:"candidates,omitempty"`
	Skipped       []Skipped   `json:"skipped,omitempty"`
	Branch        string      `json:"branch,omitempty"`
	Files         []string    `json:"files,omitempty"`
	FilesPosix    []string    `json:"files_posix,omitempty"`
	Committed     bool        `json:"committed,omitempty"`
	CommitWarning string      `json:"commit_warning,omitempty"`
}

type harvest struct {
	moduleID   string
	overlayDir string
	relPath    string
	bytes      []byte
}

// Propose scans for drift between the rendered desired state and what is
// actually on disk. For each modified output it can attribute to exactly
// one module - directly, or by splitting a marker-combined file (see
// internal/markers) into its per-module sections - it harvests that
// module's share of the on-disk edit into its overlay directory at scope.
// Outputs jointly owned by more than one module that aren't
// marker-combined are skipped with reason "multi_module_output", since
// there is no way to tell which module the edit belongs to.
//
// In dry-run (apply=false) Propose only reports what it would harvest. In
// apply mode it requires prior approval (see internal/confirm), writes the
// harvested files, creates a new branch in the config repo, and commits
// them; a commit failure (e.g. nothing further to commit, or no git
// identity configured) is reported as CommitWarning rather than failing
// the call, since the overlay files are already written either way.
func Propose(ctx context.Context, e *engine.Engine, profileName, targetFilter string, scope Scope, apply, approved bool) (ProposeResult, error) {
	if apply {
		if err := confirm.RequireApproval(approved); err != nil {
			return ProposeResult{}, err
		}
	}

	render, err := e.DesiredState(ctx, profileName, targetFilter)
	if err != nil {
		return ProposeResult{}, err
	}
	report, err := drift.Scan(render.Desired, render.Roots, drift.ScanOptions{})
	if err != nil {
		return ProposeResult{}, err
	}

	result := ProposeResult{Scope: string(scope)}
	var harvests []harvest

	for _, item := range report.Items {
		if item.Kind != drift.KindModified {
			continue
		}
		tp := deploy.TargetPath{Target: item.Target, Path: item.Path}
		moduleIDs := render.Desired.ModuleIDs(tp)
		if len(moduleIDs) == 0 {
			continue
		}

		actual, err := os.ReadFile(item.Path)
		if err != nil {
			result.Skipped = append(result.Skipped, Skipped{Reason: "missing", Target: item.Target, Path: item.Path})
			continue
		}

		if len(moduleIDs) == 1 {
			h, cand, skip, ok := harvestSingle(e, scope, item, moduleIDs[0], actual)
			if skip != nil {
				result.Skipped = append(result.Skipped, *skip)
				continue
			}
			if !ok {
				continue
			}
			harvests = append(harvests, h)
			result.Candidates = append(result.Candidates, cand)
			continue
		}

		sections := markers.Split(string(actual))
		bySection := make(map[string][]byte, len(sections))
		for _, s := range sections {
			if s.ModuleID != "" {
				bySection[s.ModuleID] = []byte(s.Text)
			}
		}
		if len(bySection) == 0 {
			result.Skipped = append(result.Skipped, Skipped{
				Reason: "multi_module_output", Target: item.Target, Path: item.Path, ModuleIDs: moduleIDs,
			})
			continue
		}
		desiredBytes, _ := render.Desired.Get(tp)
		desiredSections := make(map[string]string)
		for _, s := range markers.Split(string(desiredBytes)) {
			if s.ModuleID != "" {
				desiredSections[s.ModuleID] = s.Text
			}
		}
		for _, id := range moduleIDs {
			segment, ok := bySection[id]
			if !ok {
				continue
			}
			if want, ok := desiredSections[id]; ok && want == string(segment) {
				continue
			}
			h, cand, skip, ok := harvestSingle(e, scope, item, id, segment)
			if skip != nil {
				result.Skipped = append(result.Skipped, *skip)
				continue
			}
			if !ok {
				continue
			}
			harvests = append(harvests, h)
			result.Candidates = append(result.Candidates, cand)
		}
	}

	if len(result.Candidates) == 0 {
		if len(result.Skipped) > 0 {
			result.Reason = "noop"
		} else {
			result.Reason = "no_drift"
		}
		return result, nil
	}

	if !apply {
		result.Reason = "dry_run"
		return result, nil
	}

	return applyHarvests(ctx, e, result, harvests)
}

func harvestSingle(e *engine.Engine, scope Scope, item drift.Item, moduleID string, bytes []byte) (harvest, Candidate, *Skipped, bool) {
	mod, ok := findModuleByID(e, moduleID)
	if !ok {
		return harvest{}, Candidate{}, nil, false
	}
	relPath, err := moduleRelPathForOutput(mod.Type, mod.ID, item.Path)
	if err != nil {
		return harvest{}, Candidate{}, &Skipped{Reason: "missing", Target: item.Target, Path: item.Path, ModuleID: mod.ID}, false
	}
	h := harvest{
		moduleID:   mod.ID,
		overlayDir: overlayDirForScope(e, scope, mod.ID),
		relPath:    relPath,
		bytes:      append([]byte(nil), bytes...),
	}
	return h, Candidate{ModuleID: mod.ID, Target: item.Target, Path: item.Path}, nil, true
}

func applyHarvests(ctx context.Context, e *engine.Engine, result ProposeResult, harvests []harvest) (ProposeResult, error) {
	branch := fmt.Sprintf("evolve/propose-%d", time.Now().UTC().Unix())
	if _, err := gitutil.Run(ctx, e.Repo.RepoDir, "checkout", "-b", branch); err != nil {
		return ProposeResult{}, fmt.Errorf("create branch %s: %w", branch, err)
	}

	ensured := make(map[string]bool, len(harvests))
	var files []string
	for _, h := range harvests {
		skeletonKey := h.overlayDir + "\x00" + h.moduleID
		if !ensured[skeletonKey] {
			if _, err := overlay.EnsureSkeletonSparse(ctx, e.Home.StoreDir, e.Repo.RepoDir, e.Manifest, h.moduleID, h.overlayDir); err != nil {
				return ProposeResult{}, fmt.Errorf("prepare overlay for %s: %w", h.moduleID, err)
			}
			ensured[skeletonKey] = true
		}

		path := filepath.Join(h.overlayDir, filepath.FromSlash(h.relPath))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ProposeResult{}, fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := fsutil.WriteAtomic(path, h.bytes, 0o644); err != nil {
			return ProposeResult{}, fmt.Errorf("write %s: %w", path, err)
		}

		rel, err := filepath.Rel(e.Repo.RepoDir, path)
		if err != nil {
			rel = path
		}
		files = append(files, rel)
	}

	sort.Strings(files)
	result.Files = files
	posix := make([]string, len(files))
	for i, f := range files {
		posix[i] = filepath.ToSlash(f)
	}
	result.FilesPosix = posix

	if len(files) > 0 {
		addArgs := append([]string{"add", "--"}, files...)
		if _, err := gitutil.Run(ctx, e.Repo.RepoDir, addArgs...); err != nil {
			return ProposeResult{}, fmt.Errorf("git add: %w", err)
		}
	}
	if _, err := gitutil.Run(ctx, e.Repo.RepoDir, "commit", "-m", "evolve: harvest drifted overlay edits"); err != nil {
		result.CommitWarning = err.Error()
	} else {
		result.Committed = true
	}

	result.Branch = branch
	result.Reason = "created"
	return result, nil
}

// RestoreResult is the outcome of a Restore call.
type RestoreResult struct {
	Reason   string   `json:"reason"`
	Restored []string `json:"restored,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Restore re-creates every managed output that went missing (deleted by
// hand or by another tool) by writing its desired bytes back to disk. It
// never overwrites a path that still exists and never touches a target
// manifest; that stays in sync on the next deploy --apply.
func Restore(ctx context.Context, e *engine.Engine, profileName, targetFilter string, apply, approved bool) (RestoreResult, error) {
	render, err := e.DesiredState(ctx, profileName, targetFilter)
	if err != nil {
		return RestoreResult{}, err
	}
	report, err := drift.Scan(render.Desired, render.Roots, drift.ScanOptions{})
	if err != nil {
		return RestoreResult{}, err
	}

	var missing []drift.Item
	for _, item := range report.Items {
		if item.Kind == drift.KindMissing {
			missing = append(missing, item)
		}
	}
	if len(missing) == 0 {
		return RestoreResult{Reason: "no_missing", Warnings: report.Warnings}, nil
	}

	if !apply {
		pending := make([]string, 0, len(missing))
		for _, item := range missing {
			pending = append(pending, item.Path)
		}
		sort.Strings(pending)
		return RestoreResult{Reason: "dry_run", Restored: pending, Warnings: report.Warnings}, nil
	}

	if err := confirm.RequireApproval(approved); err != nil {
		return RestoreResult{}, err
	}

	var restored []string
	for _, item := range missing {
		tp := deploy.TargetPath{Target: item.Target, Path: item.Path}
		bytes, ok := render.Desired.Get(tp)
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(item.Path), 0o755); err != nil {
			return RestoreResult{}, fmt.Errorf("create dir for %s: %w", item.Path, err)
		}
		if err := fsutil.WriteAtomic(item.Path, bytes, 0o644); err != nil {
			return RestoreResult{}, fmt.Errorf("restore %s: %w", item.Path, err)
		}
		restored = append(restored, item.Path)
	}
	sort.Strings(restored)

	return RestoreResult{
		Reason:   "done",
		Restored: restored,
		Summary:  fmt.Sprintf("restored %d missing file(s)", len(restored)),
		Warnings: report.Warnings,
	}, nil
}

func findModuleByID(e *engine.Engine, moduleID string) (manifest.Module, bool) {
	for _, m := range e.Manifest.Modules {
		if m.ID == moduleID {
			return m, true
		}
	}
	return manifest.Module{}, false
}

// moduleRelPathForOutput maps a rendered output path back to the path it
// occupies inside moduleID's own overlay directory: an Instructions
// module's contribution always lands at AGENTS.md; a Prompt or Command
// module's output file keeps its base name; a Skill module's output
// keeps everything after the skill's own directory segment, since a
// target adapter reproduces the module's tree verbatim under that
// segment.
func moduleRelPathForOutput(modType manifest.ModuleType, moduleID, outputPath string) (string, error) {
	switch modType {
	case manifest.TypeInstructions:
		return "AGENTS.md", nil
	case manifest.TypePrompt, manifest.TypeCommand:
		return filepath.Base(outputPath), nil
	case manifest.TypeSkill:
		name := skillDirName(moduleID)
		parts := strings.Split(filepath.ToSlash(outputPath), "/")
		for i, p := range parts {
			if p != name {
				continue
			}
			if i+1 >= len(parts) {
				return "", fmt.Errorf("skill output path has no file after skill directory: %s", outputPath)
			}
			return strings.Join(parts[i+1:], "/"), nil
		}
		return "", fmt.Errorf("could not locate skill directory %q in output path %s", name, outputPath)
	default:
		return "", fmt.Errorf("unsupported module type for evolve harvest: %s", modType)
	}
}

func skillDirName(moduleID string) string {
	if _, rest, found := strings.Cut(moduleID, ":"); found {
		return rest
	}
	return ids.SanitizeModuleID(moduleID)
}

func overlayDirForScope(e *engine.Engine, scope Scope, moduleID string) string {
	fsKey := ids.ModuleFsKey(moduleID)
	switch scope {
	case ScopeMachine:
		return paths.MachineOverlayDir(e.Repo.RepoDir, e.MachineID, fsKey)
	case ScopeProject:
		return paths.ProjectOverlayDir(e.Repo.RepoDir, e.Project.ProjectID, fsKey)
	default:
		return paths.GlobalOverlayDir(e.Repo.RepoDir, fsKey)
	}
}
