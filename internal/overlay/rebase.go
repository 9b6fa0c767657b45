package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aymanbagabas/go-udiff"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/gitutil"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

// DriftWarnings compares an overlay's recorded baseline against upstream's
// current content, returning one message per baseline-known file whose
// upstream content has changed or disappeared, plus an aggregate message
// when the overall tree hash moved but no individual file was flagged
// (e.g. files were added upstream).
func DriftWarnings(overlayDir, upstreamRoot string) ([]string, error) {
	baseline, err := ReadBaseline(overlayDir)
	if err != nil {
		return nil, err
	}

	upstreamFiles, upstreamHash, err := fsutil.HashTree(upstreamRoot)
	if err != nil {
		return nil, fmt.Errorf("hash upstream %s: %w", upstreamRoot, err)
	}
	upstreamByPath := make(map[string]fsutil.FileEntry, len(upstreamFiles))
	for _, f := range upstreamFiles {
		upstreamByPath[f.Path] = f
	}

	var warnings []string
	for _, base := range baseline.FileManifest {
		cur, ok := upstreamByPath[base.Path]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("upstream removed %s since this overlay was created", base.Path))
			continue
		}
		if cur.SHA256 != base.SHA256 {
			warnings = append(warnings, fmt.Sprintf("upstream changed %s since this overlay was created", base.Path))
		}
	}

	if len(warnings) == 0 && upstreamHash != baseline.UpstreamSHA256 {
		warnings = append(warnings, fmt.Sprintf("upstream tree changed (%s -> %s) since this overlay was created", baseline.UpstreamSHA256, upstreamHash))
	}

	sort.Strings(warnings)
	return warnings, nil
}

// RebaseOptions controls how RebaseOverlay handles an upstream move.
type RebaseOptions struct {
	// DryRun computes the report without writing any file.
	DryRun bool
	// Sparsify deletes dir-overlay files that end up byte-identical to
	// upstream after the rebase, keeping the overlay minimal.
	Sparsify bool
}

// RebaseSummary tallies a rebase's outcome across all baseline-known files.
type RebaseSummary struct {
	ProcessedFiles int `json:"processed_files"`
	UpdatedFiles   int `json:"updated_files"`
	DeletedFiles   int `json:"deleted_files"`
	SkippedFiles   int `json:"skipped_files"`
	ConflictFiles  int `json:"conflict_files"`
}

// RebaseReport is the full result of a RebaseOverlay call.
type RebaseReport struct {
	Updated   []string      `json:"updated"`
	Deleted   []string      `json:"deleted"`
	Skipped   []string      `json:"skipped"`
	Conflicts []string      `json:"conflicts"`
	Summary   RebaseSummary `json:"summary"`
}

func (r *RebaseReport) sort() {
	sort.Strings(r.Updated)
	sort.Strings(r.Deleted)
	sort.Strings(r.Skipped)
	sort.Strings(r.Conflicts)
}

// RebaseOverlay rewrites overlayDir's files to reflect upstream's current
// content while preserving the user's edits, three-way merging any file
// both sides changed since the overlay's baseline. The baseline is
// refreshed to upstream's new snapshot unless opts.DryRun is set.
func RebaseOverlay(ctx context.Context, homeStoreDir, repoRoot string, m *manifest.Manifest, moduleID, overlayDir string, opts RebaseOptions) (RebaseReport, error) {
	if _, err := os.Stat(overlayDir); os.IsNotExist(err) {
		return RebaseReport{}, usererror.New(usererror.CodeOverlayNotFound, fmt.Sprintf("no overlay directory for module %s", moduleID)).
			WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir})
	}

	meta, err := ReadMeta(overlayDir)
	if err != nil {
		return RebaseReport{}, err
	}
	baseline, err := ReadBaseline(overlayDir)
	if err != nil {
		return RebaseReport{}, err
	}

	overrideFiles, err := listOverlayFiles(overlayDir)
	if err != nil {
		return RebaseReport{}, err
	}
	patchFiles, err := ListPatchFiles(overlayDir)
	if err != nil {
		return RebaseReport{}, err
	}
	if len(overrideFiles) > 0 && len(patchFiles) > 0 {
		return RebaseReport{}, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("overlay kind conflict for module %s: both override files and patch files present", moduleID)).
			WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir})
	}

	mod, ok := findModule(m, moduleID)
	if !ok {
		return RebaseReport{}, fmt.Errorf("module not found: %s", moduleID)
	}
	upstreamRoot, err := ResolveUpstreamModuleRoot(ctx, homeStoreDir, repoRoot, mod)
	if err != nil {
		return RebaseReport{}, err
	}
	base, err := resolveRebaseBase(ctx, homeStoreDir, repoRoot, baseline)
	if err != nil {
		return RebaseReport{}, err
	}

	var report RebaseReport
	switch meta.OverlayKind {
	case KindPatch:
		if len(overrideFiles) > 0 {
			return RebaseReport{}, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("overlay_kind=patch but directory override files exist for module %s", moduleID)).
				WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir, "override_files": overrideFiles})
		}
		report, err = rebaseOverlayPatchFiles(ctx, moduleID, overlayDir, upstreamRoot, base, baseline, opts)
	default:
		if len(patchFiles) > 0 {
			return RebaseReport{}, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("overlay_kind=dir but patch files exist for module %s", moduleID)).
				WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir, "patch_files": patchFiles})
		}
		report, err = rebaseOverlayDirFiles(ctx, moduleID, overlayDir, upstreamRoot, base, baseline, opts)
	}
	if err != nil {
		return RebaseReport{}, err
	}

	report.sort()

	if !opts.DryRun {
		if err := WriteBaseline(ctx, homeStoreDir, repoRoot, mod, upstreamRoot, overlayDir); err != nil {
			return report, err
		}
	}
	return report, nil
}

// rebaseBase is where to read a file's "base" (the content the overlay was
// forked from) for a three-way merge: either a local directory checked out
// at the baseline's pinned commit, or a (repoRoot, git rev) pair read via
// "git show <rev>:<path>". Returns ok=false when no base is available,
// in which case the caller degrades to upstream-wins-if-unchanged instead
// of merging.
type rebaseBase struct {
	dir      string
	repoRoot string
	rev      string
}

func (b rebaseBase) read(ctx context.Context, relpath string) ([]byte, bool) {
	if b.dir != "" {
		data, err := os.ReadFile(filepath.Join(b.dir, filepath.FromSlash(relpath)))
		if err != nil {
			return nil, false
		}
		return data, true
	}
	if b.rev != "" {
		out, err := gitutil.Run(ctx, b.repoRoot, "show", b.rev+":"+relpath)
		if err != nil {
			return nil, false
		}
		return []byte(out), true
	}
	return nil, false
}

// resolveRebaseBase locates the on-disk tree the overlay's baseline was
// taken from, so a file changed on both sides can be three-way merged
// against its common ancestor. A git baseline checks out the pinned
// commit; a local_path baseline reads from repoRoot at the recorded git
// rev via "git show" when available.
func resolveRebaseBase(ctx context.Context, homeStoreDir, repoRoot string, baseline *Baseline) (rebaseBase, error) {
	if baseline.Upstream == nil {
		return rebaseBase{}, nil
	}

	switch baseline.Upstream.Kind {
	case "git":
		dir := filepath.Join(homeStoreDir, "git", "_rebase-base", baseline.Upstream.Commit)
		if err := gitutil.CloneCheckout(ctx, baseline.Upstream.URL, baseline.Upstream.Commit, baseline.Upstream.Commit, dir, false); err != nil {
			return rebaseBase{}, nil
		}
		root := dir
		if baseline.Upstream.Subdir != "" {
			root = filepath.Join(dir, baseline.Upstream.Subdir)
		}
		return rebaseBase{dir: root}, nil

	case "local_path":
		if baseline.Upstream.RepoGitRev == "" {
			return rebaseBase{}, nil
		}
		return rebaseBase{repoRoot: repoRoot, rev: baseline.Upstream.RepoGitRev}, nil
	}
	return rebaseBase{}, nil
}

func rebaseOverlayDirFiles(ctx context.Context, moduleID, overlayDir, upstreamRoot string, base rebaseBase, baseline *Baseline, opts RebaseOptions) (RebaseReport, error) {
	var report RebaseReport
	conflictsDir := ConflictsDir(overlayDir)

	for _, entry := range baseline.FileManifest {
		rel := entry.Path
		report.Summary.ProcessedFiles++

		overlayPath := filepath.Join(overlayDir, filepath.FromSlash(rel))
		oursBytes, oursErr := os.ReadFile(overlayPath)
		if oursErr != nil {
			report.Skipped = append(report.Skipped, rel)
			report.Summary.SkippedFiles++
			continue
		}

		upstreamPath := filepath.Join(upstreamRoot, filepath.FromSlash(rel))
		theirsBytes, theirsErr := os.ReadFile(upstreamPath)
		upstreamRemoved := theirsErr != nil

		baseBytes, haveBase := base.read(ctx, rel)

		oursChanged := !haveBase || string(oursBytes) != string(baseBytes)
		theirsChanged := !upstreamRemoved && (!haveBase || string(theirsBytes) != string(baseBytes))

		switch {
		case upstreamRemoved:
			report.Skipped = append(report.Skipped, rel)
			report.Summary.SkippedFiles++

		case !oursChanged:
			// User never touched this file: fast-forward to upstream.
			if string(oursBytes) == string(theirsBytes) {
				report.Skipped = append(report.Skipped, rel)
				report.Summary.SkippedFiles++
				continue
			}
			if !opts.DryRun {
				if err := fsutil.WriteAtomic(overlayPath, theirsBytes, 0o644); err != nil {
					return report, err
				}
			}
			report.Updated = append(report.Updated, rel)
			report.Summary.UpdatedFiles++

		case !theirsChanged:
			report.Skipped = append(report.Skipped, rel)
			report.Summary.SkippedFiles++

		default:
			result, err := gitutil.MergeThreeWay(ctx, overlayDir, oursBytes, baseBytes, theirsBytes)
			if err != nil {
				return report, err
			}
			if result.Conflict {
				conflictPath := filepath.Join(conflictsDir, filepath.FromSlash(rel))
				if !opts.DryRun {
					if err := fsutil.WriteAtomic(conflictPath, result.Merged, 0o644); err != nil {
						return report, err
					}
				}
				report.Conflicts = append(report.Conflicts, rel)
				report.Summary.ConflictFiles++
				continue
			}
			if !opts.DryRun {
				if err := fsutil.WriteAtomic(overlayPath, result.Merged, 0o644); err != nil {
					return report, err
				}
			}
			report.Updated = append(report.Updated, rel)
			report.Summary.UpdatedFiles++
		}

		if opts.Sparsify && !opts.DryRun {
			if cur, err := os.ReadFile(overlayPath); err == nil && theirsErr == nil && string(cur) == string(theirsBytes) {
				_ = os.Remove(overlayPath)
				report.Deleted = append(report.Deleted, rel)
				report.Summary.DeletedFiles++
			}
		}
	}

	if len(report.Conflicts) > 0 {
		return report, usererror.New(usererror.CodeOverlayRebaseConflict, fmt.Sprintf("rebase produced conflicts for module %s", moduleID)).
			WithDetails(map[string]any{
				"module_id":    moduleID,
				"overlay_dir":  overlayDir,
				"conflicts":    report.Conflicts,
				"reason_code":  "overlay_rebase_conflict",
				"next_actions": []string{"resolve_overlay_conflicts", "retry_command"},
				"hint":         fmt.Sprintf("resolve conflict markers written under %s, then re-run without --dry-run", conflictsDir),
			})
	}
	return report, nil
}

// rebaseOverlayPatchFiles recovers each patch's "ours" content by applying
// it to the recorded base, three-way merges that against the new upstream
// content, and regenerates the patch from upstream->merged (or deletes it
// when the merge now matches upstream exactly). A patch whose target was
// removed upstream becomes a conflict with markers recorded for manual
// resolution, matching the original source's rebase_overlay_patch_files.
func rebaseOverlayPatchFiles(ctx context.Context, moduleID, overlayDir, upstreamRoot string, base rebaseBase, baseline *Baseline, opts RebaseOptions) (RebaseReport, error) {
	var report RebaseReport

	baselineSHA := make(map[string]string, len(baseline.FileManifest))
	for _, f := range baseline.FileManifest {
		baselineSHA[f.Path] = f.SHA256
	}

	patchFiles, err := ListPatchFiles(overlayDir)
	if err != nil {
		return report, err
	}
	patchesRoot := PatchesDir(overlayDir)
	conflictsDir := ConflictsDir(overlayDir)

	for _, patchFile := range patchFiles {
		relPatch, err := filepath.Rel(patchesRoot, patchFile)
		if err != nil {
			relPatch = filepath.Base(patchFile)
		}
		rel, ok := strings.CutSuffix(filepath.ToSlash(relPatch), ".patch")
		if !ok {
			report.Skipped = append(report.Skipped, relPatch)
			report.Summary.SkippedFiles++
			continue
		}
		report.Summary.ProcessedFiles++

		if !validPosixRelpath(rel) {
			return report, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("invalid patch relpath for module %s: %s", moduleID, rel)).
				WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir, "patch_file": patchFile, "relpath": rel})
		}

		expectedSHA, known := baselineSHA[rel]
		if !known {
			report.Skipped = append(report.Skipped, rel)
			report.Summary.SkippedFiles++
			continue
		}

		baseBytes, haveBase := base.read(ctx, rel)
		if !haveBase {
			return report, usererror.New(usererror.CodeOverlayBaselineUnsupported, fmt.Sprintf("cannot locate rebase base for %s", rel)).
				WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir, "relpath": rel})
		}
		if gotSHA := sha256Hex(baseBytes); gotSHA != expectedSHA {
			return report, usererror.New(usererror.CodeOverlayBaselineUnsupported, fmt.Sprintf("overlay baseline does not match merge base for %s", rel)).
				WithDetails(map[string]any{
					"module_id": moduleID, "overlay_dir": overlayDir, "relpath": rel,
					"expected_sha256": expectedSHA, "base_sha256": gotSHA,
					"hint": "recreate the overlay baseline after committing upstream changes",
				})
		}

		oursBytes, err := applyPatchToBase(ctx, moduleID, overlayDir, patchFile, rel, baseBytes)
		if err != nil {
			return report, err
		}

		upstreamPath := filepath.Join(upstreamRoot, filepath.FromSlash(rel))
		theirsBytes, err := os.ReadFile(upstreamPath)
		upstreamRemoved := err != nil
		if upstreamRemoved {
			report.Conflicts = append(report.Conflicts, rel)
			report.Summary.ConflictFiles++
			if !opts.DryRun {
				conflict := fmt.Sprintf("<<<<<<< ours\n%s\n=======\n>>>>>>> theirs (deleted upstream)\n", oursBytes)
				if err := fsutil.WriteAtomic(filepath.Join(conflictsDir, filepath.FromSlash(rel)), []byte(conflict), 0o644); err != nil {
					return report, err
				}
			}
			continue
		}

		if !utf8.Valid(baseBytes) || !utf8.Valid(oursBytes) || !utf8.Valid(theirsBytes) {
			return report, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch overlays only support UTF-8 text files: %s", rel)).
				WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir, "relpath": rel})
		}

		merged, err := gitutil.MergeThreeWay(ctx, overlayDir, oursBytes, baseBytes, theirsBytes)
		if err != nil {
			return report, err
		}
		if merged.Conflict {
			report.Conflicts = append(report.Conflicts, rel)
			report.Summary.ConflictFiles++
			if !opts.DryRun {
				if err := fsutil.WriteAtomic(filepath.Join(conflictsDir, filepath.FromSlash(rel)), merged.Merged, 0o644); err != nil {
					return report, err
				}
				if newPatch := patchFromUpstream(rel, theirsBytes, merged.Merged); newPatch != nil {
					if err := fsutil.WriteAtomic(patchFile, newPatch, 0o644); err != nil {
						return report, err
					}
				}
			}
			continue
		}

		newPatch := patchFromUpstream(rel, theirsBytes, merged.Merged)
		if newPatch == nil {
			if !opts.DryRun {
				_ = os.Remove(patchFile)
			}
			report.Deleted = append(report.Deleted, rel)
			report.Summary.DeletedFiles++
			continue
		}
		if !opts.DryRun {
			if err := fsutil.WriteAtomic(patchFile, newPatch, 0o644); err != nil {
				return report, err
			}
		}
		report.Updated = append(report.Updated, rel)
		report.Summary.UpdatedFiles++
	}

	if len(report.Conflicts) > 0 {
		return report, usererror.New(usererror.CodeOverlayRebaseConflict, fmt.Sprintf("rebase produced conflicts for module %s", moduleID)).
			WithDetails(map[string]any{
				"module_id":    moduleID,
				"overlay_dir":  overlayDir,
				"conflicts":    report.Conflicts,
				"reason_code":  "overlay_rebase_conflict",
				"next_actions": []string{"resolve_overlay_conflicts", "retry_command"},
				"hint":         fmt.Sprintf("resolve conflict markers written under %s, then re-run without --dry-run", conflictsDir),
			})
	}
	return report, nil
}

// applyPatchToBase recovers a patch overlay's current "ours" content by
// applying its stored diff to base in a scratch directory.
func applyPatchToBase(ctx context.Context, moduleID, overlayDir, patchFile, rel string, base []byte) ([]byte, error) {
	if !utf8.Valid(base) {
		return nil, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch overlays only support UTF-8 text files: %s", rel)).
			WithDetails(map[string]any{"module_id": moduleID, "overlay_dir": overlayDir, "patch_file": patchFile, "relpath": rel})
	}

	scratch, err := os.MkdirTemp("", "agentpack-patch-rebase-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	targetPath := filepath.Join(scratch, filepath.FromSlash(rel))
	if err := fsutil.WriteAtomic(targetPath, base, 0o644); err != nil {
		return nil, err
	}
	if err := gitutil.ApplyPatch(ctx, scratch, patchFile); err != nil {
		return nil, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch does not apply to baseline for %s (module %s)", rel, moduleID)).
			WithDetails(map[string]any{
				"module_id": moduleID, "overlay_dir": overlayDir, "patch_file": patchFile, "relpath": rel,
				"cause": err.Error(),
				"hint":  "regenerate the patch against the baseline content (or recreate the overlay baseline)",
			}).
			WithCause(err)
	}
	return os.ReadFile(targetPath)
}

// patchFromUpstream diffs upstream against merged using unified diff
// format, returning nil when they're identical (the patch overlay is no
// longer needed).
func patchFromUpstream(rel string, upstream, merged []byte) []byte {
	if string(upstream) == string(merged) {
		return nil
	}
	edits := fmt.Sprint(udiff.Unified("a/"+rel, "b/"+rel, string(upstream), string(merged)))
	return []byte(edits)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
