package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/gitutil"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

// EnsurePatchLayout switches overlayDir to overlay_kind=patch and creates
// its .agentpack/patches directory. Fails if directory override files
// already exist (the two overlay kinds are mutually exclusive).
func EnsurePatchLayout(moduleID, overlayDir string) (string, error) {
	overrideFiles, err := listOverlayFiles(overlayDir)
	if err != nil {
		return "", err
	}
	if len(overrideFiles) > 0 {
		return "", usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("overlay_kind=patch but directory override files exist for module %s", moduleID)).
			WithDetails(map[string]any{
				"module_id":      moduleID,
				"overlay_dir":    overlayDir,
				"override_files": overrideFiles,
				"hint":           "move edits into .agentpack/patches/*.patch or use overlay_kind=dir",
			})
	}

	meta, err := ReadMeta(overlayDir)
	if err != nil {
		return "", err
	}
	if meta.OverlayKind != KindPatch {
		if err := WriteMeta(overlayDir, KindPatch); err != nil {
			return "", err
		}
	}

	patchesDir := PatchesDir(overlayDir)
	if err := os.MkdirAll(patchesDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", patchesDir, err)
	}
	return patchesDir, nil
}

// listOverlayFiles lists the user-facing files of an overlay directory,
// excluding the reserved .agentpack metadata tree.
func listOverlayFiles(overlayDir string) ([]string, error) {
	if _, err := os.Stat(overlayDir); os.IsNotExist(err) {
		return nil, nil
	}
	all, err := fsutil.ListFiles(overlayDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range all {
		if f == ".agentpack" || strings.HasPrefix(f, ".agentpack/") {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// ListPatchFiles returns the absolute paths of every *.patch file under
// overlayDir's .agentpack/patches directory, sorted.
func ListPatchFiles(overlayDir string) ([]string, error) {
	patchesDir := PatchesDir(overlayDir)
	if _, err := os.Stat(patchesDir); os.IsNotExist(err) {
		return nil, nil
	}
	all, err := fsutil.ListFiles(patchesDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rel := range all {
		if strings.EqualFold(filepath.Ext(rel), ".patch") {
			out = append(out, filepath.Join(patchesDir, rel))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ApplyPatchOverlays applies every patch file under overlayDir against
// outDir (a materialized copy of the upstream tree), in sorted order.
func ApplyPatchOverlays(ctx context.Context, moduleID, scope, overlayDir, outDir string, patchFiles []string) error {
	patchesRoot := PatchesDir(overlayDir)

	for _, patchFile := range patchFiles {
		relPatch, err := filepath.Rel(patchesRoot, patchFile)
		if err != nil {
			relPatch = filepath.Base(patchFile)
		}
		relPatchPosix := filepath.ToSlash(relPatch)
		relTarget, ok := strings.CutSuffix(relPatchPosix, ".patch")
		if !ok {
			continue
		}

		if !validPosixRelpath(relTarget) {
			return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("invalid patch relpath for module %s (%s): %s", moduleID, scope, relTarget)).
				WithDetails(map[string]any{
					"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir,
					"patch_file": patchFile, "relpath": relTarget,
					"hint": "patch filenames must map to a safe relpath under the upstream module root",
				})
		}

		targetPath := filepath.Join(outDir, filepath.FromSlash(relTarget))
		targetBytes, err := os.ReadFile(targetPath)
		if err != nil {
			return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch target is missing for module %s (%s): %s", moduleID, scope, relTarget)).
				WithDetails(map[string]any{
					"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir,
					"patch_file": patchFile, "relpath": relTarget, "target_path": targetPath,
					"cause": err.Error(),
					"hint":  "patch overlays currently only support patching existing upstream files",
				})
		}
		if !utf8.Valid(targetBytes) {
			return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch overlays only support UTF-8 text files: %s (module %s, %s)", relTarget, moduleID, scope)).
				WithDetails(map[string]any{"module_id": moduleID, "scope": scope, "relpath": relTarget, "target_path": targetPath})
		}

		patchBytes, err := os.ReadFile(patchFile)
		if err != nil {
			return fmt.Errorf("read patch %s: %w", patchFile, err)
		}
		if !utf8.Valid(patchBytes) {
			return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch file is not UTF-8 for module %s (%s): %s", moduleID, scope, patchFile)).
				WithDetails(map[string]any{"module_id": moduleID, "scope": scope, "patch_file": patchFile})
		}

		if err := validatePatchTextMatchesFile(moduleID, scope, overlayDir, patchFile, string(patchBytes), relTarget); err != nil {
			return err
		}

		if err := gitutil.ApplyPatch(ctx, outDir, patchFile); err != nil {
			return usererror.New(usererror.CodeOverlayPatchApplyFailed, fmt.Sprintf("failed to apply patch overlay for module %s (%s): %s", moduleID, scope, relTarget)).
				WithDetails(map[string]any{
					"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir,
					"patch_file": patchFile, "relpath": relTarget,
					"reason_code":  "overlay_patch_apply_failed",
					"next_actions": []string{"regenerate_patch", "switch_to_dir_overlay", "retry_command"},
					"hint":         "regenerate the patch against the current upstream (or lower overlays) content",
				}).
				WithCause(err)
		}
	}
	return nil
}

func validatePatchTextMatchesFile(moduleID, scope, overlayDir, patchFile, patchText, expectedRelpath string) error {
	if strings.Contains(patchText, "GIT binary patch") {
		return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch overlays do not support binary patches (module %s, %s)", moduleID, scope)).
			WithDetails(map[string]any{"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir, "patch_file": patchFile, "relpath": expectedRelpath})
	}

	var oldLines, newLines []string
	for _, line := range strings.Split(patchText, "\n") {
		if rest, ok := strings.CutPrefix(line, "--- "); ok {
			oldLines = append(oldLines, rest)
		} else if rest, ok := strings.CutPrefix(line, "+++ "); ok {
			newLines = append(newLines, rest)
		}
	}
	if len(oldLines) != 1 || len(newLines) != 1 {
		return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("invalid patch file (expected a single unified diff) for module %s (%s)", moduleID, scope)).
			WithDetails(map[string]any{
				"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir, "patch_file": patchFile, "relpath": expectedRelpath,
				"hint": "generate patches using `git diff --no-index -- <upstream-file> <edited-file>` and store the output in .agentpack/patches/<relpath>.patch",
			})
	}

	oldPath := firstField(oldLines[0])
	newPath := firstField(newLines[0])
	if oldPath == "/dev/null" || newPath == "/dev/null" {
		return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch overlays do not currently support file create/delete (module %s, %s)", moduleID, scope)).
			WithDetails(map[string]any{"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir, "patch_file": patchFile, "relpath": expectedRelpath})
	}

	oldNorm := stripABPrefix(oldPath)
	newNorm := stripABPrefix(newPath)
	if oldNorm != expectedRelpath || newNorm != expectedRelpath {
		return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("patch file paths do not match filename-derived relpath for module %s (%s)", moduleID, scope)).
			WithDetails(map[string]any{
				"module_id": moduleID, "scope": scope, "overlay_dir": overlayDir, "patch_file": patchFile,
				"expected_relpath": expectedRelpath, "patch_old_path": oldNorm, "patch_new_path": newNorm,
				"hint": "ensure the patch header uses the same path as the patch file name (e.g. --- a/<relpath> / +++ b/<relpath>)",
			})
	}
	return nil
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func stripABPrefix(path string) string {
	if rest, ok := strings.CutPrefix(path, "a/"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(path, "b/"); ok {
		return rest
	}
	return path
}

// validPosixRelpath rejects absolute paths, empty segments, and ".."
// traversal, the same safety check applied to patch target relpaths.
func validPosixRelpath(rel string) bool {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
