package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/paths"
)

// Layer is one overlay scope contributing to a module's composed output,
// applied in order (global, then machine, then project) so a project
// overlay wins over a machine one, which wins over a global one.
type Layer struct {
	Scope string // "global", "machine", or "project"
	Dir   string
}

// ResolveLayers returns the overlay directories that exist for moduleID, in
// application order, trying the canonical (length-bounded) fs-key first and
// falling back to the unbounded and raw-id legacy directory names so
// overlays written by an older version of this tool still resolve.
func ResolveLayers(repoRoot, machineID, projectID, moduleID string) []Layer {
	var layers []Layer
	for _, candidate := range fsKeyCandidates(moduleID) {
		if dir := paths.GlobalOverlayDir(repoRoot, candidate); dirExists(dir) {
			layers = append(layers, Layer{Scope: "global", Dir: dir})
			break
		}
	}
	if machineID != "" {
		for _, candidate := range fsKeyCandidates(moduleID) {
			if dir := paths.MachineOverlayDir(repoRoot, machineID, candidate); dirExists(dir) {
				layers = append(layers, Layer{Scope: "machine", Dir: dir})
				break
			}
		}
	}
	if projectID != "" {
		for _, candidate := range fsKeyCandidates(moduleID) {
			if dir := paths.ProjectOverlayDir(repoRoot, projectID, candidate); dirExists(dir) {
				layers = append(layers, Layer{Scope: "project", Dir: dir})
				break
			}
		}
	}
	return layers
}

func fsKeyCandidates(moduleID string) []string {
	candidates := []string{ids.ModuleFsKey(moduleID)}
	if unbounded := ids.ModuleFsKeyUnbounded(moduleID); unbounded != candidates[0] {
		candidates = append(candidates, unbounded)
	}
	if ids.IsSafeLegacyPathComponent(moduleID) {
		candidates = append(candidates, moduleID)
	}
	return candidates
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Compose materializes moduleID's desired file tree into outDir: a copy of
// the upstream content with every existing overlay layer applied on top,
// in order. A dir-kind layer overwrites files wholesale; a patch-kind layer
// applies its unified diffs against the tree assembled by earlier layers.
func Compose(ctx context.Context, homeStoreDir, repoRoot, machineID, projectID string, m *manifest.Manifest, mod manifest.Module, outDir string) error {
	upstreamRoot, err := ResolveUpstreamModuleRoot(ctx, homeStoreDir, repoRoot, mod)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", outDir, err)
	}
	if err := fsutil.CopyTree(upstreamRoot, outDir); err != nil {
		return fmt.Errorf("copy upstream %s -> %s: %w", upstreamRoot, outDir, err)
	}

	layers := ResolveLayers(repoRoot, machineID, projectID, mod.ID)
	for _, layer := range layers {
		meta, err := ReadMeta(layer.Dir)
		if err != nil {
			return err
		}
		switch meta.OverlayKind {
		case KindPatch:
			patchFiles, err := ListPatchFiles(layer.Dir)
			if err != nil {
				return err
			}
			if err := ApplyPatchOverlays(ctx, mod.ID, layer.Scope, layer.Dir, outDir, patchFiles); err != nil {
				return err
			}
		default:
			overrideFiles, err := listOverlayFiles(layer.Dir)
			if err != nil {
				return err
			}
			for _, rel := range overrideFiles {
				src := filepath.Join(layer.Dir, filepath.FromSlash(rel))
				dst := filepath.Join(outDir, filepath.FromSlash(rel))
				data, err := os.ReadFile(src)
				if err != nil {
					return fmt.Errorf("read overlay file %s: %w", src, err)
				}
				if err := fsutil.WriteAtomic(dst, data, 0o644); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
