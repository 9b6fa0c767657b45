// Package targets renders each supported coding-agent target's desired
// file tree from a set of selected modules. Each adapter is a pure
// function of a ModuleContext (supplied by the engine package, which
// implements it, to avoid an import cycle) and the modules active for the
// current profile.
package targets

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// TargetRoot is a directory a target adapter considers itself the owner
// of. When ScanExtras is set, every file under it that isn't part of the
// current desired state is a drift candidate; otherwise such files are not
// reported.
type TargetRoot struct {
	Target     string
	Root       string
	ScanExtras bool
}

// DedupRoots removes exact duplicate (target, root) pairs.
func DedupRoots(roots []TargetRoot) []TargetRoot {
	seen := make(map[[2]string]bool, len(roots))
	var out []TargetRoot
	for _, r := range roots {
		key := [2]string{r.Target, filepath.Clean(r.Root)}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// BestRootIndex returns the index of the TargetRoot with the given target
// name that contains path, preferring the most deeply nested match when
// more than one root could. Used to attribute a file under an output tree
// to the specific root that owns it, for target-manifest writes and drift
// scans.
func BestRootIndex(roots []TargetRoot, target, path string) (int, bool) {
	cleanPath := filepath.Clean(path)
	best := -1
	bestDepth := -1
	for i, r := range roots {
		if r.Target != target {
			continue
		}
		rootClean := filepath.Clean(r.Root)
		if cleanPath != rootClean && !strings.HasPrefix(cleanPath, rootClean+string(filepath.Separator)) {
			continue
		}
		depth := strings.Count(rootClean, string(filepath.Separator))
		if depth > bestDepth {
			bestDepth = depth
			best = i
		}
	}
	return best, best >= 0
}

// ModuleContext is the slice of *engine.Engine each adapter needs: the
// manifest's target configs and project root, plus the ability to
// materialize a module's composed (upstream + overlays) file tree.
type ModuleContext interface {
	TargetConfig(name string) (manifest.TargetConfig, bool)
	ProjectRoot() string
	MaterializeModule(ctx context.Context, mod manifest.Module, warnings *[]string) (string, error)
}

// Adapter renders one target's contribution to the desired state.
type Adapter func(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error

// Adapters is the closed set of supported target names, matching
// manifest.SupportedTargets.
var Adapters = map[string]Adapter{
	"codex":       RenderCodex,
	"claude_code": RenderClaudeCode,
	"cursor":      RenderCursor,
	"vscode":      RenderVSCode,
	"jetbrains":   RenderJetbrains,
	"export_dir":  RenderExportDir,
}
