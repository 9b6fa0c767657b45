// Package engine ties the manifest, lockfile, store, overlay, project, and
// target-adapter packages together into the single entry point used to
// render desired on-disk state for a profile and to materialize an
// individual module's composed file tree on demand.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/lockfile"
	"github.com/liqiongyu/agentpack/internal/machineid"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/overlay"
	"github.com/liqiongyu/agentpack/internal/paths"
	"github.com/liqiongyu/agentpack/internal/project"
	"github.com/liqiongyu/agentpack/internal/store"
	"github.com/liqiongyu/agentpack/internal/targetmanifest"
	"github.com/liqiongyu/agentpack/internal/targets"
	"github.com/liqiongyu/agentpack/internal/usererror"
	"github.com/liqiongyu/agentpack/internal/validate"
)

// Engine holds everything a render or materialize pass needs: the
// resolved home/repo paths, the loaded manifest (required) and lockfile
// (best effort), a store handle, and the detected project/machine identity.
type Engine struct {
	Home      paths.Home
	Repo      paths.Repo
	Manifest  *manifest.Manifest
	Lockfile  *lockfile.Lockfile
	Store     *store.Store
	Project   project.Context
	MachineID string
	Logger    *log.Logger
}

// newLogger builds the engine's leveled logger, writing to stderr so it
// never interleaves with a consumer's JSON envelope on stdout. The level
// defaults to "info" and is overridable via AGENTPACK_LOG_LEVEL (debug,
// info, warn, error) for a consumer that wants more render/materialize
// detail without changing code.
func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
		Prefix:          "agentpack",
	})
	level := log.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("AGENTPACK_LOG_LEVEL")); raw != "" {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)
	return logger
}

// Load resolves AGENTPACK_HOME, the config repo (honoring repoOverride),
// the manifest, an optional lockfile, the project context for cwd, and the
// machine id (honoring machineOverride if non-empty once normalized).
func Load(ctx context.Context, cwd, repoOverride, machineOverride string) (*Engine, error) {
	home, err := paths.ResolveHome()
	if err != nil {
		return nil, err
	}
	repo, err := paths.ResolveRepo(home, repoOverride)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(repo.ManifestPath)
	if err != nil {
		return nil, err
	}

	var lf *lockfile.Lockfile
	if loaded, err := lockfile.Load(repo.LockfilePath); err == nil {
		lf = loaded
	}

	proj, err := project.Detect(ctx, cwd)
	if err != nil {
		return nil, err
	}

	machineIDValue := machineid.Normalize(machineOverride)
	if machineIDValue == "" {
		detected, err := machineid.Detect()
		if err != nil {
			return nil, err
		}
		machineIDValue = detected
	}

	return &Engine{
		Home:      home,
		Repo:      repo,
		Manifest:  m,
		Lockfile:  lf,
		Store:     store.New(home.StoreDir),
		Project:   proj,
		MachineID: machineIDValue,
		Logger:    newLogger(),
	}, nil
}

// RenderResult is the full output of a desired-state render pass.
type RenderResult struct {
	Desired  *deploy.DesiredState
	Warnings []string
	Roots    []targets.TargetRoot
}

// DesiredState renders the given profile for the targets matched by
// targetFilter ("" or "all" selects every configured target; otherwise a
// comma-separated allow-list).
func (e *Engine) DesiredState(ctx context.Context, profileName, targetFilter string) (RenderResult, error) {
	modules, err := e.selectModules(profileName)
	if err != nil {
		return RenderResult{}, err
	}

	targetNames, err := e.selectedTargets(targetFilter)
	if err != nil {
		return RenderResult{}, err
	}
	e.Logger.Debug("rendering desired state", "profile", profileName, "modules", len(modules), "targets", targetNames)

	desired := deploy.NewDesiredState()
	var warnings []string
	var roots []targets.TargetRoot

	for _, name := range targetNames {
		adapter, ok := targets.Adapters[name]
		if !ok {
			e.Logger.Warn("target not compiled into this build, skipping", "target", name)
			continue
		}
		if err := adapter(ctx, e, modules, desired, &warnings, &roots); err != nil {
			return RenderResult{}, err
		}
	}

	if conflicts := desired.Conflicts(); len(conflicts) > 0 {
		details := make([]map[string]any, 0, len(conflicts))
		for _, c := range conflicts {
			details = append(details, map[string]any{"target": c.Target, "path": c.Path, "module_ids": c.ModuleIDs})
		}
		return RenderResult{}, usererror.New(usererror.CodeDesiredStateConflict, "more than one module produced conflicting content for the same output path").
			WithDetails(map[string]any{"conflicts": details})
	}

	return RenderResult{Desired: desired, Warnings: warnings, Roots: targets.DedupRoots(roots)}, nil
}

// PlanResult bundles a render pass with the deploy plan computed against
// each target root's current manifest.
type PlanResult struct {
	Render RenderResult
	Plan   deploy.PlanResult
}

// Plan renders profileName for targetFilter and diffs the result against
// each selected target root's on-disk manifest, returning the combined
// render warnings (plus any manifest-read warnings) and the deploy plan.
func (e *Engine) Plan(ctx context.Context, profileName, targetFilter string) (PlanResult, error) {
	render, err := e.DesiredState(ctx, profileName, targetFilter)
	if err != nil {
		return PlanResult{}, err
	}

	managed, _, manifestWarnings := targetmanifest.ManagedPathsForRoots(render.Roots)
	render.Warnings = append(render.Warnings, manifestWarnings...)

	plan := deploy.Plan(render.Desired, managed)
	e.Logger.Debug("plan computed", "changes", len(plan.Changes))
	return PlanResult{Render: render, Plan: plan}, nil
}

func (e *Engine) selectModules(profileName string) ([]manifest.Module, error) {
	profile, ok := e.Manifest.Profiles[profileName]
	if !ok {
		return nil, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("profile not found: %s", profileName)).
			WithDetails(map[string]any{"profile": profileName})
	}

	includeTags := toSet(profile.IncludeTags)
	includeIDs := toSet(profile.IncludeModules)
	excludeIDs := toSet(profile.ExcludeModules)

	var out []manifest.Module
	for _, m := range e.Manifest.Modules {
		if !m.IsEnabled() || excludeIDs[m.ID] {
			continue
		}
		tagMatch := false
		for _, t := range m.Tags {
			if includeTags[t] {
				tagMatch = true
				break
			}
		}
		if tagMatch || includeIDs[m.ID] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) selectedTargets(targetFilter string) ([]string, error) {
	var allowed map[string]bool
	filter := strings.TrimSpace(targetFilter)
	if filter != "" && filter != "all" {
		allowed = make(map[string]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[strings.TrimSpace(t)] = true
		}
	}

	var out []string
	for name := range e.Manifest.Targets {
		if allowed != nil && !allowed[name] {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)

	if allowed != nil {
		for name := range allowed {
			found := false
			for _, t := range out {
				if t == name {
					found = true
					break
				}
			}
			if !found {
				return nil, usererror.New(usererror.CodeTargetUnsupported, fmt.Sprintf("target not configured in manifest: %s", name)).
					WithDetails(map[string]any{"target": name})
			}
		}
	}
	return out, nil
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

// TargetConfig returns the manifest's top-level config for a target name,
// satisfying targets.ModuleContext.
func (e *Engine) TargetConfig(name string) (manifest.TargetConfig, bool) {
	cfg, ok := e.Manifest.Targets[name]
	return cfg, ok
}

// ProjectRoot satisfies targets.ModuleContext.
func (e *Engine) ProjectRoot() string { return e.Project.ProjectRoot }

// MaterializeModule composes module's upstream content with every
// applicable overlay layer into a fresh temp directory, validates the
// result against its declared type, and returns that directory's path. The
// caller is responsible for removing it.
func (e *Engine) MaterializeModule(ctx context.Context, mod manifest.Module, warnings *[]string) (string, error) {
	e.Logger.Debug("materializing module", "module_id", mod.ID, "type", mod.Type)
	tmp, err := os.MkdirTemp("", "agentpack-module-*")
	if err != nil {
		return "", fmt.Errorf("create tempdir: %w", err)
	}

	layers := overlay.ResolveLayers(e.Repo.RepoDir, e.MachineID, e.Project.ProjectID, mod.ID)
	upstreamRoot, err := overlay.ResolveUpstreamModuleRoot(ctx, e.Home.StoreDir, e.Repo.RepoDir, mod)
	if err != nil {
		return "", err
	}
	for _, layer := range layers {
		layerWarnings, err := overlay.DriftWarnings(layer.Dir, upstreamRoot)
		if err != nil {
			return "", err
		}
		*warnings = append(*warnings, layerWarnings...)
	}

	if err := overlay.Compose(ctx, e.Home.StoreDir, e.Repo.RepoDir, e.MachineID, e.Project.ProjectID, e.Manifest, mod, tmp); err != nil {
		return "", err
	}
	if err := validate.MaterializedModule(mod.Type, mod.ID, tmp); err != nil {
		return "", fmt.Errorf("validate module %s: %w", mod.ID, err)
	}
	return tmp, nil
}
