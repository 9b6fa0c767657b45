package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/paths"
	"github.com/liqiongyu/agentpack/internal/project"
	"github.com/liqiongyu/agentpack/internal/store"
)

func newTestEngine(t *testing.T, m *manifest.Manifest, projectRoot string) *Engine {
	t.Helper()
	repoRoot := t.TempDir()
	homeRoot := t.TempDir()
	home := paths.Home{
		Root:           homeRoot,
		RepoDir:        repoRoot,
		StoreDir:       filepath.Join(homeRoot, "store"),
		StateDir:       filepath.Join(homeRoot, "state"),
		DeploymentsDir: filepath.Join(homeRoot, "state", "deployments"),
		LogsDir:        filepath.Join(homeRoot, "logs"),
	}
	repo := paths.Repo{RepoDir: repoRoot, ManifestPath: filepath.Join(repoRoot, "agentpack.yaml"), LockfilePath: filepath.Join(repoRoot, "agentpack.lock.json")}

	return &Engine{
		Home:      home,
		Repo:      repo,
		Manifest:  m,
		Store:     store.New(home.StoreDir),
		Project:   project.Context{CWD: projectRoot, ProjectRoot: projectRoot, ProjectID: "testproject"},
		MachineID: "testmachine",
		Logger:    log.New(io.Discard),
	}
}

func moduleManifest(t *testing.T, repoRoot string) *manifest.Manifest {
	t.Helper()
	modDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "AGENTS.md"), []byte("# instructions\n"), 0o644); err != nil {
		t.Fatalf("write upstream: %v", err)
	}
	return &manifest.Manifest{
		Version:  1,
		Profiles: map[string]manifest.Profile{"default": {IncludeTags: []string{"all"}}},
		Targets: map[string]manifest.TargetConfig{
			"codex": {Scope: manifest.ScopeProject},
		},
		Modules: []manifest.Module{
			{
				ID: "instructions:a", Type: manifest.TypeInstructions, Tags: []string{"all"},
				SourceSpec: manifest.ModuleSource{LocalPath: &manifest.LocalPathSource{Path: filepath.Join("modules", "a")}},
			},
		},
	}
}

func TestDesiredStateRendersSelectedTargetsOnly(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	e.Manifest = moduleManifest(t, e.Repo.RepoDir)

	render, err := e.DesiredState(context.Background(), "default", "codex")
	if err != nil {
		t.Fatalf("DesiredState failed: %v", err)
	}
	path := filepath.Join(projectRoot, "AGENTS.md")
	got, ok := render.Desired.Get(render.Desired.Paths()[0])
	if !ok || render.Desired.Paths()[0].Path != path {
		t.Fatalf("expected rendered AGENTS.md at %s, got paths %+v", path, render.Desired.Paths())
	}
	if string(got) != "# instructions\n" {
		t.Errorf("content = %q, want %q", got, "# instructions\n")
	}
}

func TestDesiredStateUnknownTargetFilterErrors(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	e.Manifest = moduleManifest(t, e.Repo.RepoDir)

	if _, err := e.DesiredState(context.Background(), "default", "nonexistent"); err == nil {
		t.Fatal("expected an error for a target not configured in the manifest")
	}
}

func TestDesiredStateUnknownProfileErrors(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	e.Manifest = moduleManifest(t, e.Repo.RepoDir)

	if _, err := e.DesiredState(context.Background(), "missing-profile", "codex"); err == nil {
		t.Fatal("expected an error for an unknown profile")
	}
}

func TestSelectModulesExcludesDisabledAndExcluded(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	m := moduleManifest(t, e.Repo.RepoDir)
	disabled := false
	m.Modules = append(m.Modules,
		manifest.Module{ID: "instructions:disabled", Type: manifest.TypeInstructions, Tags: []string{"all"}, Enabled: &disabled,
			SourceSpec: manifest.ModuleSource{LocalPath: &manifest.LocalPathSource{Path: filepath.Join("modules", "a")}}},
		manifest.Module{ID: "instructions:excluded", Type: manifest.TypeInstructions, Tags: []string{"all"},
			SourceSpec: manifest.ModuleSource{LocalPath: &manifest.LocalPathSource{Path: filepath.Join("modules", "a")}}},
	)
	m.Profiles["default"] = manifest.Profile{IncludeTags: []string{"all"}, ExcludeModules: []string{"instructions:excluded"}}
	e.Manifest = m

	modules, err := e.selectModules("default")
	if err != nil {
		t.Fatalf("selectModules failed: %v", err)
	}
	if len(modules) != 1 || modules[0].ID != "instructions:a" {
		t.Fatalf("modules = %+v, want only instructions:a", modules)
	}
}

func TestPlanComputesCreateChangeForFreshTarget(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	e.Manifest = moduleManifest(t, e.Repo.RepoDir)

	result, err := e.Plan(context.Background(), "default", "codex")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(result.Plan.Changes) != 1 || result.Plan.Changes[0].Op != "create" {
		t.Fatalf("Changes = %+v, want a single create", result.Plan.Changes)
	}
}

func TestMaterializeModuleComposesAndValidates(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	e.Manifest = moduleManifest(t, e.Repo.RepoDir)

	var warnings []string
	dir, err := e.MaterializeModule(context.Background(), e.Manifest.Modules[0], &warnings)
	if err != nil {
		t.Fatalf("MaterializeModule failed: %v", err)
	}
	defer os.RemoveAll(dir)

	got, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
	if err != nil || string(got) != "# instructions\n" {
		t.Errorf("materialized AGENTS.md = %q, %v; want %q", got, err, "# instructions\n")
	}
}

func TestMaterializeModuleRejectsMissingUpstreamFile(t *testing.T) {
	projectRoot := t.TempDir()
	e := newTestEngine(t, nil, projectRoot)
	m := moduleManifest(t, e.Repo.RepoDir)
	if err := os.Remove(filepath.Join(e.Repo.RepoDir, "modules", "a", "AGENTS.md")); err != nil {
		t.Fatal(err)
	}
	e.Manifest = m

	var warnings []string
	if _, err := e.MaterializeModule(context.Background(), e.Manifest.Modules[0], &warnings); err == nil {
		t.Fatal("expected validation to fail for a module missing AGENTS.md")
	}
}
