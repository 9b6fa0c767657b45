package targets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

func TestRenderJetbrainsCombinesGuidelines(t *testing.T) {
	projectRoot := t.TempDir()
	env := newFakeEnv(t, projectRoot).
		withTarget("jetbrains", manifest.TargetConfig{Scope: manifest.ScopeProject}).
		withModuleFile("instructions:one", "AGENTS.md", "# one\n")

	modules := []manifest.Module{instructionsModule("instructions:one")}
	desired := deploy.NewDesiredState()
	var warnings []string
	var roots []TargetRoot

	if err := RenderJetbrains(context.Background(), env, modules, desired, &warnings, &roots); err != nil {
		t.Fatalf("RenderJetbrains failed: %v", err)
	}

	path := filepath.Join(projectRoot, ".junie", "guidelines.md")
	got := mustReadDesired(t, desired, "jetbrains", path)
	if got != "# one\n" {
		t.Errorf("guidelines.md = %q, want %q", got, "# one\n")
	}
}

func TestRenderJetbrainsDisabled(t *testing.T) {
	projectRoot := t.TempDir()
	env := newFakeEnv(t, projectRoot).
		withTarget("jetbrains", manifest.TargetConfig{
			Scope:   manifest.ScopeProject,
			Options: map[string]any{"write_guidelines": false},
		}).
		withModuleFile("instructions:one", "AGENTS.md", "# one\n")

	modules := []manifest.Module{instructionsModule("instructions:one")}
	desired := deploy.NewDesiredState()
	var warnings []string
	var roots []TargetRoot

	if err := RenderJetbrains(context.Background(), env, modules, desired, &warnings, &roots); err != nil {
		t.Fatalf("RenderJetbrains failed: %v", err)
	}
	if len(roots) != 0 {
		t.Errorf("expected no roots when write_guidelines=false, got %+v", roots)
	}
}
