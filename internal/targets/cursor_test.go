package targets

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

func TestRenderCursorWritesMDCRuleFile(t *testing.T) {
	projectRoot := t.TempDir()
	env := newFakeEnv(t, projectRoot).
		withTarget("cursor", manifest.TargetConfig{Scope: manifest.ScopeProject}).
		withModuleFile("instructions:one", "AGENTS.md", "# one\n")

	modules := []manifest.Module{instructionsModule("instructions:one")}
	desired := deploy.NewDesiredState()
	var warnings []string
	var roots []TargetRoot

	if err := RenderCursor(context.Background(), env, modules, desired, &warnings, &roots); err != nil {
		t.Fatalf("RenderCursor failed: %v", err)
	}

	name := ids.ModuleFsKey("instructions:one") + ".mdc"
	path := filepath.Join(projectRoot, ".cursor", "rules", name)
	got, ok := desired.Get(deploy.TargetPath{Target: "cursor", Path: path})
	if !ok {
		t.Fatalf("expected rule file at %s", path)
	}
	if !strings.HasPrefix(string(got), "---\ndescription:") {
		t.Errorf("expected frontmatter header, got %q", got)
	}
	if !strings.Contains(string(got), "# one\n") {
		t.Errorf("expected body to include AGENTS.md content, got %q", got)
	}
	if !strings.HasSuffix(string(got), "\n") {
		t.Error("expected output to end with a newline")
	}
}

func TestRenderCursorDisabledViaOptions(t *testing.T) {
	projectRoot := t.TempDir()
	env := newFakeEnv(t, projectRoot).
		withTarget("cursor", manifest.TargetConfig{
			Scope:   manifest.ScopeProject,
			Options: map[string]any{"write_rules": false},
		}).
		withModuleFile("instructions:one", "AGENTS.md", "# one\n")

	modules := []manifest.Module{instructionsModule("instructions:one")}
	desired := deploy.NewDesiredState()
	var warnings []string
	var roots []TargetRoot

	if err := RenderCursor(context.Background(), env, modules, desired, &warnings, &roots); err != nil {
		t.Fatalf("RenderCursor failed: %v", err)
	}
	if len(roots) != 0 {
		t.Errorf("expected no roots registered when write_rules=false, got %+v", roots)
	}
}
