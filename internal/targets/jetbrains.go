package targets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// RenderJetbrains writes a combined .junie/guidelines.md from every
// Instructions module, matching JetBrains Junie's single guidelines file.
func RenderJetbrains(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error {
	cfg, ok := env.TargetConfig("jetbrains")
	if !ok {
		return fmt.Errorf("missing jetbrains target config")
	}
	opts := cfg.Options

	_, allowProject := scopeFlags(cfg.Scope)
	writeGuidelines := allowProject && getBool(opts, "write_guidelines", true)

	junieDir := filepath.Join(env.ProjectRoot(), ".junie")
	if writeGuidelines {
		*roots = append(*roots, TargetRoot{Target: "jetbrains", Root: junieDir, ScanExtras: true})
	}
	if !writeGuidelines {
		return nil
	}

	var parts []instructionsPart
	for _, m := range modulesOfType(modules, manifest.TypeInstructions, "jetbrains") {
		materialized, err := env.MaterializeModule(ctx, m, warnings)
		if err != nil {
			return err
		}
		defer os.RemoveAll(materialized)
		agentsPath := filepath.Join(materialized, "AGENTS.md")
		if text, err := os.ReadFile(agentsPath); err == nil {
			parts = append(parts, instructionsPart{moduleID: m.ID, text: string(text)})
		}
	}
	if len(parts) > 0 {
		bytes, moduleIDs := combineInstructions(parts)
		desired.InsertMany("jetbrains", filepath.Join(junieDir, "guidelines.md"), bytes, moduleIDs)
	}

	return nil
}
