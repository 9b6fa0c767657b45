package targets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// RenderVSCode writes a combined .github/copilot-instructions.md and, for
// Prompt modules, .github/prompts/*.prompt.md files, matching VS Code
// Copilot's repo-scoped customization surface.
func RenderVSCode(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error {
	cfg, ok := env.TargetConfig("vscode")
	if !ok {
		return fmt.Errorf("missing vscode target config")
	}
	opts := cfg.Options

	_, allowProject := scopeFlags(cfg.Scope)
	writeInstructions := allowProject && getBool(opts, "write_instructions", true)
	writePrompts := allowProject && getBool(opts, "write_prompts", true)

	githubDir := filepath.Join(env.ProjectRoot(), ".github")
	promptsDir := filepath.Join(githubDir, "prompts")

	if writeInstructions {
		*roots = append(*roots, TargetRoot{Target: "vscode", Root: githubDir})
	}
	if writePrompts {
		*roots = append(*roots, TargetRoot{Target: "vscode", Root: promptsDir, ScanExtras: true})
	}

	var parts []instructionsPart
	for _, m := range modulesOfType(modules, manifest.TypeInstructions, "vscode") {
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
	if writeInstructions && len(parts) > 0 {
		bytes, moduleIDs := combineInstructions(parts)
		desired.InsertMany("vscode", filepath.Join(githubDir, "copilot-instructions.md"), bytes, moduleIDs)
	}

	if writePrompts {
		for _, m := range modulesOfType(modules, manifest.TypePrompt, "vscode") {
			materialized, err := env.MaterializeModule(ctx, m, warnings)
			if err != nil {
				return err
			}
			defer os.RemoveAll(materialized)
			promptFile, err := firstFile(materialized)
			if err != nil {
				return fmt.Errorf("module %s: %w", m.ID, err)
			}
			name := filepath.Base(promptFile)
			switch {
			case strings.HasSuffix(name, ".prompt.md"):
			case strings.HasSuffix(name, ".md"):
				name = strings.TrimSuffix(name, ".md") + ".prompt.md"
			default:
				name += ".prompt.md"
			}
			bytes, err := os.ReadFile(promptFile)
			if err != nil {
				return err
			}
			insertFile(desired, "vscode", filepath.Join(promptsDir, name), bytes, m.ID)
		}
	}

	return nil
}
