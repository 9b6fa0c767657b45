package targets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// RenderCodex writes the combined AGENTS.md, prompt files, and skill trees
// OpenAI Codex reads from $CODEX_HOME (or options.codex_home) and, for the
// project-scoped pieces, from the repo itself.
func RenderCodex(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error {
	cfg, ok := env.TargetConfig("codex")
	if !ok {
		return fmt.Errorf("missing codex target config")
	}
	opts := cfg.Options

	codexHome, err := codexHomeFromOptions(opts)
	if err != nil {
		return err
	}
	allowUser, allowProject := scopeFlags(cfg.Scope)
	writeRepoSkills := allowProject && getBool(opts, "write_repo_skills", true)
	writeUserSkills := allowUser && getBool(opts, "write_user_skills", true)
	writeUserPrompts := allowUser && getBool(opts, "write_user_prompts", true)
	writeAgentsGlobal := allowUser && getBool(opts, "write_agents_global", true)
	writeAgentsRepoRoot := allowProject && getBool(opts, "write_agents_repo_root", true)

	projectRoot := env.ProjectRoot()

	if writeAgentsGlobal {
		*roots = append(*roots, TargetRoot{Target: "codex", Root: codexHome})
	}
	if writeUserPrompts {
		*roots = append(*roots, TargetRoot{Target: "codex", Root: filepath.Join(codexHome, "prompts"), ScanExtras: true})
	}
	if writeUserSkills {
		*roots = append(*roots, TargetRoot{Target: "codex", Root: filepath.Join(codexHome, "skills"), ScanExtras: true})
	}
	if writeAgentsRepoRoot {
		*roots = append(*roots, TargetRoot{Target: "codex", Root: projectRoot})
	}
	if writeRepoSkills {
		*roots = append(*roots, TargetRoot{Target: "codex", Root: filepath.Join(projectRoot, ".codex", "skills"), ScanExtras: true})
	}

	var parts []instructionsPart
	for _, m := range modulesOfType(modules, manifest.TypeInstructions, "codex") {
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
		if writeAgentsGlobal {
			desired.InsertMany("codex", filepath.Join(codexHome, "AGENTS.md"), bytes, moduleIDs)
		}
		if writeAgentsRepoRoot {
			desired.InsertMany("codex", filepath.Join(projectRoot, "AGENTS.md"), bytes, moduleIDs)
		}
	}

	if writeUserPrompts {
		for _, m := range modulesOfType(modules, manifest.TypePrompt, "codex") {
			materialized, err := env.MaterializeModule(ctx, m, warnings)
			if err != nil {
				return err
			}
			defer os.RemoveAll(materialized)
			promptFile, err := firstFile(materialized)
			if err != nil {
				return fmt.Errorf("module %s: %w", m.ID, err)
			}
			bytes, err := os.ReadFile(promptFile)
			if err != nil {
				return err
			}
			insertFile(desired, "codex", filepath.Join(codexHome, "prompts", filepath.Base(promptFile)), bytes, m.ID)
		}
	}

	for _, m := range modulesOfType(modules, manifest.TypeSkill, "codex") {
		if !writeUserSkills && !writeRepoSkills {
			continue
		}
		materialized, err := env.MaterializeModule(ctx, m, warnings)
		if err != nil {
			return err
		}
		defer os.RemoveAll(materialized)

		skillName, ok := moduleNameFromID(m.ID)
		if !ok {
			skillName = ids.SanitizeModuleID(m.ID)
		}

		files, err := fsutil.ListFiles(materialized)
		if err != nil {
			return err
		}
		for _, rel := range files {
			rel = strings.ReplaceAll(rel, "\\", "/")
			bytes, err := os.ReadFile(filepath.Join(materialized, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			if writeUserSkills {
				insertFile(desired, "codex", filepath.Join(codexHome, "skills", skillName, filepath.FromSlash(rel)), bytes, m.ID)
			}
			if writeRepoSkills {
				insertFile(desired, "codex", filepath.Join(projectRoot, ".codex", "skills", skillName, filepath.FromSlash(rel)), bytes, m.ID)
			}
		}
	}

	return nil
}
