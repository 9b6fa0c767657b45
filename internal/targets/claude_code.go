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

// RenderClaudeCode writes slash commands under ~/.claude/commands and/or
// .claude/commands, and skill trees under ~/.claude/skills and/or
// .claude/skills (both off by default, since Claude Code's project-level
// skill discovery is opt-in).
func RenderClaudeCode(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error {
	cfg, ok := env.TargetConfig("claude_code")
	if !ok {
		return fmt.Errorf("missing claude_code target config")
	}
	opts := cfg.Options

	allowUser, allowProject := scopeFlags(cfg.Scope)
	writeRepoCommands := allowProject && getBool(opts, "write_repo_commands", true)
	writeUserCommands := allowUser && getBool(opts, "write_user_commands", true)
	writeRepoSkills := allowProject && getBool(opts, "write_repo_skills", false)
	writeUserSkills := allowUser && getBool(opts, "write_user_skills", false)

	userCommandsDir, err := expandTilde("~/.claude/commands")
	if err != nil {
		return err
	}
	userSkillsDir, err := expandTilde("~/.claude/skills")
	if err != nil {
		return err
	}
	projectRoot := env.ProjectRoot()

	if writeUserCommands {
		*roots = append(*roots, TargetRoot{Target: "claude_code", Root: userCommandsDir, ScanExtras: true})
	}
	if writeRepoCommands {
		*roots = append(*roots, TargetRoot{Target: "claude_code", Root: filepath.Join(projectRoot, ".claude", "commands"), ScanExtras: true})
	}
	if writeUserSkills {
		*roots = append(*roots, TargetRoot{Target: "claude_code", Root: userSkillsDir, ScanExtras: true})
	}
	if writeRepoSkills {
		*roots = append(*roots, TargetRoot{Target: "claude_code", Root: filepath.Join(projectRoot, ".claude", "skills"), ScanExtras: true})
	}

	for _, m := range modulesOfType(modules, manifest.TypeCommand, "claude_code") {
		materialized, err := env.MaterializeModule(ctx, m, warnings)
		if err != nil {
			return err
		}
		defer os.RemoveAll(materialized)
		cmdFile, err := firstFile(materialized)
		if err != nil {
			return fmt.Errorf("module %s: %w", m.ID, err)
		}
		name := filepath.Base(cmdFile)
		bytes, err := os.ReadFile(cmdFile)
		if err != nil {
			return err
		}
		if writeUserCommands {
			insertFile(desired, "claude_code", filepath.Join(userCommandsDir, name), bytes, m.ID)
		}
		if writeRepoCommands {
			insertFile(desired, "claude_code", filepath.Join(projectRoot, ".claude", "commands", name), bytes, m.ID)
		}
	}

	if writeUserSkills || writeRepoSkills {
		for _, m := range modulesOfType(modules, manifest.TypeSkill, "claude_code") {
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
					insertFile(desired, "claude_code", filepath.Join(userSkillsDir, skillName, filepath.FromSlash(rel)), bytes, m.ID)
				}
				if writeRepoSkills {
					insertFile(desired, "claude_code", filepath.Join(projectRoot, ".claude", "skills", skillName, filepath.FromSlash(rel)), bytes, m.ID)
				}
			}
		}
	}

	return nil
}
