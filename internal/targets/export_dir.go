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
	"github.com/liqiongyu/agentpack/internal/usererror"
)

// RenderExportDir writes every module's rendered output under a
// user-chosen directory (options.root) instead of a real agent's config
// location, split into user/ and project/ subtrees when both scopes are
// allowed. Useful for previewing output or shipping it to a sandbox.
func RenderExportDir(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error {
	cfg, ok := env.TargetConfig("export_dir")
	if !ok {
		return fmt.Errorf("missing export_dir target config")
	}
	opts := cfg.Options

	baseRoot, err := exportRootFromOptions(env, opts)
	if err != nil {
		return err
	}
	scanExtras := getBool(opts, "scan_extras", true)
	allowUser, allowProject := scopeFlags(cfg.Scope)

	userRoot, projectRoot := baseRoot, baseRoot
	if allowUser && allowProject {
		userRoot = filepath.Join(baseRoot, "user")
		projectRoot = filepath.Join(baseRoot, "project")
	}

	if allowUser {
		*roots = append(*roots, TargetRoot{Target: "export_dir", Root: userRoot, ScanExtras: scanExtras})
	}
	if allowProject {
		*roots = append(*roots, TargetRoot{Target: "export_dir", Root: projectRoot, ScanExtras: scanExtras})
	}

	var parts []instructionsPart
	for _, m := range modulesOfType(modules, manifest.TypeInstructions, "export_dir") {
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
		if allowUser {
			desired.InsertMany("export_dir", filepath.Join(userRoot, "AGENTS.md"), bytes, moduleIDs)
		}
		if allowProject {
			desired.InsertMany("export_dir", filepath.Join(projectRoot, "AGENTS.md"), bytes, moduleIDs)
		}
	}

	for _, m := range modulesOfType(modules, manifest.TypePrompt, "export_dir") {
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
		bytes, err := os.ReadFile(promptFile)
		if err != nil {
			return err
		}
		if allowUser {
			insertFile(desired, "export_dir", filepath.Join(userRoot, "prompts", name), bytes, m.ID)
		}
		if allowProject {
			insertFile(desired, "export_dir", filepath.Join(projectRoot, "prompts", name), bytes, m.ID)
		}
	}

	for _, m := range modulesOfType(modules, manifest.TypeSkill, "export_dir") {
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
			if allowUser {
				insertFile(desired, "export_dir", filepath.Join(userRoot, "skills", skillName, filepath.FromSlash(rel)), bytes, m.ID)
			}
			if allowProject {
				insertFile(desired, "export_dir", filepath.Join(projectRoot, "skills", skillName, filepath.FromSlash(rel)), bytes, m.ID)
			}
		}
	}

	for _, m := range modulesOfType(modules, manifest.TypeCommand, "export_dir") {
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
		if allowUser {
			insertFile(desired, "export_dir", filepath.Join(userRoot, "commands", name), bytes, m.ID)
		}
		if allowProject {
			insertFile(desired, "export_dir", filepath.Join(projectRoot, "commands", name), bytes, m.ID)
		}
	}

	return nil
}

func exportRootFromOptions(env ModuleContext, opts map[string]any) (string, error) {
	root, ok := getString(opts, "root")
	root = strings.TrimSpace(root)
	if !ok || root == "" {
		return "", usererror.New(usererror.CodeConfigInvalid, "export_dir target requires non-empty options.root").
			WithDetails(map[string]any{"target": "export_dir", "option": "root"})
	}

	expanded, err := expandTilde(root)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	return filepath.Join(env.ProjectRoot(), expanded), nil
}
