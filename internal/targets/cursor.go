package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// RenderCursor writes one always-applying .mdc rule file per Instructions
// module under .cursor/rules. Cursor has no user-level config surface, so
// this target is project-scoped only.
func RenderCursor(ctx context.Context, env ModuleContext, modules []manifest.Module, desired *deploy.DesiredState, warnings *[]string, roots *[]TargetRoot) error {
	cfg, ok := env.TargetConfig("cursor")
	if !ok {
		return fmt.Errorf("missing cursor target config")
	}
	opts := cfg.Options

	_, allowProject := scopeFlags(cfg.Scope)
	writeRules := allowProject && getBool(opts, "write_rules", true)

	rulesDir := filepath.Join(env.ProjectRoot(), ".cursor", "rules")
	if writeRules {
		*roots = append(*roots, TargetRoot{Target: "cursor", Root: rulesDir, ScanExtras: true})
	}
	if !writeRules {
		return nil
	}

	for _, m := range modulesOfType(modules, manifest.TypeInstructions, "cursor") {
		materialized, err := env.MaterializeModule(ctx, m, warnings)
		if err != nil {
			return err
		}
		defer os.RemoveAll(materialized)

		bodyBytes, err := os.ReadFile(filepath.Join(materialized, "AGENTS.md"))
		if err != nil {
			return fmt.Errorf("read AGENTS.md for %s: %w", m.ID, err)
		}

		descriptionJSON, err := json.Marshal(fmt.Sprintf("agentpack: %s", m.ID))
		if err != nil {
			return err
		}
		header := fmt.Sprintf("---\ndescription: %s\nglobs: []\nalwaysApply: true\n---\n\n", descriptionJSON)

		out := append([]byte(header), bodyBytes...)
		if len(out) == 0 || out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}

		name := ids.ModuleFsKey(m.ID) + ".mdc"
		insertFile(desired, "cursor", filepath.Join(rulesDir, name), out, m.ID)
	}

	return nil
}
