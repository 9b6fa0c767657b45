package targets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/markers"
)

// modulesOfType returns modules of the given type whose Targets list is
// empty (applies to every target) or explicitly includes targetName.
func modulesOfType(modules []manifest.Module, moduleType manifest.ModuleType, targetName string) []manifest.Module {
	var out []manifest.Module
	for _, m := range modules {
		if m.Type != moduleType {
			continue
		}
		if len(m.Targets) == 0 || containsString(m.Targets, targetName) {
			out = append(out, m)
		}
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// instructionsPart is one Instructions module's AGENTS.md contribution.
type instructionsPart struct {
	moduleID string
	text     string
}

// combineInstructions joins several modules' AGENTS.md bodies, wrapping
// each in a module marker pair only when more than one contributed (a
// single module's content is passed through unwrapped).
func combineInstructions(parts []instructionsPart) (combined []byte, moduleIDs []string) {
	moduleIDs = make([]string, 0, len(parts))
	texts := make([]string, 0, len(parts))
	addMarkers := len(parts) > 1
	for _, p := range parts {
		moduleIDs = append(moduleIDs, p.moduleID)
		if addMarkers {
			texts = append(texts, markers.FormatModuleSection(p.moduleID, p.text))
		} else {
			texts = append(texts, p.text)
		}
	}
	return []byte(strings.Join(texts, "\n\n---\n\n")), moduleIDs
}

func insertFile(desired *deploy.DesiredState, target, path string, bytes []byte, moduleID string) {
	desired.Insert(target, path, bytes, moduleID)
}

// moduleNameFromID splits "kind:name" module ids into their name part,
// used as a directory name for skills/commands where the adapter owns
// per-module subdirectories.
func moduleNameFromID(id string) (string, bool) {
	_, rest, found := strings.Cut(id, ":")
	return rest, found
}

// firstFile returns the lexicographically-smallest file under dir.
func firstFile(dir string) (string, error) {
	files, err := fsutil.ListFiles(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(files)
	return filepath.Join(dir, filepath.FromSlash(files[0])), nil
}

func expandTilde(s string) (string, error) {
	if rest, ok := strings.CutPrefix(s, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, rest), nil
	}
	return s, nil
}

func scopeFlags(scope manifest.TargetScope) (allowUser, allowProject bool) {
	switch scope {
	case manifest.ScopeUser:
		return true, false
	case manifest.ScopeProject:
		return false, true
	default:
		return true, true
	}
}

func codexHomeFromOptions(opts map[string]any) (string, error) {
	if s, ok := opts["codex_home"].(string); ok && strings.TrimSpace(s) != "" {
		return expandTilde(s)
	}
	if env := os.Getenv("CODEX_HOME"); strings.TrimSpace(env) != "" {
		return expandTilde(env)
	}
	return expandTilde("~/.codex")
}

func getBool(opts map[string]any, key string, def bool) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

func getString(opts map[string]any, key string) (string, bool) {
	s, ok := opts[key].(string)
	return s, ok
}
