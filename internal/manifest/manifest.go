// Package manifest loads, validates, and saves agentpack.yaml, the config
// repo's module registry. Grounded on the config package's
// Load/validate-on-load shape and sentinel errors, generalized to the
// schema in the original source's config.rs, with the target allow-list
// widened to the full adapter set (codex, claude_code, cursor, vscode,
// jetbrains, export_dir).
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/schema"
	"github.com/liqiongyu/agentpack/internal/source"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

func init() {
	schema.Register(schema.LabelManifest, Manifest{})
}

// ModuleType enumerates the kinds of module a manifest entry can declare.
type ModuleType string

const (
	TypeInstructions ModuleType = "instructions"
	TypeSkill        ModuleType = "skill"
	TypePrompt       ModuleType = "prompt"
	TypeCommand      ModuleType = "command"
)

// TargetScope constrains which scope(s) a target adapter may render into.
type TargetScope string

const (
	ScopeUser    TargetScope = "user"
	ScopeProject TargetScope = "project"
	ScopeBoth    TargetScope = "both"
)

// SupportedTargets is the closed set of target adapter names a manifest may
// reference, either at the top-level targets map or on a module's targets
// list.
var SupportedTargets = []string{"codex", "claude_code", "cursor", "vscode", "jetbrains", "export_dir"}

func isSupportedTarget(name string) bool {
	for _, t := range SupportedTargets {
		if t == name {
			return true
		}
	}
	return false
}

// TargetConfig is one entry in the manifest's top-level "targets" map.
type TargetConfig struct {
	Mode    string         `yaml:"mode"`
	Scope   TargetScope    `yaml:"scope"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Profile selects which modules are active for a given run.
type Profile struct {
	IncludeTags    []string `yaml:"include_tags,omitempty"`
	IncludeModules []string `yaml:"include_modules,omitempty"`
	ExcludeModules []string `yaml:"exclude_modules,omitempty"`
}

// Module is a single entry in the manifest's "modules" list.
type Module struct {
	ID         string         `yaml:"id"`
	Type       ModuleType     `yaml:"type"`
	Enabled    *bool          `yaml:"enabled,omitempty"`
	Tags       []string       `yaml:"tags,omitempty"`
	Targets    []string       `yaml:"targets,omitempty"`
	SourceSpec ModuleSource   `yaml:"source"`
	Metadata   map[string]any `yaml:"metadata,omitempty"`
}

// IsEnabled reports whether the module is enabled, defaulting to true when
// unset.
func (m Module) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ModuleSource is the manifest-level source declaration: exactly one of
// LocalPath or Git must be set.
type ModuleSource struct {
	LocalPath *LocalPathSource `yaml:"local_path,omitempty"`
	Git       *GitSource       `yaml:"git,omitempty"`
}

// LocalPathSource points at a path relative to the config repo root.
type LocalPathSource struct {
	Path string `yaml:"path"`
}

// GitSource points at a git-hosted module directory.
type GitSource struct {
	URL     string `yaml:"url"`
	Ref     string `yaml:"ref,omitempty"`
	Subdir  string `yaml:"subdir,omitempty"`
	Shallow *bool  `yaml:"shallow,omitempty"`
	Semver  string `yaml:"semver,omitempty"`
}

// Kind discriminates which variant of ModuleSource is populated.
func (s ModuleSource) Kind() source.Kind {
	switch {
	case s.LocalPath != nil && s.Git == nil:
		return source.KindLocalPath
	case s.LocalPath == nil && s.Git != nil:
		return source.KindGit
	default:
		return source.KindInvalid
	}
}

// Resolve normalizes a manifest source declaration into a source.Source,
// applying the "ref" and "shallow" defaults.
func (s ModuleSource) Resolve() source.Source {
	if s.LocalPath != nil {
		return source.Source{LocalPath: &source.LocalPath{Path: s.LocalPath.Path}}
	}
	ref := s.Git.Ref
	if ref == "" {
		ref = "main"
	}
	shallow := true
	if s.Git.Shallow != nil {
		shallow = *s.Git.Shallow
	}
	return source.Source{Git: &source.Git{
		URL:     s.Git.URL,
		Ref:     ref,
		Subdir:  s.Git.Subdir,
		Shallow: shallow,
		Semver:  s.Git.Semver,
	}}
}

// Manifest is the parsed, validated contents of agentpack.yaml.
type Manifest struct {
	Version  int                     `yaml:"version"`
	Profiles map[string]Profile      `yaml:"profiles,omitempty"`
	Targets  map[string]TargetConfig `yaml:"targets,omitempty"`
	Modules  []Module                `yaml:"modules,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, usererror.New(usererror.CodeConfigMissing, fmt.Sprintf("missing config manifest: %s", path)).
				WithDetails(map[string]any{
					"path": path,
					"hint": "run `agentpack init` to create a repo skeleton",
				})
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("invalid config: %s", path)).
			WithDetails(map[string]any{"path": path, "error": err.Error()}).
			WithCause(err)
	}

	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save validates and writes the manifest to path, via an atomic temp-file
// rename so a reader never observes a partially written manifest.
func Save(m *Manifest, path string) error {
	if err := validate(m); err != nil {
		return err
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	if err := fsutil.WriteAtomic(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// RepoRoot returns the directory containing the manifest file, the root
// local_path sources and overlay scopes resolve against.
func RepoRoot(manifestPath string) string {
	dir := filepath.Dir(manifestPath)
	if dir == "" {
		return "."
	}
	return dir
}

func validate(m *Manifest) error {
	if m.Version != 1 {
		return usererror.New(usererror.CodeConfigUnsupportedVersion, fmt.Sprintf("unsupported manifest version: %d", m.Version)).
			WithDetails(map[string]any{"version": m.Version, "supported": []int{1}})
	}

	for name, cfg := range m.Targets {
		if !isSupportedTarget(name) {
			return usererror.New(usererror.CodeTargetUnsupported, fmt.Sprintf("unsupported target: %s", name)).
				WithDetails(map[string]any{"target": name, "allowed": SupportedTargets})
		}
		if name == "cursor" && cfg.Scope == ScopeUser {
			return usererror.New(usererror.CodeConfigInvalid, "cursor target does not support user scope").
				WithDetails(map[string]any{"target": "cursor", "allowed_scopes": []string{"project", "both"}})
		}
	}

	if _, ok := m.Profiles["default"]; !ok {
		return usererror.New(usererror.CodeConfigInvalid, "missing required profile: default").
			WithDetails(map[string]any{"profile": "default"})
	}

	seen := make(map[string]bool, len(m.Modules))
	for _, mod := range m.Modules {
		if seen[mod.ID] {
			return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("duplicate module id: %s", mod.ID)).
				WithDetails(map[string]any{"module_id": mod.ID})
		}
		seen[mod.ID] = true

		for _, t := range mod.Targets {
			if !isSupportedTarget(t) {
				return usererror.New(usererror.CodeTargetUnsupported, fmt.Sprintf("module %s has unsupported target: %s", mod.ID, t)).
					WithDetails(map[string]any{"module_id": mod.ID, "target": t, "allowed": SupportedTargets})
			}
		}

		if mod.SourceSpec.Kind() == source.KindInvalid {
			return usererror.New(usererror.CodeConfigInvalid, fmt.Sprintf("module %s must have exactly one source type (local_path or git)", mod.ID)).
				WithDetails(map[string]any{"module_id": mod.ID})
		}
	}

	return nil
}
