// Package validate checks that a module's materialized file tree (upstream
// content plus overlays) satisfies the shape its declared type requires,
// before it is handed to a target adapter for rendering.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

// MaterializedModule checks moduleRoot against the shape moduleType requires:
// an Instructions module needs AGENTS.md; a Skill module needs SKILL.md with
// non-empty name/description frontmatter; a Prompt module needs exactly one
// .md file; a Command module needs exactly one .md file whose frontmatter
// has a description, and (if its body invokes the bash tool) an allowed-tools
// entry that grants Bash(...).
func MaterializedModule(moduleType manifest.ModuleType, moduleID, moduleRoot string) error {
	switch moduleType {
	case manifest.TypeInstructions:
		agents := filepath.Join(moduleRoot, "AGENTS.md")
		if !isFile(agents) {
			return configInvalid(moduleID, fmt.Sprintf("instructions module %s is missing AGENTS.md", moduleID), map[string]any{
				"module_id": moduleID, "path": agents, "missing": []string{"AGENTS.md"},
			})
		}
		return nil

	case manifest.TypeSkill:
		skillMD := filepath.Join(moduleRoot, "SKILL.md")
		if !isFile(skillMD) {
			return configInvalid(moduleID, fmt.Sprintf("skill module %s is missing SKILL.md", moduleID), map[string]any{
				"module_id": moduleID, "path": skillMD, "missing": []string{"SKILL.md"},
			})
		}
		text, err := os.ReadFile(skillMD)
		if err != nil {
			return fmt.Errorf("read skill module %s: %w", skillMD, err)
		}
		return validateSkillFrontmatter(moduleID, skillMD, string(text))

	case manifest.TypePrompt:
		_, err := requireSingleMarkdownFile(moduleRoot, moduleID, "prompt")
		return err

	case manifest.TypeCommand:
		file, err := requireSingleMarkdownFile(moduleRoot, moduleID, "command")
		if err != nil {
			return err
		}
		text, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read command module %s: %w", file, err)
		}
		return validateCommandFrontmatter(moduleID, string(text))

	default:
		return configInvalid(moduleID, fmt.Sprintf("module %s has unknown type %q", moduleID, moduleType), map[string]any{"module_id": moduleID, "type": string(moduleType)})
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func requireSingleMarkdownFile(moduleRoot, moduleID, kind string) (string, error) {
	files, err := fsutil.ListFiles(moduleRoot)
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	if len(files) != 1 {
		return "", configInvalid(moduleID, fmt.Sprintf("%s module %s must contain exactly one file, found %d", kind, moduleID, len(files)), map[string]any{
			"module_id": moduleID, "kind": kind, "file_count": len(files),
		})
	}
	rel := files[0]
	if strings.ToLower(filepath.Ext(rel)) != ".md" {
		return "", configInvalid(moduleID, fmt.Sprintf("%s module %s must be a .md file: %s", kind, moduleID, rel), map[string]any{
			"module_id": moduleID, "kind": kind, "path": rel,
		})
	}
	return filepath.Join(moduleRoot, filepath.FromSlash(rel)), nil
}

func validateSkillFrontmatter(moduleID, skillMD, markdown string) error {
	frontmatter, err := extractYAMLFrontmatter(markdown)
	if err != nil {
		return configInvalid(moduleID, fmt.Sprintf("skill module %s has invalid YAML frontmatter in SKILL.md", moduleID), map[string]any{
			"module_id": moduleID, "path": skillMD, "error": err.Error(),
		})
	}
	if frontmatter == nil {
		return configInvalid(moduleID, fmt.Sprintf("skill module %s is missing YAML frontmatter in SKILL.md", moduleID), map[string]any{
			"module_id": moduleID, "path": skillMD, "missing": []string{"frontmatter"}, "required_fields": []string{"name", "description"},
		})
	}
	mapping, ok := frontmatter.(map[string]any)
	if !ok {
		return configInvalid(moduleID, fmt.Sprintf("skill module %s frontmatter must be a YAML mapping", moduleID), map[string]any{
			"module_id": moduleID, "path": skillMD, "expected": "mapping",
		})
	}
	if err := requireFrontmatterString(moduleID, skillMD, mapping, "name"); err != nil {
		return err
	}
	if err := requireFrontmatterString(moduleID, skillMD, mapping, "description"); err != nil {
		return err
	}
	return nil
}

func requireFrontmatterString(moduleID, path string, mapping map[string]any, key string) error {
	value, ok := mapping[key]
	if !ok {
		return configInvalid(moduleID, fmt.Sprintf("skill module %s frontmatter is missing %s", moduleID, key), map[string]any{
			"module_id": moduleID, "path": path, "missing": []string{key},
		})
	}
	s, ok := value.(string)
	if !ok {
		return configInvalid(moduleID, fmt.Sprintf("skill module %s frontmatter %s must be a string", moduleID, key), map[string]any{
			"module_id": moduleID, "path": path, "field": key, "expected": "string",
		})
	}
	if strings.TrimSpace(s) == "" {
		return configInvalid(moduleID, fmt.Sprintf("skill module %s frontmatter %s is empty", moduleID, key), map[string]any{
			"module_id": moduleID, "path": path, "field": key,
		})
	}
	return nil
}

func validateCommandFrontmatter(moduleID, markdown string) error {
	usesBash := strings.Contains(markdown, "!bash") || strings.Contains(markdown, "!`bash`")

	frontmatter, err := extractYAMLFrontmatter(markdown)
	if err != nil {
		return configInvalid(moduleID, fmt.Sprintf("command module %s has invalid YAML frontmatter", moduleID), map[string]any{"module_id": moduleID, "error": err.Error()})
	}
	if frontmatter == nil {
		return configInvalid(moduleID, fmt.Sprintf("command module %s is missing YAML frontmatter (--- ... ---)", moduleID), map[string]any{"module_id": moduleID})
	}
	mapping, ok := frontmatter.(map[string]any)
	if !ok {
		return configInvalid(moduleID, fmt.Sprintf("command module %s frontmatter must be a YAML mapping", moduleID), map[string]any{"module_id": moduleID})
	}

	description, _ := mapping["description"].(string)
	if strings.TrimSpace(description) == "" {
		return configInvalid(moduleID, fmt.Sprintf("command module %s frontmatter is missing description", moduleID), map[string]any{"module_id": moduleID})
	}

	if usesBash {
		allowed, ok := mapping["allowed-tools"]
		if !ok {
			return configInvalid(moduleID, fmt.Sprintf("command module %s uses bash but frontmatter is missing allowed-tools", moduleID), map[string]any{"module_id": moduleID})
		}
		if !allowedToolsAllowsBash(allowed) {
			return configInvalid(moduleID, fmt.Sprintf("command module %s uses bash but allowed-tools does not include Bash(...)", moduleID), map[string]any{"module_id": moduleID})
		}
	}
	return nil
}

func allowedToolsAllowsBash(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, "Bash(")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.Contains(s, "Bash(") {
				return true
			}
		}
	}
	return false
}

// extractYAMLFrontmatter parses the leading "---"-delimited block of
// markdown, returning nil (no error) if the text doesn't open with one.
func extractYAMLFrontmatter(markdown string) (any, error) {
	lines := strings.Split(markdown, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != "---" {
		return nil, nil
	}

	var fm []string
	foundEnd := false
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "---" {
			foundEnd = true
			break
		}
		fm = append(fm, line)
	}
	if !foundEnd {
		return nil, fmt.Errorf("unterminated YAML frontmatter (missing closing ---)")
	}

	var value any
	if err := yaml.Unmarshal([]byte(strings.Join(fm, "\n")), &value); err != nil {
		return nil, fmt.Errorf("parse YAML frontmatter: %w", err)
	}
	return normalizeYAML(value), nil
}

// normalizeYAML converts yaml.v3's map[string]interface{} (and nested
// map[string]interface{} values) so type assertions against map[string]any
// succeed regardless of how gopkg.in/yaml.v3 represents mappings.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return val
	}
}

func configInvalid(moduleID, message string, details map[string]any) error {
	return usererror.New(usererror.CodeConfigInvalid, message).WithDetails(details)
}
