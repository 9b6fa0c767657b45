// Package markers formats and splits the module-boundary comments used
// when several instructions modules are concatenated into one target file
// (e.g. a combined AGENTS.md), so a later command can tell which module
// contributed which section.
package markers

import (
	"fmt"
	"strings"
)

const (
	openPrefix = "<!-- agentpack:module="
	openSuffix = " -->"
	closeTag   = "<!-- /agentpack -->"
)

// FormatModuleSection wraps text in a module marker pair, leaving a blank
// line before the closing marker (e.g. "<!-- agentpack:module=m -->\n# one\n\n<!-- /agentpack -->"),
// matching the combined-output scenario spelled out in spec.md §8.
func FormatModuleSection(moduleID, text string) string {
	return fmt.Sprintf("%s%s%s\n%s\n\n%s", openPrefix, moduleID, openSuffix, strings.TrimRight(text, "\n"), closeTag)
}

// Section is one marked or unmarked chunk recovered by Split.
type Section struct {
	ModuleID string // empty for content outside any marker pair
	Text     string
}

// Split recovers the per-module sections from text previously produced by
// FormatModuleSection (and joined with "\n\n---\n\n", as the target
// adapters do), so an evolve/restore pass can reattach edits to the
// module that produced them. Content outside any marker pair is returned
// as a Section with an empty ModuleID.
func Split(text string) []Section {
	var sections []Section
	lines := strings.Split(text, "\n")

	var cur *Section
	var body []string
	flush := func() {
		if cur != nil {
			cur.Text = strings.TrimRight(strings.Join(body, "\n"), "\n")
			sections = append(sections, *cur)
			cur = nil
			body = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, openPrefix) && strings.HasSuffix(trimmed, openSuffix) {
			flush()
			id := strings.TrimSuffix(strings.TrimPrefix(trimmed, openPrefix), openSuffix)
			cur = &Section{ModuleID: id}
			continue
		}
		if trimmed == closeTag {
			flush()
			continue
		}
		if cur != nil {
			body = append(body, line)
		} else if trimmed != "" && trimmed != "---" {
			sections = append(sections, Section{Text: line})
		}
	}
	flush()

	return sections
}
