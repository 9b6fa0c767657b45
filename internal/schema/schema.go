// Package schema provides JSON schema generation from Go struct
// definitions. It uses github.com/swaggest/jsonschema-go to generate
// schemas at runtime, ensuring schema and struct definitions stay in
// sync: producer packages register their own types via init() rather
// than this package knowing about them.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/swaggest/jsonschema-go"
)

// Schema labels for registered schemas.
const (
	LabelManifest       = "manifest"
	LabelLockfile       = "lockfile"
	LabelEventRecord    = "event-record"
	LabelTargetManifest = "target-manifest"
	LabelModuleScore    = "module-score"
)

type schemaEntry struct {
	value      any
	skipFields []string
}

var (
	registry      = make(map[string]schemaEntry)
	registryMu    sync.RWMutex
	schemaCache   = make(map[string]string)
	schemaCacheMu sync.RWMutex
)

// Register adds a type to the schema registry. The schema is generated
// lazily on first Get() call.
func Register(label string, v any, skipFields ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[label] = schemaEntry{value: v, skipFields: skipFields}
}

// Get returns the JSON schema string for a registered label, generating
// and caching it on first access.
func Get(label string) (string, error) {
	schemaCacheMu.RLock()
	if cached, ok := schemaCache[label]; ok {
		schemaCacheMu.RUnlock()
		return cached, nil
	}
	schemaCacheMu.RUnlock()

	registryMu.RLock()
	entry, ok := registry[label]
	registryMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown schema label: %s", label)
	}

	generated, err := GenerateJSON(entry.value, entry.skipFields...)
	if err != nil {
		return "", fmt.Errorf("generate schema for %s: %w", label, err)
	}

	schemaCacheMu.Lock()
	schemaCache[label] = generated
	schemaCacheMu.Unlock()

	return generated, nil
}

// Labels returns every registered schema label.
func Labels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	labels := make([]string, 0, len(registry))
	for label := range registry {
		labels = append(labels, label)
	}
	return labels
}

// GenerateJSON generates a JSON schema string from a Go type, skipping
// any field named in skipFields.
func GenerateJSON(v any, skipFields ...string) (string, error) {
	r := jsonschema.Reflector{}

	opts := []func(*jsonschema.ReflectContext){
		jsonschema.InlineRefs,
	}

	if len(skipFields) > 0 {
		skipSet := make(map[string]bool, len(skipFields))
		for _, f := range skipFields {
			skipSet[f] = true
		}
		opts = append(opts, jsonschema.InterceptProp(
			func(params jsonschema.InterceptPropParams) error {
				if skipSet[params.Name] {
					return jsonschema.ErrSkipProperty
				}
				return nil
			},
		))
	}

	generated, err := r.Reflect(v, opts...)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(generated)
	if err != nil {
		return "", err
	}

	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return "", err
	}
	fixAdditionalProperties(node)
	raw, err = json.Marshal(node)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// fixAdditionalProperties recursively ensures that wherever
// additionalProperties is itself a schema object, properties is defined
// alongside it (some schema consumers, e.g. OpenAI's tool-call validator,
// reject the former without the latter).
func fixAdditionalProperties(node map[string]any) {
	if ap, ok := node["additionalProperties"]; ok {
		if apMap, ok := ap.(map[string]any); ok {
			if _, hasProps := node["properties"]; !hasProps {
				node["properties"] = map[string]any{}
			}
			fixAdditionalProperties(apMap)
		}
	}

	if props, ok := node["properties"].(map[string]any); ok {
		for _, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				fixAdditionalProperties(propMap)
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		fixAdditionalProperties(items)
	}
}
