// Package machineid detects and normalizes the identifier used to key
// machine-scoped overlays, so the same physical machine resolves to the
// same overlay directory across runs even if the hostname changes case.
// Dots are kept, so a hostname that picks up a domain suffix yields a
// different id.
package machineid

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// Normalize lowercases and trims a user- or env-supplied machine id,
// stripping characters that would be unsafe as a path component.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Detect resolves the current machine's id: AGENTPACK_MACHINE_ID if set,
// else the OS hostname (normalized), else a random UUID as a last resort
// for hosts where hostname lookup fails.
func Detect() (string, error) {
	if env := os.Getenv("AGENTPACK_MACHINE_ID"); env != "" {
		if normalized := Normalize(env); normalized != "" {
			return normalized, nil
		}
	}
	if host, err := os.Hostname(); err == nil {
		if normalized := Normalize(host); normalized != "" {
			return normalized, nil
		}
	}
	return uuid.NewString(), nil
}
