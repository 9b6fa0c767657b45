// Package ids derives filesystem-safe keys from module ids and validates
// manifest-relative paths. Grounded on the original source's store.rs
// (sanitize_module_id) and paths.rs/overlay layout fs-key derivation.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// maxFsKeyLen bounds the length of a derived fs-key directory name so it
// stays well under common filesystem path-component limits even for very
// long module ids.
const maxFsKeyLen = 80

var safePathComponent = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SanitizeModuleID maps a module id to a filesystem-safe token by replacing
// path separators and any non-alphanumeric/dash/underscore rune with '_'.
// Used for content-store checkout directory names and backup bucket names.
func SanitizeModuleID(moduleID string) string {
	var b strings.Builder
	b.Grow(len(moduleID))
	for _, r := range moduleID {
		switch {
		case r == ':' || r == '/' || r == '\\':
			b.WriteByte('_')
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ModuleFsKeyUnbounded is SanitizeModuleID without a length bound. Kept
// separate so callers can detect when bounding changed the result (and
// probe the legacy unbounded path as a fallback when resolving overlays
// written by an older version of this tool).
func ModuleFsKeyUnbounded(moduleID string) string {
	return SanitizeModuleID(moduleID)
}

// ModuleFsKey derives the canonical, length-bounded overlay/store directory
// name for a module id. When the sanitized id exceeds maxFsKeyLen, it is
// truncated and suffixed with a short content hash of the full id so two
// long ids that share a long common prefix don't collide.
func ModuleFsKey(moduleID string) string {
	key := SanitizeModuleID(moduleID)
	if len(key) <= maxFsKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(moduleID))
	suffix := hex.EncodeToString(sum[:])[:8]
	cut := maxFsKeyLen - len(suffix) - 1
	if cut < 1 {
		cut = 1
	}
	return key[:cut] + "-" + suffix
}

// IsSafeLegacyPathComponent reports whether the raw module id can be used
// directly as a single path component (no separators, no "..", non-empty),
// the condition under which the legacy unsanitized overlay directory name
// is accepted at read time.
func IsSafeLegacyPathComponent(moduleID string) bool {
	if moduleID == "" || moduleID == "." || moduleID == ".." {
		return false
	}
	return safePathComponent.MatchString(moduleID)
}
