// Package deploy computes the desired on-disk state for each target and
// diffs it against what this tool previously wrote, producing a plan of
// file creates/updates/deletes for the applier to carry out.
//
// There is no single upstream source file this package was transcribed
// from: it is reconstructed from the call-site contract used throughout
// the overlay/apply/target-adapter code (insert_desired_file, the
// Op/PlanResult/TargetPath shapes consumed by the applier, and
// DesiredState::get). See the design note in the project's grounding
// ledger.
package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sort"

	"github.com/liqiongyu/agentpack/internal/state"
)

// TargetPath identifies one file within one target's output tree.
type TargetPath struct {
	Target string
	Path   string
}

// desiredEntry is the desired content for one TargetPath, tagged with the
// module(s) that contributed it (for diagnostics and conflict errors).
type desiredEntry struct {
	bytes      []byte
	moduleIDs  []string
	conflicted bool
}

// DesiredState accumulates every target adapter's desired file contents
// for a single render pass, detecting the case where two modules try to
// own the same output path.
type DesiredState struct {
	entries map[TargetPath]desiredEntry
}

// NewDesiredState returns an empty DesiredState.
func NewDesiredState() *DesiredState {
	return &DesiredState{entries: make(map[TargetPath]desiredEntry)}
}

// Conflict describes two modules that both produced content for the same
// target path.
type Conflict struct {
	Target    string
	Path      string
	ModuleIDs []string
}

// Insert records moduleID's desired bytes for (target, path).
func (d *DesiredState) Insert(target, path string, bytes []byte, moduleID string) {
	d.InsertMany(target, path, bytes, []string{moduleID})
}

// InsertMany records bytes for (target, path) as jointly contributed by
// moduleIDs in a single call (e.g. several Instructions modules combined
// into one AGENTS.md). If a previous call recorded different bytes for the
// same path, the path is flagged a conflict regardless of which modules
// contributed which version; two calls that happen to produce identical
// bytes for the same path are never a conflict, even from unrelated
// modules.
func (d *DesiredState) InsertMany(target, path string, bytes []byte, moduleIDs []string) {
	key := TargetPath{Target: target, Path: path}
	existing, ok := d.entries[key]
	if !ok {
		d.entries[key] = desiredEntry{bytes: bytes, moduleIDs: append([]string(nil), moduleIDs...)}
		return
	}
	if string(existing.bytes) != string(bytes) {
		existing.conflicted = true
	}
	existing.bytes = bytes
	for _, id := range moduleIDs {
		if !containsString(existing.moduleIDs, id) {
			existing.moduleIDs = append(existing.moduleIDs, id)
		}
	}
	d.entries[key] = existing
}

// Get returns the desired bytes recorded for key, if any.
func (d *DesiredState) Get(key TargetPath) ([]byte, bool) {
	entry, ok := d.entries[key]
	if !ok {
		return nil, false
	}
	return entry.bytes, true
}

// ModuleIDs returns the module(s) that contributed content at key, if any.
func (d *DesiredState) ModuleIDs(key TargetPath) []string {
	entry, ok := d.entries[key]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.moduleIDs...)
}

// Conflicts returns every TargetPath that received different bytes from
// different Insert/InsertMany calls.
func (d *DesiredState) Conflicts() []Conflict {
	var conflicts []Conflict
	for key, entry := range d.entries {
		if entry.conflicted {
			ids := append([]string(nil), entry.moduleIDs...)
			sort.Strings(ids)
			conflicts = append(conflicts, Conflict{Target: key.Target, Path: key.Path, ModuleIDs: ids})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Target != conflicts[j].Target {
			return conflicts[i].Target < conflicts[j].Target
		}
		return conflicts[i].Path < conflicts[j].Path
	})
	return conflicts
}

// Paths returns every TargetPath recorded, sorted by (target, path).
func (d *DesiredState) Paths() []TargetPath {
	paths := make([]TargetPath, 0, len(d.entries))
	for key := range d.entries {
		paths = append(paths, key)
	}
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Target != paths[j].Target {
			return paths[i].Target < paths[j].Target
		}
		return paths[i].Path < paths[j].Path
	})
	return paths
}

// Op is the kind of filesystem change a Change entry represents.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// UpdateKind distinguishes an OpUpdate to a path this tool already manages
// from one about to overwrite content it never wrote itself.
type UpdateKind string

const (
	UpdateKindNormal UpdateKind = "normal"
	UpdateKindAdopt  UpdateKind = "adopt"
)

// ManagedPaths is the set of TargetPaths this tool currently considers
// itself the owner of (typically read from each target root's manifest
// file), used by Plan to tell a normal update from an adopt-update of a
// previously untracked file, and to find paths that are no longer desired.
type ManagedPaths struct {
	set map[TargetPath]bool
}

// NewManagedPaths returns an empty ManagedPaths.
func NewManagedPaths() *ManagedPaths {
	return &ManagedPaths{set: make(map[TargetPath]bool)}
}

// Insert adds tp to the managed set.
func (m *ManagedPaths) Insert(tp TargetPath) {
	m.set[tp] = true
}

// Contains reports whether tp is in the managed set. A nil receiver (no
// managed-paths information available) contains nothing.
func (m *ManagedPaths) Contains(tp TargetPath) bool {
	if m == nil {
		return false
	}
	return m.set[tp]
}

// Paths returns every managed TargetPath, sorted by (target, path).
func (m *ManagedPaths) Paths() []TargetPath {
	if m == nil {
		return nil
	}
	paths := make([]TargetPath, 0, len(m.set))
	for key := range m.set {
		paths = append(paths, key)
	}
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Target != paths[j].Target {
			return paths[i].Target < paths[j].Target
		}
		return paths[i].Path < paths[j].Path
	})
	return paths
}

// Change is one file this tool needs to create, update, or delete to reach
// the desired state.
type Change struct {
	Target       string     `json:"target"`
	Op           Op         `json:"op"`
	Path         string     `json:"path"`
	BeforeSHA256 string     `json:"before_sha256,omitempty"`
	AfterSHA256  string     `json:"after_sha256,omitempty"`
	UpdateKind   UpdateKind `json:"update_kind,omitempty"`
}

// PlanResult is the full set of changes needed to reach a DesiredState,
// plus the ManagedFile records the next snapshot should carry forward.
type PlanResult struct {
	Changes      []Change
	ManagedFiles []state.ManagedFile
}

// Plan diffs desired against the set of paths this tool previously managed
// (nil/empty if this is the first deploy to every target), producing
// Create changes for new desired paths, Update changes for desired paths
// whose on-disk content differs (tagged UpdateKindAdopt when the path
// wasn't previously managed, UpdateKindNormal otherwise), and Delete
// changes for previously managed paths no longer desired.
func Plan(desired *DesiredState, managed *ManagedPaths) PlanResult {
	var changes []Change
	var nextManaged []state.ManagedFile

	for _, key := range desired.Paths() {
		bytes, _ := desired.Get(key)
		afterSHA := sha256Hex(bytes)
		nextManaged = append(nextManaged, state.ManagedFile{Target: key.Target, Path: key.Path, SHA256: afterSHA})

		current, currentErr := os.ReadFile(key.Path)
		switch {
		case currentErr != nil:
			changes = append(changes, Change{Target: key.Target, Op: OpCreate, Path: key.Path, AfterSHA256: afterSHA})
		case sha256Hex(current) != afterSHA:
			kind := UpdateKindNormal
			if !managed.Contains(key) {
				kind = UpdateKindAdopt
			}
			changes = append(changes, Change{
				Target: key.Target, Op: OpUpdate, Path: key.Path,
				BeforeSHA256: sha256Hex(current), AfterSHA256: afterSHA, UpdateKind: kind,
			})
		}
	}

	for _, key := range managed.Paths() {
		if _, stillDesired := desired.Get(key); stillDesired {
			continue
		}
		current, err := os.ReadFile(key.Path)
		if err != nil {
			continue
		}
		changes = append(changes, Change{
			Target: key.Target, Op: OpDelete, Path: key.Path, BeforeSHA256: sha256Hex(current),
		})
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Target != changes[j].Target {
			return changes[i].Target < changes[j].Target
		}
		return changes[i].Path < changes[j].Path
	})

	return PlanResult{Changes: changes, ManagedFiles: nextManaged}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
