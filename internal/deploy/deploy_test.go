package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDesiredStateInsertAndGet(t *testing.T) {
	d := NewDesiredState()
	d.Insert("codex", "/tmp/out/AGENTS.md", []byte("hello"), "instructions:a")

	got, ok := d.Get(TargetPath{Target: "codex", Path: "/tmp/out/AGENTS.md"})
	if !ok {
		t.Fatal("Get returned ok=false for inserted path")
	}
	if string(got) != "hello" {
		t.Errorf("Get bytes = %q, want %q", got, "hello")
	}
	if ids := d.ModuleIDs(TargetPath{Target: "codex", Path: "/tmp/out/AGENTS.md"}); len(ids) != 1 || ids[0] != "instructions:a" {
		t.Errorf("ModuleIDs = %v, want [instructions:a]", ids)
	}
}

func TestDesiredStateNoConflictOnIdenticalBytes(t *testing.T) {
	d := NewDesiredState()
	key := TargetPath{Target: "codex", Path: "AGENTS.md"}
	d.Insert(key.Target, key.Path, []byte("same"), "instructions:a")
	d.Insert(key.Target, key.Path, []byte("same"), "instructions:b")

	if conflicts := d.Conflicts(); len(conflicts) != 0 {
		t.Fatalf("expected no conflicts for identical bytes, got %+v", conflicts)
	}
	ids := d.ModuleIDs(key)
	if len(ids) != 2 {
		t.Errorf("expected both contributing module ids recorded, got %v", ids)
	}
}

func TestDesiredStateConflictOnDivergentBytes(t *testing.T) {
	d := NewDesiredState()
	key := TargetPath{Target: "codex", Path: "AGENTS.md"}
	d.Insert(key.Target, key.Path, []byte("version-a"), "instructions:a")
	d.Insert(key.Target, key.Path, []byte("version-b"), "instructions:b")

	conflicts := d.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(conflicts), conflicts)
	}
	if conflicts[0].Target != "codex" || conflicts[0].Path != "AGENTS.md" {
		t.Errorf("conflict = %+v", conflicts[0])
	}
	if len(conflicts[0].ModuleIDs) != 2 {
		t.Errorf("expected 2 contributing module ids, got %v", conflicts[0].ModuleIDs)
	}
}

func TestPlanCreateUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	unchangedPath := filepath.Join(dir, "unchanged.md")
	updatedPath := filepath.Join(dir, "updated.md")
	createPath := filepath.Join(dir, "created.md")
	deletedPath := filepath.Join(dir, "deleted.md")

	if err := os.WriteFile(unchangedPath, []byte("same"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(updatedPath, []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(deletedPath, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	desired := NewDesiredState()
	desired.Insert("codex", unchangedPath, []byte("same"), "m1")
	desired.Insert("codex", updatedPath, []byte("new"), "m1")
	desired.Insert("codex", createPath, []byte("brand new"), "m1")

	managed := NewManagedPaths()
	managed.Insert(TargetPath{Target: "codex", Path: unchangedPath})
	managed.Insert(TargetPath{Target: "codex", Path: updatedPath})
	managed.Insert(TargetPath{Target: "codex", Path: deletedPath})

	result := Plan(desired, managed)

	byPath := make(map[string]Change, len(result.Changes))
	for _, c := range result.Changes {
		byPath[c.Path] = c
	}

	if _, ok := byPath[unchangedPath]; ok {
		t.Errorf("unchanged path should not appear in plan, got %+v", byPath[unchangedPath])
	}
	if c, ok := byPath[updatedPath]; !ok || c.Op != OpUpdate || c.UpdateKind != UpdateKindNormal {
		t.Errorf("updated path = %+v, want normal update", c)
	}
	if c, ok := byPath[createPath]; !ok || c.Op != OpCreate {
		t.Errorf("created path = %+v, want create", c)
	}
	if c, ok := byPath[deletedPath]; !ok || c.Op != OpDelete {
		t.Errorf("deleted path = %+v, want delete", c)
	}
}

func TestPlanAdoptUpdateForUnmanagedExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	if err := os.WriteFile(path, []byte("hand written"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	desired := NewDesiredState()
	desired.Insert("codex", path, []byte("generated"), "m1")

	result := Plan(desired, NewManagedPaths())
	if len(result.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d: %+v", len(result.Changes), result.Changes)
	}
	if result.Changes[0].UpdateKind != UpdateKindAdopt {
		t.Errorf("UpdateKind = %q, want %q", result.Changes[0].UpdateKind, UpdateKindAdopt)
	}
}

func TestPlanWithNilManagedPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	desired := NewDesiredState()
	desired.Insert("codex", path, []byte("content"), "m1")

	result := Plan(desired, nil)
	if len(result.Changes) != 1 || result.Changes[0].Op != OpCreate {
		t.Fatalf("expected a single create change with nil managed paths, got %+v", result.Changes)
	}
}
