package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/store"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

func TestLoadMissingLockfile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "agentpack.lock.json"))
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeLockfileMissing {
		t.Errorf("error = %v, want CodeLockfileMissing", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpack.lock.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeLockfileInvalid {
		t.Errorf("error = %v, want CodeLockfileInvalid", err)
	}
}

func TestLoadUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpack.lock.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"generated_at":"x","modules":[]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeLockfileUnsupportedVersion {
		t.Errorf("error = %v, want CodeLockfileUnsupportedVersion", err)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpack.lock.json")
	lf := &Lockfile{
		Version:     1,
		GeneratedAt: "2026-01-01T00:00:00Z",
		Modules: []LockedModule{
			{ID: "instructions:a", Type: manifest.TypeInstructions, ResolvedVersion: "local", SHA256: "abc"},
		},
	}
	if err := Save(lf, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save failed: %v", err)
	}
	if len(reloaded.Modules) != 1 || reloaded.Modules[0].ID != "instructions:a" {
		t.Fatalf("reloaded Modules = %+v", reloaded.Modules)
	}
}

func TestGenerateLocalPathModules(t *testing.T) {
	repoRoot := t.TempDir()
	moduleDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(moduleDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(moduleDir, "AGENTS.md"), []byte("content"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	original := nowRFC3339
	nowRFC3339 = func() string { return "2026-07-30T00:00:00Z" }
	defer func() { nowRFC3339 = original }()

	m := &manifest.Manifest{
		Version:  1,
		Profiles: map[string]manifest.Profile{"default": {}},
		Modules: []manifest.Module{
			{
				ID:         "instructions:a",
				Type:       manifest.TypeInstructions,
				SourceSpec: manifest.ModuleSource{LocalPath: &manifest.LocalPathSource{Path: filepath.Join("modules", "a")}},
			},
		},
	}

	st := store.New(filepath.Join(repoRoot, ".agentpack-store"))
	lf, err := Generate(context.Background(), repoRoot, m, st)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if lf.Version != 1 || lf.GeneratedAt != "2026-07-30T00:00:00Z" {
		t.Errorf("Lockfile = %+v", lf)
	}
	if len(lf.Modules) != 1 {
		t.Fatalf("Modules = %+v", lf.Modules)
	}
	got := lf.Modules[0]
	if got.ID != "instructions:a" || got.ResolvedVersion != "local" {
		t.Errorf("module = %+v", got)
	}
	if got.ResolvedSource.LocalPath == nil || got.ResolvedSource.LocalPath.Path != "modules/a" {
		t.Errorf("ResolvedSource.LocalPath = %+v", got.ResolvedSource.LocalPath)
	}
	if got.SHA256 == "" {
		t.Error("expected non-empty SHA256")
	}
}

func TestGenerateSkipsDisabledModules(t *testing.T) {
	repoRoot := t.TempDir()
	moduleDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(moduleDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(moduleDir, "AGENTS.md"), []byte("content"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	disabled := false

	m := &manifest.Manifest{
		Version:  1,
		Profiles: map[string]manifest.Profile{"default": {}},
		Modules: []manifest.Module{
			{
				ID:         "instructions:a",
				Type:       manifest.TypeInstructions,
				Enabled:    &disabled,
				SourceSpec: manifest.ModuleSource{LocalPath: &manifest.LocalPathSource{Path: filepath.Join("modules", "a")}},
			},
		},
	}

	st := store.New(filepath.Join(repoRoot, ".agentpack-store"))
	lf, err := Generate(context.Background(), repoRoot, m, st)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(lf.Modules) != 0 {
		t.Errorf("expected disabled module to be skipped, got %+v", lf.Modules)
	}
}
