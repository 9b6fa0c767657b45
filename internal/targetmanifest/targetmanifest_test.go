package targetmanifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/targets"
)

func entries(paths ...string) []ManagedFileEntry {
	out := make([]ManagedFileEntry, 0, len(paths))
	for _, p := range paths {
		out = append(out, ManagedFileEntry{Path: p})
	}
	return out
}

func TestWriteThenReadSoftRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := Write(root, "codex", entries("AGENTS.md", "skills/review/SKILL.md")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	m, warnings := ReadSoft(Path(root), "codex")
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if m == nil {
		t.Fatal("expected non-nil manifest")
	}
	if len(m.ManagedFiles) != 2 {
		t.Fatalf("ManagedFiles = %+v", m.ManagedFiles)
	}
	if m.ManagedFiles[0].Path != "AGENTS.md" {
		t.Errorf("expected sorted managed files, got %+v", m.ManagedFiles)
	}
}

func TestWritePersistsModuleIDs(t *testing.T) {
	root := t.TempDir()
	err := Write(root, "codex", []ManagedFileEntry{
		{Path: "AGENTS.md", ModuleIDs: []string{"instructions:two", "instructions:one"}},
		{Path: "skills/review/SKILL.md", ModuleIDs: []string{"skill:review"}},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	m, warnings := ReadSoft(Path(root), "codex")
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if m == nil {
		t.Fatal("expected non-nil manifest")
	}
	if len(m.ManagedFiles) != 2 {
		t.Fatalf("ManagedFiles = %+v", m.ManagedFiles)
	}
	got := m.ManagedFiles[0]
	if got.Path != "AGENTS.md" {
		t.Fatalf("expected AGENTS.md first, got %+v", got)
	}
	want := []string{"instructions:one", "instructions:two"}
	if len(got.ModuleIDs) != 2 || got.ModuleIDs[0] != want[0] || got.ModuleIDs[1] != want[1] {
		t.Errorf("ModuleIDs = %v, want sorted %v", got.ModuleIDs, want)
	}

	raw, err := os.ReadFile(Path(root))
	if err != nil {
		t.Fatalf("read manifest file: %v", err)
	}
	if !strings.Contains(string(raw), "module_ids") || !strings.Contains(string(raw), "instructions:one") {
		t.Errorf("expected module_ids to be persisted in raw JSON, got %s", raw)
	}
}

func TestReadSoftMissingFileIsNotAnError(t *testing.T) {
	root := t.TempDir()
	m, warnings := ReadSoft(Path(root), "codex")
	if m != nil {
		t.Errorf("expected nil manifest for missing file, got %+v", m)
	}
	if warnings != nil {
		t.Errorf("expected no warnings for a simply-missing manifest, got %v", warnings)
	}
}

func TestReadSoftMalformedFileWarns(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(Path(root), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, warnings := ReadSoft(Path(root), "codex")
	if m != nil {
		t.Errorf("expected nil manifest for malformed file, got %+v", m)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning for malformed manifest, got %v", warnings)
	}
}

func TestIsManifestPath(t *testing.T) {
	if !IsManifestPath(filepath.Join("some", "dir", FileName)) {
		t.Error("expected IsManifestPath to recognize the manifest's own path")
	}
	if IsManifestPath("AGENTS.md") {
		t.Error("expected IsManifestPath to reject an unrelated path")
	}
}

func TestIsManifestPathRecognizesLegacyNames(t *testing.T) {
	if !IsManifestPath(filepath.Join("some", "dir", ".agentpack.manifest.v1.json")) {
		t.Error("expected IsManifestPath to recognize a legacy-named manifest")
	}
	if IsManifestPath(filepath.Join("some", "dir", ".agentpack.other.json")) {
		t.Error("expected IsManifestPath to reject a non-manifest dotfile")
	}
}

func TestFindPathPrefersCanonicalName(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".agentpack.manifest.v1.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write legacy manifest: %v", err)
	}
	if err := os.WriteFile(Path(root), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write canonical manifest: %v", err)
	}

	path, ok := FindPath(root)
	if !ok {
		t.Fatal("expected FindPath to find a manifest")
	}
	if path != Path(root) {
		t.Errorf("FindPath = %q, want canonical path %q", path, Path(root))
	}
}

func TestFindPathAcceptsLegacyName(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, ".agentpack.manifest.v1.json")
	if err := os.WriteFile(legacy, []byte(`{"schema_version":1,"target":"codex","managed_files":[{"path":"AGENTS.md"}]}`), 0o644); err != nil {
		t.Fatalf("write legacy manifest: %v", err)
	}

	path, ok := FindPath(root)
	if !ok {
		t.Fatal("expected FindPath to read-accept a legacy-named manifest")
	}
	if path != legacy {
		t.Errorf("FindPath = %q, want legacy path %q", path, legacy)
	}

	m, warnings := ReadSoft(path, "codex")
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if m == nil || len(m.ManagedFiles) != 1 {
		t.Fatalf("expected legacy manifest to parse, got %+v", m)
	}
}

func TestFindPathNoneExist(t *testing.T) {
	root := t.TempDir()
	path, ok := FindPath(root)
	if ok {
		t.Errorf("expected FindPath to report not-found, got path %q", path)
	}
	if path != Path(root) {
		t.Errorf("expected fallback path to be canonical path, got %q", path)
	}
}

func TestManagedPathsForRoots(t *testing.T) {
	root := t.TempDir()
	if err := Write(root, "codex", entries("AGENTS.md")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	roots := []targets.TargetRoot{{Target: "codex", Root: root}}

	managed, anyManifest, warnings := ManagedPathsForRoots(roots)
	if !anyManifest {
		t.Error("expected anyManifest=true")
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if !managed.Contains(deploy.TargetPath{Target: "codex", Path: filepath.Join(root, "AGENTS.md")}) {
		t.Error("expected managed paths to contain the written file")
	}
}

func TestManagedPathsForRootsAcceptsLegacyManifest(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, ".agentpack.manifest.v1.json")
	if err := os.WriteFile(legacy, []byte(`{"schema_version":1,"target":"codex","managed_files":[{"path":"AGENTS.md"}]}`), 0o644); err != nil {
		t.Fatalf("write legacy manifest: %v", err)
	}
	roots := []targets.TargetRoot{{Target: "codex", Root: root}}

	managed, anyManifest, warnings := ManagedPathsForRoots(roots)
	if !anyManifest {
		t.Error("expected anyManifest=true for a legacy-named manifest")
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if !managed.Contains(deploy.TargetPath{Target: "codex", Path: filepath.Join(root, "AGENTS.md")}) {
		t.Error("expected managed paths to contain the file from the legacy manifest")
	}
}

func TestManagedPathsForRootsNoneExist(t *testing.T) {
	roots := []targets.TargetRoot{{Target: "codex", Root: t.TempDir()}}
	_, anyManifest, warnings := ManagedPathsForRoots(roots)
	if anyManifest {
		t.Error("expected anyManifest=false when no manifest exists")
	}
	if len(warnings) != 1 {
		t.Errorf("expected a degraded-accuracy warning, got %v", warnings)
	}
}
