package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/liqiongyu/agentpack/internal/manifest"
)

func testManifest(modulePath string) *manifest.Manifest {
	return &manifest.Manifest{
		Version:  1,
		Profiles: map[string]manifest.Profile{"default": {}},
		Modules: []manifest.Module{
			{
				ID:         "instructions:a",
				Type:       manifest.TypeInstructions,
				SourceSpec: manifest.ModuleSource{LocalPath: &manifest.LocalPathSource{Path: modulePath}},
			},
		},
	}
}

func TestEnsureSkeletonCopiesUpstreamOnCreate(t *testing.T) {
	repoRoot := t.TempDir()
	homeStore := t.TempDir()
	modDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "AGENTS.md"), []byte("upstream content"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := testManifest(filepath.Join("modules", "a"))
	overlayDir := filepath.Join(t.TempDir(), "overlay")

	sk, err := EnsureSkeleton(context.Background(), homeStore, repoRoot, m, "instructions:a", overlayDir)
	if err != nil {
		t.Fatalf("EnsureSkeleton failed: %v", err)
	}
	if !sk.Created {
		t.Error("expected Created=true on first call")
	}

	data, err := os.ReadFile(filepath.Join(overlayDir, "AGENTS.md"))
	if err != nil {
		t.Fatalf("expected upstream file copied into overlay: %v", err)
	}
	if string(data) != "upstream content" {
		t.Errorf("content = %q, want %q", data, "upstream content")
	}

	meta, err := ReadMeta(overlayDir)
	if err != nil {
		t.Fatalf("ReadMeta failed: %v", err)
	}
	if meta.OverlayKind != KindDir {
		t.Errorf("OverlayKind = %q, want %q", meta.OverlayKind, KindDir)
	}

	baseline, err := ReadBaseline(overlayDir)
	if err != nil {
		t.Fatalf("ReadBaseline failed: %v", err)
	}
	if baseline.UpstreamSHA256 == "" {
		t.Error("expected non-empty UpstreamSHA256")
	}
}

func TestEnsureSkeletonSecondCallNotCreated(t *testing.T) {
	repoRoot := t.TempDir()
	homeStore := t.TempDir()
	modDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "AGENTS.md"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := testManifest(filepath.Join("modules", "a"))
	overlayDir := filepath.Join(t.TempDir(), "overlay")

	if _, err := EnsureSkeleton(context.Background(), homeStore, repoRoot, m, "instructions:a", overlayDir); err != nil {
		t.Fatalf("first EnsureSkeleton failed: %v", err)
	}

	// Simulate a user edit that should survive a repeat EnsureSkeleton call.
	if err := os.WriteFile(filepath.Join(overlayDir, "AGENTS.md"), []byte("user edit"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sk, err := EnsureSkeleton(context.Background(), homeStore, repoRoot, m, "instructions:a", overlayDir)
	if err != nil {
		t.Fatalf("second EnsureSkeleton failed: %v", err)
	}
	if sk.Created {
		t.Error("expected Created=false on second call")
	}
	data, _ := os.ReadFile(filepath.Join(overlayDir, "AGENTS.md"))
	if string(data) != "user edit" {
		t.Errorf("expected user edit preserved, got %q", data)
	}
}

func TestEnsureSkeletonSparseDoesNotCopyContent(t *testing.T) {
	repoRoot := t.TempDir()
	homeStore := t.TempDir()
	modDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "AGENTS.md"), []byte("upstream"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := testManifest(filepath.Join("modules", "a"))
	overlayDir := filepath.Join(t.TempDir(), "overlay")

	if _, err := EnsureSkeletonSparse(context.Background(), homeStore, repoRoot, m, "instructions:a", overlayDir); err != nil {
		t.Fatalf("EnsureSkeletonSparse failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(overlayDir, "AGENTS.md")); !os.IsNotExist(err) {
		t.Errorf("expected sparse skeleton to not copy upstream content, stat err = %v", err)
	}
	if _, err := ReadBaseline(overlayDir); err != nil {
		t.Errorf("expected baseline still written for sparse skeleton: %v", err)
	}
}

func TestReadMetaDefaultsToDirWhenAbsent(t *testing.T) {
	overlayDir := t.TempDir()
	meta, err := ReadMeta(overlayDir)
	if err != nil {
		t.Fatalf("ReadMeta failed: %v", err)
	}
	if meta.OverlayKind != KindDir {
		t.Errorf("OverlayKind = %q, want %q when overlay.json absent", meta.OverlayKind, KindDir)
	}
}

func TestReadBaselineMissingReturnsUserError(t *testing.T) {
	overlayDir := t.TempDir()
	if _, err := ReadBaseline(overlayDir); err == nil {
		t.Fatal("expected error for missing baseline, got nil")
	}
}

func TestMaterializeFromUpstreamDoesNotOverwrite(t *testing.T) {
	repoRoot := t.TempDir()
	homeStore := t.TempDir()
	modDir := filepath.Join(repoRoot, "modules", "a")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "AGENTS.md"), []byte("upstream"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "new.md"), []byte("new upstream file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := testManifest(filepath.Join("modules", "a"))
	overlayDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(overlayDir, "AGENTS.md"), []byte("existing edit"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := MaterializeFromUpstream(context.Background(), homeStore, repoRoot, m, "instructions:a", overlayDir); err != nil {
		t.Fatalf("MaterializeFromUpstream failed: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(overlayDir, "AGENTS.md"))
	if string(got) != "existing edit" {
		t.Errorf("expected existing file preserved, got %q", got)
	}
	got, _ = os.ReadFile(filepath.Join(overlayDir, "new.md"))
	if string(got) != "new upstream file" {
		t.Errorf("expected new upstream file materialized, got %q", got)
	}
}
