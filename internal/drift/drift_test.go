package drift

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/targetmanifest"
	"github.com/liqiongyu/agentpack/internal/targets"
)

func writeManifest(t *testing.T, root, target string, paths ...string) {
	t.Helper()
	entries := make([]targetmanifest.ManagedFileEntry, len(paths))
	for i, p := range paths {
		entries[i] = targetmanifest.ManagedFileEntry{Path: p}
	}
	if err := targetmanifest.Write(root, target, entries); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// TestScanDetectsMissingDesiredFile is spec.md §8 scenario 5's drift half:
// a file this tool deployed and recorded in the manifest, then removed out
// of band, should surface as exactly one "missing" item.
func TestScanDetectsMissingDesiredFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "AGENTS.md")
	writeManifest(t, root, "codex", "AGENTS.md")

	desired := deploy.NewDesiredState()
	desired.Insert("codex", path, []byte("desired\n"), "instructions:one")

	roots := []targets.TargetRoot{{Target: "codex", Root: root}}
	report, err := Scan(desired, roots, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if report.Summary.Missing != 1 || report.Summary.Modified != 0 || report.Summary.Extra != 0 {
		t.Fatalf("Summary = %+v, want exactly one missing", report.Summary)
	}
	if len(report.Items) != 1 || report.Items[0].Kind != KindMissing {
		t.Fatalf("Items = %+v, want a single missing item", report.Items)
	}
}

func TestScanDetectsModifiedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "AGENTS.md")
	if err := os.WriteFile(path, []byte("drifted\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, root, "codex", "AGENTS.md")

	desired := deploy.NewDesiredState()
	desired.Insert("codex", path, []byte("desired\n"), "instructions:one")

	roots := []targets.TargetRoot{{Target: "codex", Root: root}}
	report, err := Scan(desired, roots, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if report.Summary.Modified != 1 {
		t.Fatalf("Summary = %+v, want one modified", report.Summary)
	}
	if report.Items[0].Expected == report.Items[0].Actual {
		t.Error("expected and actual hashes should differ for a modified file")
	}
}

func TestScanDetectsExtraFileWhenScanExtrasEnabled(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "AGENTS.md")
	if err := os.WriteFile(path, []byte("desired\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	extra := filepath.Join(root, "extra.md")
	if err := os.WriteFile(extra, []byte("not ours\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, root, "codex", "AGENTS.md")

	desired := deploy.NewDesiredState()
	desired.Insert("codex", path, []byte("desired\n"), "instructions:one")

	roots := []targets.TargetRoot{{Target: "codex", Root: root, ScanExtras: true}}
	report, err := Scan(desired, roots, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if report.Summary.Extra != 1 {
		t.Fatalf("Summary = %+v, want one extra", report.Summary)
	}
}

func TestScanIgnoresExtraFileMatchingIgnoreGlob(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "AGENTS.md")
	if err := os.WriteFile(path, []byte("desired\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, root, "codex", "AGENTS.md")

	desired := deploy.NewDesiredState()
	desired.Insert("codex", path, []byte("desired\n"), "instructions:one")

	roots := []targets.TargetRoot{{Target: "codex", Root: root, ScanExtras: true}}
	report, err := Scan(desired, roots, ScanOptions{IgnoreGlobs: []string{"README.md"}})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if report.Summary.Extra != 0 {
		t.Fatalf("Summary = %+v, want ignored file excluded from extra count", report.Summary)
	}
}

func TestScanNoManifestFallsBackAndFlagsNeedsDeployApply(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "AGENTS.md")

	desired := deploy.NewDesiredState()
	desired.Insert("codex", path, []byte("desired\n"), "instructions:one")

	roots := []targets.TargetRoot{{Target: "codex", Root: root, ScanExtras: true}}
	report, err := Scan(desired, roots, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !report.NeedsDeployApply {
		t.Error("expected NeedsDeployApply when no manifest exists")
	}
	if report.AnyManifest {
		t.Error("expected AnyManifest to be false")
	}
	if report.Summary.Missing != 1 {
		t.Fatalf("Summary = %+v, want the desired-but-absent file reported as missing", report.Summary)
	}
}

func TestScanCleanTreeReturnsNoItems(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "AGENTS.md")
	if err := os.WriteFile(path, []byte("desired\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, root, "codex", "AGENTS.md")

	desired := deploy.NewDesiredState()
	desired.Insert("codex", path, []byte("desired\n"), "instructions:one")

	roots := []targets.TargetRoot{{Target: "codex", Root: root, ScanExtras: true}}
	report, err := Scan(desired, roots, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(report.Items) != 0 {
		t.Errorf("expected no drift items for a clean tree, got %+v", report.Items)
	}
}
