package project

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available on PATH")
	}
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v: %s", args, err, out)
	}
}

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	runGitCmd(t, dir, "init", "-q")
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitCmd(t, dir, "add", "README.md")
	runGitCmd(t, dir, "commit", "-q", "-m", "initial")
}

func TestDetectOutsideGitRepoFallsBackToCWD(t *testing.T) {
	dir := t.TempDir()
	got, err := Detect(context.Background(), dir)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if got.ProjectRoot != dir {
		t.Errorf("ProjectRoot = %q, want %q", got.ProjectRoot, dir)
	}
	if got.OriginURL != "" {
		t.Errorf("OriginURL = %q, want empty outside a git repo", got.OriginURL)
	}
	if got.ProjectID == "" {
		t.Error("expected a non-empty ProjectID")
	}
}

func TestDetectWithinGitRepoResolvesToplevel(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	initGitRepo(t, root)

	sub := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Detect(context.Background(), sub)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	// git may resolve symlinked tmp paths (e.g. macOS /tmp -> /private/tmp);
	// compare the resolved toplevel to itself being a prefix-stable root.
	if got.CWD != sub {
		t.Errorf("CWD = %q, want %q", got.CWD, sub)
	}
	if got.ProjectRoot == sub {
		t.Errorf("ProjectRoot should resolve to the repo toplevel, not the subdirectory")
	}
	if got.OriginURL != "" {
		t.Errorf("OriginURL = %q, want empty with no configured remote", got.OriginURL)
	}
}

func TestDetectUsesOriginRemoteWhenPresent(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	initGitRepo(t, root)
	runGitCmd(t, root, "remote", "add", "origin", "git@github.com:org/repo.git")

	got, err := Detect(context.Background(), root)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if got.OriginURL != "git@github.com:org/repo.git" {
		t.Errorf("OriginURL = %q", got.OriginURL)
	}

	want := projectID(normalizeGitRemote("https://github.com/org/repo.git"))
	if got.ProjectID != want {
		t.Errorf("ProjectID = %q, want %q (ssh and https remotes must normalize to the same id)", got.ProjectID, want)
	}
}

func TestNormalizeGitRemoteEquatesSSHAndHTTPSForms(t *testing.T) {
	cases := []string{
		"git@github.com:org/repo.git",
		"https://github.com/org/repo.git",
		"https://github.com/org/repo",
		"http://github.com/org/repo",
		"ssh://git@github.com/org/repo.git",
		"GIT@GITHUB.COM:org/repo.git",
	}
	want := normalizeGitRemote(cases[0])
	for _, c := range cases[1:] {
		if got := normalizeGitRemote(c); got != want {
			t.Errorf("normalizeGitRemote(%q) = %q, want %q", c, got, want)
		}
	}
}

func TestProjectIDIsStableAndDistinctPerInput(t *testing.T) {
	a := projectID("same-input")
	b := projectID("same-input")
	if a != b {
		t.Error("projectID must be deterministic for the same input")
	}
	c := projectID("different-input")
	if a == c {
		t.Error("projectID must differ for different inputs")
	}
}
