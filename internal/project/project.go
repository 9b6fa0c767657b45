// Package project detects the current project's identity: its root
// directory and a stable id derived from its git remote (or, absent a
// remote, a canonicalized path), used to key project-scoped overlays.
package project

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os/exec"
	"path/filepath"
	"strings"
)

// Context describes the project the current command is running against.
type Context struct {
	CWD         string
	ProjectRoot string
	ProjectID   string
	OriginURL   string
}

// Detect resolves the project context for cwd: the git toplevel (falling
// back to cwd itself outside a git repo), the origin remote URL if any,
// and a stable id derived from the normalized origin (or, absent one,
// the canonicalized project root path).
func Detect(ctx context.Context, cwd string) (Context, error) {
	root := cwd
	if toplevel, err := runGit(ctx, cwd, "rev-parse", "--show-toplevel"); err == nil {
		if trimmed := strings.TrimSpace(toplevel); trimmed != "" {
			root = trimmed
		}
	}

	var origin string
	if out, err := runGit(ctx, root, "remote", "get-url", "origin"); err == nil {
		origin = strings.TrimSpace(out)
	}

	var idSource string
	if origin != "" {
		idSource = normalizeGitRemote(origin)
	} else {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		idSource = filepath.ToSlash(filepath.Clean(abs))
	}

	return Context{
		CWD:         cwd,
		ProjectRoot: root,
		ProjectID:   projectID(idSource),
		OriginURL:   origin,
	}, nil
}

func projectID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// normalizeGitRemote maps a git remote URL to a stable, case-insensitive
// form so "git@github.com:org/repo.git", "https://github.com/org/repo",
// and "https://github.com/org/repo.git" all normalize to the same id.
func normalizeGitRemote(remote string) string {
	r := strings.ToLower(strings.TrimSpace(remote))
	r = strings.TrimSuffix(r, ".git")

	if rest, ok := strings.CutPrefix(r, "git@"); ok {
		if host, path, found := strings.Cut(rest, ":"); found {
			r = host + "/" + path
		}
	}
	r = strings.TrimPrefix(r, "https://")
	r = strings.TrimPrefix(r, "http://")
	r = strings.TrimPrefix(r, "ssh://git@")
	r = strings.TrimPrefix(r, "ssh://")

	return strings.ToLower(r)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}
