// Package store manages the content-addressed git checkout cache rooted at
// <home>/store/git/<module-id>/<commit>. Grounded on the original source's
// store.rs.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liqiongyu/agentpack/internal/gitutil"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// Store is the content-addressed checkout cache.
type Store struct {
	root string
}

// New returns a Store rooted at storeDir (typically <home>/store).
func New(storeDir string) *Store {
	return &Store{root: storeDir}
}

// EnsureLayout creates the store's top-level directories.
func (s *Store) EnsureLayout() error {
	if err := os.MkdirAll(filepath.Join(s.root, "git"), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return nil
}

// ResolveCommit resolves a GitSource's ref (or semver constraint) to a
// commit sha via a remote ls-remote, without touching the local checkout
// cache.
func (s *Store) ResolveCommit(ctx context.Context, src manifest.GitSource) (string, error) {
	ref := src.Ref
	if ref == "" {
		ref = "main"
	}
	return gitutil.ResolveRef(ctx, src.URL, ref, src.Semver)
}

// GitCheckoutDir returns the content-addressed checkout directory for a
// module id and resolved commit, without creating it.
func (s *Store) GitCheckoutDir(moduleID, commit string) string {
	return filepath.Join(s.root, "git", ids.SanitizeModuleID(moduleID), commit)
}

// EnsureGitCheckout guarantees the checkout directory for (moduleID,
// commit) exists, cloning and checking out src's commit if necessary. The
// directory is keyed by the sanitized module id and the commit, so two
// modules at the same commit get separate checkouts; an existing directory
// is reused as-is. Concurrent calls for the same key are not coordinated
// (see gitutil.CloneCheckout).
func (s *Store) EnsureGitCheckout(ctx context.Context, moduleID string, src manifest.GitSource, commit string) (string, error) {
	if err := s.EnsureLayout(); err != nil {
		return "", err
	}
	dir := s.GitCheckoutDir(moduleID, commit)
	ref := src.Ref
	if ref == "" {
		ref = "main"
	}
	shallow := true
	if src.Shallow != nil {
		shallow = *src.Shallow
	}
	if err := gitutil.CloneCheckout(ctx, src.URL, ref, commit, dir, shallow); err != nil {
		return "", fmt.Errorf("ensure git checkout for module %s: %w", moduleID, err)
	}
	return dir, nil
}

// ModuleRootInCheckout joins a checkout directory with a module's subdir,
// returning the checkout directory unchanged when subdir is empty.
func ModuleRootInCheckout(checkoutDir, subdir string) string {
	if subdir == "" {
		return checkoutDir
	}
	return filepath.Join(checkoutDir, subdir)
}
