// Package gitutil wraps the git subprocess calls the content store and
// overlay rebase engine need: ref resolution, shallow clone+checkout, and
// the merge-file/apply plumbing used for three-way overlay merges and patch
// overlays. Grounded on the original source's git.rs, adapted to the
// exec.CommandContext + CombinedOutput idiom used throughout the
// internal/workspace package.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var hexSHA = regexp.MustCompile(`^[0-9a-f]{40}$`)

func isHexSHA(s string) bool {
	return hexSHA.MatchString(s)
}

// ResolveRef resolves a ref name (branch, tag, or 40-hex commit sha) to a
// commit sha via "git ls-remote". A hex sha is returned unchanged without
// touching the network. When constraint is non-empty, ref is ignored and
// the highest remote tag satisfying the semver constraint is resolved
// instead (the "semver" source-spec query key).
func ResolveRef(ctx context.Context, url, ref, constraint string) (string, error) {
	if constraint != "" {
		return resolveSemverRef(ctx, url, constraint)
	}

	if isHexSHA(ref) {
		return ref, nil
	}

	patterns := []string{
		"refs/heads/" + ref,
		"refs/tags/" + ref,
		"refs/tags/" + ref + "^{}",
	}
	args := append([]string{"ls-remote", url}, patterns...)
	cmd := exec.CommandContext(ctx, "git", args...)

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote failed: %w", err)
	}

	var direct, peeled string
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sha, r := fields[0], fields[1]
		if strings.HasSuffix(r, "^{}") {
			peeled = sha
		} else if direct == "" {
			direct = sha
		}
	}
	if peeled != "" {
		return peeled, nil
	}
	if direct != "" {
		return direct, nil
	}
	return "", fmt.Errorf("ref not found: %s", ref)
}

// resolveSemverRef lists remote tags, parses each as a semver version
// (tolerating a leading "v"), and returns the commit sha of the highest
// version satisfying constraint.
func resolveSemverRef(ctx context.Context, url, constraint string) (string, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("invalid semver constraint %q: %w", constraint, err)
	}

	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--tags", url)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote --tags failed: %w", err)
	}

	type candidate struct {
		version *semver.Version
		sha     string
	}
	best := map[string]candidate{}
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sha, ref := fields[0], fields[1]
		tag := strings.TrimSuffix(strings.TrimPrefix(ref, "refs/tags/"), "^{}")
		v, err := semver.NewVersion(tag)
		if err != nil || !c.Check(v) {
			continue
		}
		if existing, ok := best[tag]; !ok || existing.version.LessThan(v) || strings.HasSuffix(ref, "^{}") {
			best[tag] = candidate{version: v, sha: sha}
		}
	}

	var winner *candidate
	for tag := range best {
		cand := best[tag]
		if winner == nil || cand.version.GreaterThan(winner.version) {
			winner = &cand
		}
	}
	if winner == nil {
		return "", fmt.Errorf("no tag satisfies semver constraint %q", constraint)
	}
	return winner.sha, nil
}

// CloneCheckout ensures destDir contains a checkout of commit from url. If
// destDir already exists this is a no-op (content-addressed: the directory
// name already encodes the commit). When shallow is true and ref is not
// itself a commit sha, a shallow clone (--depth 1 --branch ref) is
// attempted first, falling back to a full clone on failure. The checkout
// lands via a rename from the sibling temp directory destDir+".tmp", so an
// interrupted fetch never leaves a partial destDir visible; concurrent
// calls for the same destDir share that temp directory and are not
// coordinated.
func CloneCheckout(ctx context.Context, url, ref, commit, destDir string, shallow bool) error {
	if _, err := os.Stat(destDir); err == nil {
		return nil
	}

	tmpDir := destDir + ".tmp"

	tryCloneCheckout := func(useShallow bool) error {
		_ = os.RemoveAll(tmpDir)

		cloneArgs := []string{"clone"}
		if useShallow && !isHexSHA(ref) {
			cloneArgs = append(cloneArgs, "--depth", "1", "--branch", ref)
		}
		cloneArgs = append(cloneArgs, url, tmpDir)
		cloneCmd := exec.CommandContext(ctx, "git", cloneArgs...)
		if output, err := cloneCmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git clone failed: %w: %s", err, string(output))
		}

		checkoutCmd := exec.CommandContext(ctx, "git", "checkout", commit)
		checkoutCmd.Dir = tmpDir
		if output, err := checkoutCmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git checkout failed: %w: %s", err, string(output))
		}
		return nil
	}

	shallowAttempt := shallow && !isHexSHA(ref)
	if err := tryCloneCheckout(shallowAttempt); err != nil {
		if !shallowAttempt {
			return err
		}
		if err2 := tryCloneCheckout(false); err2 != nil {
			return fmt.Errorf("shallow clone/checkout failed (retried non-shallow, set shallow=false on the module source if this persists): %v; retry error: %w", err, err2)
		}
	}

	if err := os.Rename(tmpDir, destDir); err != nil {
		return fmt.Errorf("finalize git checkout: %w", err)
	}
	return nil
}

// Run runs "git <args...>" in cwd and returns trimmed stdout.
func Run(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %v failed: %w: %s", args, err, string(exitErr.Stderr))
		}
		return "", fmt.Errorf("git %v failed: %w", args, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// MergeResult is the outcome of a three-way merge-file attempt.
type MergeResult struct {
	Merged   []byte
	Conflict bool
}

// MergeThreeWay runs "git merge-file -p ours base theirs" and returns the
// merged content plus whether conflict markers were produced. git
// merge-file exits 0 for a clean merge, a positive conflict count for a
// merge with conflict markers embedded in stdout, and <0 on a hard error.
func MergeThreeWay(ctx context.Context, dir string, ours, base, theirs []byte) (MergeResult, error) {
	tmp, err := os.MkdirTemp(dir, "agentpack-mergefile-*")
	if err != nil {
		return MergeResult{}, fmt.Errorf("create merge scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	oursPath := filepath.Join(tmp, "ours")
	basePath := filepath.Join(tmp, "base")
	theirsPath := filepath.Join(tmp, "theirs")
	if err := os.WriteFile(oursPath, ours, 0o644); err != nil {
		return MergeResult{}, err
	}
	if err := os.WriteFile(basePath, base, 0o644); err != nil {
		return MergeResult{}, err
	}
	if err := os.WriteFile(theirsPath, theirs, 0o644); err != nil {
		return MergeResult{}, err
	}

	cmd := exec.CommandContext(ctx, "git", "merge-file", "-p", oursPath, basePath, theirsPath)
	output, err := cmd.Output()
	if err == nil {
		return MergeResult{Merged: output, Conflict: false}, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() > 0 {
		return MergeResult{Merged: output, Conflict: true}, nil
	}
	return MergeResult{}, fmt.Errorf("git merge-file failed: %w", err)
}

// ApplyPatch shells out to "git apply" in dir against patchPath, matching
// the original source's autocrlf/whitespace flags so overlay patch files
// apply identically regardless of the host's git config.
func ApplyPatch(ctx context.Context, dir, patchPath string) error {
	cmd := exec.CommandContext(ctx, "git", "-c", "core.autocrlf=false", "apply", "--whitespace=nowarn", patchPath)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git apply failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
