// Package apply carries out a deploy.PlanResult against the filesystem,
// recording a state.DeploymentSnapshot that a later rollback can reverse.
package apply

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/fsutil"
	"github.com/liqiongyu/agentpack/internal/ids"
	"github.com/liqiongyu/agentpack/internal/paths"
	"github.com/liqiongyu/agentpack/internal/state"
	"github.com/liqiongyu/agentpack/internal/targetmanifest"
	"github.com/liqiongyu/agentpack/internal/targets"
)

// nowNano is overridable in tests; production code always uses the real
// clock.
var nowNano = func() (id string, createdAtRFC3339 string) {
	now := time.Now().UTC()
	return strconv.FormatInt(now.UnixNano(), 10), now.Format(time.RFC3339)
}

// Plan runs a deploy.PlanResult against disk: for each change it backs up
// any file it is about to overwrite or remove, writes or deletes the file,
// verifies the post-write hash against the plan's recorded AfterSHA256,
// rewrites each TargetRoot's manifest to the final managed set, and returns
// the resulting snapshot (already saved to home's deployments dir). kind is
// normally state.DefaultKind ("deploy"); evolve apply and other mutating
// operations that reuse this applier pass their own kind.
func Plan(home paths.Home, kind string, plan deploy.PlanResult, desired *deploy.DesiredState, lockfilePath string, roots []targets.TargetRoot) (*state.DeploymentSnapshot, error) {
	if err := os.MkdirAll(home.DeploymentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create deployments dir: %w", err)
	}

	id, createdAt := nowNano()
	backupRoot := state.BackupRoot(home, id)
	if err := os.MkdirAll(backupRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}

	var lockfileSHA *string
	if lockfilePath != "" {
		if raw, err := os.ReadFile(lockfilePath); err == nil {
			sum := sha256Hex(raw)
			lockfileSHA = &sum
		}
	}

	applied := make([]state.AppliedChange, 0, len(plan.Changes))
	for _, c := range plan.Changes {
		var backupPath string
		if c.Op != deploy.OpCreate {
			if _, err := os.Stat(c.Path); err == nil {
				bp, err := backupFile(backupRoot, c.Target, c.Path)
				if err != nil {
					return nil, err
				}
				backupPath = bp
			}
		}

		switch c.Op {
		case deploy.OpCreate, deploy.OpUpdate:
			bytes, ok := desired.Get(deploy.TargetPath{Target: c.Target, Path: c.Path})
			if !ok {
				return nil, fmt.Errorf("missing desired bytes for %s", c.Path)
			}
			if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", filepath.Dir(c.Path), err)
			}
			if err := fsutil.WriteAtomic(c.Path, bytes, 0o644); err != nil {
				return nil, err
			}
			actual, err := os.ReadFile(c.Path)
			if err != nil {
				return nil, fmt.Errorf("read back %s: %w", c.Path, err)
			}
			actualSHA := sha256Hex(actual)
			if c.AfterSHA256 != "" && actualSHA != c.AfterSHA256 {
				return nil, fmt.Errorf("write verification failed for %s: expected %s, got %s", c.Path, c.AfterSHA256, actualSHA)
			}
		case deploy.OpDelete:
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove %s: %w", c.Path, err)
			}
		}

		applied = append(applied, state.AppliedChange{
			Target:       c.Target,
			Op:           string(c.Op),
			Path:         c.Path,
			BackupPath:   backupPath,
			BeforeSHA256: c.BeforeSHA256,
			AfterSHA256:  c.AfterSHA256,
		})
	}

	if err := writeTargetManifests(roots, desired); err != nil {
		return nil, err
	}

	targetSet := make(map[string]struct{})
	for _, c := range applied {
		targetSet[c.Target] = struct{}{}
	}
	targetNames := make([]string, 0, len(targetSet))
	for t := range targetSet {
		targetNames = append(targetNames, t)
	}
	sort.Strings(targetNames)

	if kind == "" {
		kind = state.DefaultKind
	}
	snapshot := &state.DeploymentSnapshot{
		Kind:           kind,
		ID:             id,
		CreatedAt:      createdAt,
		Targets:        targetNames,
		ManagedFiles:   plan.ManagedFiles,
		Changes:        applied,
		LockfileSHA256: lockfileSHA,
		BackupRoot:     backupRoot,
	}

	if err := snapshot.Save(state.Path(home, id)); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Rollback restores every file an earlier apply run changed or removed,
// using the backups recorded in its snapshot, then saves a new snapshot of
// kind "rollback" recording what it did. Individual file restores are
// best-effort in the sense that a missing parent directory is recreated,
// but an I/O error on one file aborts the rollback immediately, leaving the
// partial restoration visible; no second-level rollback is attempted.
func Rollback(home paths.Home, snapshotID string) (*state.DeploymentSnapshot, error) {
	snapshotPath := state.Path(home, snapshotID)
	snapshot, err := state.Load(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotPath, err)
	}

	id, createdAt := nowNano()
	var restored []state.AppliedChange
	for _, c := range snapshot.Changes {
		switch {
		case c.Op == "create" && c.BackupPath == "":
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove %s: %w", c.Path, err)
			}
			restored = append(restored, state.AppliedChange{Target: c.Target, Op: "delete", Path: c.Path, BeforeSHA256: c.AfterSHA256})
		case (c.Op == "update" || c.Op == "delete") && c.BackupPath != "":
			if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", filepath.Dir(c.Path), err)
			}
			if err := copyFile(c.BackupPath, c.Path); err != nil {
				return nil, fmt.Errorf("restore %s -> %s: %w", c.BackupPath, c.Path, err)
			}
			restored = append(restored, state.AppliedChange{Target: c.Target, Op: "update", Path: c.Path, BeforeSHA256: c.AfterSHA256, AfterSHA256: c.BeforeSHA256})
		}
	}

	rollbackSnapshot := &state.DeploymentSnapshot{
		Kind:         "rollback",
		ID:           id,
		CreatedAt:    createdAt,
		Targets:      append([]string(nil), snapshot.Targets...),
		ManagedFiles: snapshot.ManagedFiles,
		Changes:      restored,
		RolledBackTo: snapshotID,
		BackupRoot:   snapshot.BackupRoot,
	}
	if err := rollbackSnapshot.Save(state.Path(home, id)); err != nil {
		return nil, err
	}
	return rollbackSnapshot, nil
}

// writeTargetManifests rewrites every TargetRoot's manifest to the set of
// desired paths that fall under it, so the next plan can tell a
// tool-managed file from one it would be adopting.
func writeTargetManifests(roots []targets.TargetRoot, desired *deploy.DesiredState) error {
	byRoot := make(map[int][]targetmanifest.ManagedFileEntry, len(roots))
	for _, tp := range desired.Paths() {
		idx, ok := targets.BestRootIndex(roots, tp.Target, tp.Path)
		if !ok {
			continue
		}
		root := roots[idx]
		rel, err := filepath.Rel(root.Root, tp.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		byRoot[idx] = append(byRoot[idx], targetmanifest.ManagedFileEntry{
			Path:      rel,
			ModuleIDs: desired.ModuleIDs(tp),
		})
	}

	for idx, root := range roots {
		if err := targetmanifest.Write(root.Root, root.Target, byRoot[idx]); err != nil {
			return fmt.Errorf("write target manifest for %s %s: %w", root.Target, root.Root, err)
		}
	}
	return nil
}

func backupFile(backupRoot, target, path string) (string, error) {
	targetDir := filepath.Join(backupRoot, ids.SanitizeModuleID(target))
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create target backup dir: %w", err)
	}
	key := sha256Hex([]byte(path))
	backupPath := filepath.Join(targetDir, key[:16])
	if err := copyFile(path, backupPath); err != nil {
		return "", fmt.Errorf("backup %s -> %s: %w", path, backupPath, err)
	}
	return backupPath, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
