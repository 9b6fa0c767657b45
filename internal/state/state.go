// Package state records the deployment snapshots that let apply/rollback
// reconstruct exactly what a previous apply run wrote, so it can be undone.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/liqiongyu/agentpack/internal/paths"
)

// ManagedFile is one file this tool considers itself the owner of for a
// given target, as of the snapshot that recorded it.
type ManagedFile struct {
	Target string `json:"target"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// AppliedChange is one write or delete an apply run performed, with enough
// information (backup path, before/after hashes) to reverse it.
type AppliedChange struct {
	Target       string `json:"target"`
	Op           string `json:"op"`
	Path         string `json:"path"`
	BackupPath   string `json:"backup_path,omitempty"`
	BeforeSHA256 string `json:"before_sha256,omitempty"`
	AfterSHA256  string `json:"after_sha256,omitempty"`
}

const DefaultKind = "deploy"

// DeploymentSnapshot is the full record of one apply run: what it touched,
// what it changed, and where backups of overwritten/deleted content live.
type DeploymentSnapshot struct {
	Kind           string          `json:"kind"`
	ID             string          `json:"id"`
	CreatedAt      string          `json:"created_at"`
	Targets        []string        `json:"targets"`
	ManagedFiles   []ManagedFile   `json:"managed_files,omitempty"`
	Changes        []AppliedChange `json:"changes"`
	RolledBackTo   string          `json:"rolled_back_to,omitempty"`
	LockfileSHA256 *string         `json:"lockfile_sha256"`
	BackupRoot     string          `json:"backup_root"`
}

// Path returns the snapshot file path for id under home.
func Path(home paths.Home, id string) string {
	return filepath.Join(home.DeploymentsDir, id+".json")
}

// BackupRoot returns the directory backups for snapshot id are stored under.
func BackupRoot(home paths.Home, id string) string {
	return filepath.Join(home.DeploymentsDir, id, "backup")
}

// Load reads and parses a snapshot file.
func Load(path string) (*DeploymentSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var snap DeploymentSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot json %s: %w", path, err)
	}
	if snap.Kind == "" {
		snap.Kind = DefaultKind
	}
	return &snap, nil
}

// Save writes the snapshot as pretty-printed JSON, creating parent
// directories as needed.
func (s *DeploymentSnapshot) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	out = append(out, '\n')
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LatestSnapshot returns the most recently modified snapshot whose kind is
// in kinds (all kinds, if empty), or nil if none exist.
func LatestSnapshot(home paths.Home, kinds []string) (*DeploymentSnapshot, error) {
	if _, err := os.Stat(home.DeploymentsDir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(home.DeploymentsDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", home.DeploymentsDir, err)
	}

	var bestTime time.Time
	var best *DeploymentSnapshot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(home.DeploymentsDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		snap, err := Load(path)
		if err != nil {
			return nil, err
		}
		if len(kinds) > 0 && !containsKind(kinds, snap.Kind) {
			continue
		}
		modified := info.ModTime()
		switch {
		case best == nil:
		case bestTime.After(modified):
			continue
		case bestTime.Equal(modified) && best.ID >= snap.ID:
			continue
		}
		bestTime = modified
		best = snap
	}
	return best, nil
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
