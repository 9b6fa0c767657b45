// Package paths resolves the on-disk layout rooted at AGENTPACK_HOME and
// the config repo it contains. Grounded on the original source's paths.rs.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Home is the resolved on-disk layout rooted at AGENTPACK_HOME.
type Home struct {
	Root           string
	RepoDir        string
	StoreDir       string
	StateDir       string
	DeploymentsDir string
	LogsDir        string
}

// ResolveHome resolves AGENTPACK_HOME, defaulting to the OS-appropriate
// local data directory joined with "agentpack" when unset.
func ResolveHome() (*Home, error) {
	root := os.Getenv("AGENTPACK_HOME")
	if root == "" {
		dir, err := osDataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve OS data directory: %w", err)
		}
		root = filepath.Join(dir, "agentpack")
	}

	return &Home{
		Root:           root,
		RepoDir:        filepath.Join(root, "repo"),
		StoreDir:       filepath.Join(root, "store"),
		StateDir:       filepath.Join(root, "state"),
		DeploymentsDir: filepath.Join(root, "state", "deployments"),
		LogsDir:        filepath.Join(root, "logs"),
	}, nil
}

func osDataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LocalAppData"); dir != "" {
			return dir, nil
		}
	case "darwin":
		return os.UserConfigDir()
	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return dir, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// Repo is the resolved config repo layout: manifest + lockfile paths.
type Repo struct {
	RepoDir      string
	ManifestPath string
	LockfilePath string
}

// ResolveRepo resolves repo paths, preferring repoOverride when non-empty.
func ResolveRepo(home *Home, repoOverride string) *Repo {
	repoDir := home.RepoDir
	if repoOverride != "" {
		repoDir = repoOverride
	}
	return &Repo{
		RepoDir:      repoDir,
		ManifestPath: filepath.Join(repoDir, "agentpack.yaml"),
		LockfilePath: filepath.Join(repoDir, "agentpack.lock.json"),
	}
}

// RepoRoot returns the directory containing agentpack.yaml, i.e. the
// config repo root that local_path sources and overlay scopes are
// relative to.
func (r *Repo) RepoRoot() string {
	return filepath.Dir(r.ManifestPath)
}

// InitRepoSkeleton creates the repo directory and module subdirectories if
// they don't already exist. It never overwrites an existing manifest.
func (r *Repo) InitRepoSkeleton(defaultManifest string) error {
	if err := os.MkdirAll(r.RepoDir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	for _, sub := range []string{"modules/instructions", "modules/prompts", "modules/claude-commands"} {
		_ = os.MkdirAll(filepath.Join(r.RepoDir, sub), 0o755)
	}
	if _, err := os.Stat(r.ManifestPath); os.IsNotExist(err) {
		if err := os.WriteFile(r.ManifestPath, []byte(defaultManifest), 0o644); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}
	return nil
}

// GlobalOverlayDir returns the canonical global overlay directory for a
// module, given its already-derived fs-key.
func GlobalOverlayDir(repoRoot, fsKey string) string {
	return filepath.Join(repoRoot, "overlays", fsKey)
}

// MachineOverlayDir returns the canonical machine-scoped overlay directory.
func MachineOverlayDir(repoRoot, machineID, fsKey string) string {
	return filepath.Join(repoRoot, "overlays", "machines", machineID, fsKey)
}

// ProjectOverlayDir returns the canonical project-scoped overlay directory.
func ProjectOverlayDir(repoRoot, projectID, fsKey string) string {
	return filepath.Join(repoRoot, "projects", projectID, "overlays", fsKey)
}
