package targets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/liqiongyu/agentpack/internal/deploy"
	"github.com/liqiongyu/agentpack/internal/manifest"
)

// fakeEnv is a minimal ModuleContext backed by an on-disk directory per
// module id, standing in for the engine's real composition pipeline.
type fakeEnv struct {
	t           *testing.T
	root        string
	configs     map[string]manifest.TargetConfig
	moduleFiles map[string]map[string]string // moduleID -> relpath -> content
}

func newFakeEnv(t *testing.T, projectRoot string) *fakeEnv {
	return &fakeEnv{
		t:           t,
		root:        projectRoot,
		configs:     map[string]manifest.TargetConfig{},
		moduleFiles: map[string]map[string]string{},
	}
}

func (f *fakeEnv) withTarget(name string, cfg manifest.TargetConfig) *fakeEnv {
	f.configs[name] = cfg
	return f
}

func (f *fakeEnv) withModuleFile(moduleID, relpath, content string) *fakeEnv {
	if f.moduleFiles[moduleID] == nil {
		f.moduleFiles[moduleID] = map[string]string{}
	}
	f.moduleFiles[moduleID][relpath] = content
	return f
}

func (f *fakeEnv) TargetConfig(name string) (manifest.TargetConfig, bool) {
	cfg, ok := f.configs[name]
	return cfg, ok
}

func (f *fakeEnv) ProjectRoot() string { return f.root }

func (f *fakeEnv) MaterializeModule(ctx context.Context, mod manifest.Module, warnings *[]string) (string, error) {
	dir, err := os.MkdirTemp("", "agentpack-target-test-*")
	if err != nil {
		return "", err
	}
	for rel, content := range f.moduleFiles[mod.ID] {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func instructionsModule(id string, targets ...string) manifest.Module {
	return manifest.Module{ID: id, Type: manifest.TypeInstructions, Targets: targets}
}

func promptModule(id string, targets ...string) manifest.Module {
	return manifest.Module{ID: id, Type: manifest.TypePrompt, Targets: targets}
}

func skillModule(id string, targets ...string) manifest.Module {
	return manifest.Module{ID: id, Type: manifest.TypeSkill, Targets: targets}
}

func commandModule(id string, targets ...string) manifest.Module {
	return manifest.Module{ID: id, Type: manifest.TypeCommand, Targets: targets}
}

func mustReadDesired(t *testing.T, desired *deploy.DesiredState, target, path string) string {
	t.Helper()
	bytes, ok := desired.Get(deploy.TargetPath{Target: target, Path: path})
	if !ok {
		t.Fatalf("expected desired state entry for %s %s", target, path)
	}
	return string(bytes)
}
