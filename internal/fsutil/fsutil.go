// Package fsutil provides the filesystem primitives shared by the content
// store, overlay engine, lockfile generator, and applier: atomic writes,
// directory copying, and the stable tree hash used to fingerprint a
// module's rendered output. Grounded on the original source's fs.rs and
// lockfile.rs hash_tree, walked with fastwalk instead of filepath.WalkDir.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// WriteAtomic writes data to path via a sibling temp file plus rename, so
// readers never observe a partially written file and a crash mid-write
// leaves the original (or nothing) rather than a truncated file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".agentpack-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpPath, path, err)
	}
	success = true
	return nil
}

// FileEntry is one file's path (relative, POSIX-separated), content hash,
// and size, as recorded in a lockfile's file_manifest.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// HashTree computes a stable, path-ordered SHA-256 over root's file
// contents, returning the per-file manifest alongside the aggregate hash.
// A root that is itself a regular file is treated as a single-file module:
// the manifest has one entry whose path is the file's base name. ".git"
// directories anywhere under root are skipped, mirroring the original
// source's hash_tree.
func HashTree(root string) ([]FileEntry, string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, "", fmt.Errorf("stat %s: %w", root, err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(root)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", root, err)
		}
		entry := FileEntry{Path: filepath.Base(root), SHA256: sha256Hex(data), Bytes: int64(len(data))}
		return []FileEntry{entry}, treeHash([]FileEntry{entry}), nil
	}

	var entries []FileEntry
	var walkErr error
	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			mu.Lock()
			walkErr = err
			mu.Unlock()
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, ".git/") {
			return nil
		}
		data, err := os.ReadFile(path)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			walkErr = fmt.Errorf("read %s: %w", path, err)
			return nil
		}
		entries = append(entries, FileEntry{Path: rel, SHA256: sha256Hex(data), Bytes: int64(len(data))})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("walk %s: %w", root, err)
	}
	if walkErr != nil {
		return nil, "", walkErr
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, treeHash(entries), nil
}

func treeHash(entries []FileEntry) string {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\n%s\n%d\n", e.Path, e.SHA256, e.Bytes)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ListFiles returns the POSIX-relative paths of every regular file under
// root, sorted, skipping ".git" directories. Used by target adapters that
// need to enumerate a materialized module's files (e.g. skill file trees).
func ListFiles(root string) ([]string, error) {
	var out []string
	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		mu.Lock()
		out = append(out, filepath.ToSlash(rel))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

// CopyTree recursively copies src to dst, creating directories as needed
// and overwriting any existing files at the destination.
func CopyTree(src, dst string) error {
	return copyTree(src, dst, false)
}

// CopyTreeMissingOnly recursively copies src to dst but never overwrites a
// file that already exists at the destination, used to materialize an
// overlay directory's initial contents from upstream without clobbering
// edits a user may have already made.
func CopyTreeMissingOnly(src, dst string) error {
	return copyTree(src, dst, true)
}

func copyTree(src, dst string, missingOnly bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode(), missingOnly)
	}

	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if d.Name() == ".git" && rel != "." {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode(), missingOnly)
	})
}

func copyFile(src, dst string, mode os.FileMode, missingOnly bool) error {
	if missingOnly {
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}
