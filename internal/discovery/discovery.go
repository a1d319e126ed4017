// Package discovery walks a codebase root and yields the sorted list of
// source files eligible for indexing: regular files, matching an extension
// allow-list, not matching an exclude-glob list, and not matching the
// nearest .gitignore at or above the root (the search stops at the
// directory holding .git; no repository is required).
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mag-mcp/magserver/internal/gitignore"
	"github.com/mag-mcp/magserver/internal/magerr"
)

// Config controls which files Discover returns.
type Config struct {
	Root             string
	FileExtensions   []string // e.g. [".cs"], matched case-insensitively
	ExcludePatterns  []string // gitwildmatch globs, relative to Root
}

// Stats summarizes a discovered file set.
type Stats struct {
	TotalFiles      int
	FileExtensions  map[string]int
	TotalSizeBytes  int64
}

// Discover walks cfg.Root and returns the sorted list of absolute paths to
// files eligible for indexing.
func Discover(cfg Config) ([]string, error) {
	info, err := os.Stat(cfg.Root)
	if err != nil || !info.IsDir() {
		return nil, magerr.Config("codebase root does not exist: "+cfg.Root, err)
	}

	exclude := gitignore.FromLines(cfg.ExcludePatterns)
	gi := loadGitignore(cfg.Root)

	extSet := make(map[string]struct{}, len(cfg.FileExtensions))
	for _, e := range cfg.FileExtensions {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	var out []string
	walkErr := filepath.Walk(cfg.Root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries rather than aborting the walk
		}
		if fi.IsDir() {
			return nil
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil || !target.Mode().IsRegular() {
				return nil
			}
		} else if !fi.Mode().IsRegular() {
			return nil
		}
		if _, ok := extSet[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		rel, err := filepath.Rel(cfg.Root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if exclude.Match(rel, false) {
			return nil
		}
		if gi != nil && gi.Match(rel, false) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if walkErr != nil {
		return nil, magerr.Config("failed to walk codebase root", walkErr)
	}

	sort.Strings(out)
	return out, nil
}

// GetStats summarizes a discovered file list.
func GetStats(files []string) Stats {
	s := Stats{FileExtensions: map[string]int{}}
	for _, f := range files {
		s.TotalFiles++
		ext := strings.ToLower(filepath.Ext(f))
		s.FileExtensions[ext]++
		if fi, err := os.Stat(f); err == nil {
			s.TotalSizeBytes += fi.Size()
		}
	}
	return s
}

// loadGitignore finds the nearest .gitignore by walking up from root,
// returning nil if none is found. Unlike the original Python
// implementation this does not require a git.Repo to exist — the
// .gitignore file itself is the only signal needed — which keeps this
// package dependency-free while preserving the "skip silently if absent"
// behavior.
func loadGitignore(root string) *gitignore.Matcher {
	dir := root
	for {
		candidate := filepath.Join(dir, ".gitignore")
		if data, err := os.ReadFile(candidate); err == nil {
			lines := strings.Split(string(data), "\n")
			return gitignore.FromLines(lines)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return nil
		}
		dir = parent
	}
}
