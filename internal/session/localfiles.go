package session

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const localFilesConfigName = ".localfiles"

// mandatoryLocalFilePatterns are copied between main checkout and worktree
// regardless of what .localfiles contains.
var mandatoryLocalFilePatterns = []string{
	"**/CLAUDE.local.md",
	"**/.claude/commands/**",
}

// readPatternFile reads a newline-separated glob-pattern file, skipping
// blank lines and "#" comments, and returns it prefixed with the mandatory
// patterns.
func readPatternFile(path string, mandatory []string) []string {
	patterns := append([]string{}, mandatory...)

	f, err := os.Open(path)
	if err != nil {
		return patterns
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// syncLocalFilesToWorktree copies every file under the main checkout that
// matches a .localfiles pattern into the newly created worktree.
func (m *Manager) syncLocalFilesToWorktree(worktreePath string) error {
	patterns := readPatternFile(filepath.Join(m.repoPath, localFilesConfigName), mandatoryLocalFilePatterns)
	return copyMatchingFiles(m.repoPath, worktreePath, patterns)
}

// syncLocalFilesFromWorktree copies matching files back from a worktree
// into the main checkout, invoked after a successful merge.
func (m *Manager) syncLocalFilesFromWorktree(worktreePath string) error {
	patterns := readPatternFile(filepath.Join(m.repoPath, localFilesConfigName), mandatoryLocalFilePatterns)
	return copyMatchingFiles(worktreePath, m.repoPath, patterns)
}

// copyMatchingFiles walks srcRoot and copies every regular file whose
// relative path matches one of patterns into the same relative path under
// dstRoot. Missing source files and a missing srcRoot are not errors: most
// patterns (like the mandatory CLAUDE.local.md) will not exist in most
// repositories.
func copyMatchingFiles(srcRoot, dstRoot string, patterns []string) error {
	if !pathExists(srcRoot) {
		return nil
	}

	return filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(rel, patterns) {
			return nil
		}

		dst := filepath.Join(dstRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyFile(path, dst)
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(dst, data, mode)
}

// matchesAny reports whether rel matches any of patterns, each of which may
// use "**" to match across directory separators in addition to the
// filepath.Match wildcards "*", "?" and "[...]".
func matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if matchGlob(p, rel) {
			return true
		}
	}
	return false
}

// matchGlob implements the small doublestar-style subset .localfiles and
// .ignorefiles need: "**" matches zero or more path segments, everything
// else is a plain filepath.Match segment.
func matchGlob(pattern, name string) bool {
	return matchGlobSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchGlobSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	head := pattern[0]
	if head == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(name); i++ {
			if matchGlobSegments(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	ok, err := filepath.Match(head, name[0])
	if err != nil || !ok {
		return false
	}
	return matchGlobSegments(pattern[1:], name[1:])
}
