package session

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Config holds the settings a Manager needs beyond what it discovers by
// walking the repository itself.
type Config struct {
	// ProductDirName is the per-user directory under the home folder that
	// holds every repository's baseDir, e.g. ".hydra".
	ProductDirName string

	// PreserveOnDisconnect is the default "preserve worktree" policy
	// applied when a session socket closes without an explicit destroy.
	PreserveOnDisconnect bool

	// RemoveRetries bounds the retry loop for a worktree removal that
	// fails due to held file handles.
	RemoveRetries int
}

// normalizePath resolves "." / ".." and symlinks, and upper-cases the
// result on case-insensitive filesystems (Windows, macOS default). The
// normalized string is both the Registry's map key and the hash input for
// baseDir.
func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet in some callers; fall back to the
		// absolute, unresolved form rather than failing normalization.
		resolved = abs
	}
	resolved = filepath.Clean(resolved)
	if caseInsensitiveFS() {
		resolved = strings.ToUpper(resolved)
	}
	return resolved, nil
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// repoHash returns the 8-hex-character MD5 digest of the normalized
// repository path, used as the disambiguating suffix of baseDir.
func repoHash(normalizedPath string) string {
	sum := md5.Sum([]byte(normalizedPath))
	return hex.EncodeToString(sum[:])[:8]
}

// BaseDir returns "<home>/<productDir>/<basename>-<hash>" for a normalized
// repository path.
func (c Config) BaseDir(normalizedPath string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	productDir := c.ProductDirName
	if productDir == "" {
		productDir = ".hydra"
	}
	base := filepath.Base(normalizedPath)
	return filepath.Join(home, productDir, base+"-"+repoHash(normalizedPath)), nil
}

// WorktreePath returns "<baseDir>/<branchName>".
func WorktreePath(baseDir, branchName string) string {
	return filepath.Join(baseDir, branchName)
}
