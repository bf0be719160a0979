// Package security confines files and processes of host-local sandboxes to
// their own directory.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrPathNotAllowed is returned when a path escapes the sandbox root.
	ErrPathNotAllowed = errors.New("security: path not in sandbox allowlist")
	// ErrInvalidEnvName rejects environment names the shell cannot export.
	ErrInvalidEnvName = errors.New("security: invalid environment variable name")
)

// Jail maps in-sandbox paths onto a host directory and rejects anything that
// resolves outside it, including through symlinks.
type Jail struct {
	mu        sync.RWMutex
	root      string
	allowList []string
}

// NewJail creates a jail rooted at root. The directory must already exist.
func NewJail(root string) (*Jail, error) {
	normalized := normalizePath(root)
	if normalized == "" {
		return nil, fmt.Errorf("security: empty jail root")
	}
	resolved, err := filepath.EvalSymlinks(normalized)
	if err != nil {
		return nil, fmt.Errorf("security: resolve jail root: %w", err)
	}
	return &Jail{root: resolved, allowList: []string{resolved}}, nil
}

// Root returns the host directory backing the jail.
func (j *Jail) Root() string { return j.root }

// Allow registers an additional host prefix the sandbox may touch.
func (j *Jail) Allow(path string) {
	normalized := normalizePath(path)
	if normalized == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, existing := range j.allowList {
		if existing == normalized {
			return
		}
	}
	j.allowList = append(j.allowList, normalized)
}

// Resolve maps a path as seen inside the sandbox to a host path. Absolute
// paths are re-rooted under the jail; relative ones are joined to it.
func (j *Jail) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("security: empty path supplied")
	}
	clean := filepath.Clean("/" + filepath.ToSlash(path))
	host := filepath.Join(j.root, filepath.FromSlash(clean))
	if err := j.ValidatePath(host); err != nil {
		return "", err
	}
	return host, nil
}

// ValidatePath ensures a host path, after symlink resolution of its deepest
// existing ancestor, stays within the allow list.
func (j *Jail) ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("security: empty path supplied")
	}
	resolved, err := resolveExisting(normalizePath(path))
	if err != nil {
		return fmt.Errorf("security: resolve failed: %w", err)
	}

	j.mu.RLock()
	allowCopy := append([]string(nil), j.allowList...)
	j.mu.RUnlock()

	for _, allowed := range allowCopy {
		if withinRoot(resolved, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathNotAllowed, resolved)
}

// Env builds a minimal process environment for the jail: no host variables
// leak in beyond PATH, and extra is layered on top.
func (j *Jail) Env(extra map[string]string) ([]string, error) {
	base := map[string]string{
		"HOME":   j.root,
		"TMPDIR": j.root,
		"LANG":   "C.UTF-8",
		"PATH":   os.Getenv("PATH"),
	}
	for k, v := range extra {
		if !validEnvName(k) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvName, k)
		}
		base[k] = v
	}
	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+base[k])
	}
	return env, nil
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of path
// and re-appends the missing tail.
func resolveExisting(path string) (string, error) {
	current := path
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func withinRoot(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)

	if path == prefix {
		return true
	}
	if prefix == string(filepath.Separator) {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
