package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJailResolve(t *testing.T) {
	root := tempDirClean(t)
	jail, err := NewJail(root)
	if err != nil {
		t.Fatalf("new jail: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"absolute re-rooted", "/tmp/run.sh", filepath.Join(root, "tmp", "run.sh")},
		{"relative joined", "app/main.py", filepath.Join(root, "app", "main.py")},
		{"dotdot clamped", "../../etc/passwd", filepath.Join(root, "etc", "passwd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jail.Resolve(tt.path)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want %s got %s", tt.want, got)
			}
		})
	}

	if _, err := jail.Resolve("  "); err == nil || !strings.Contains(err.Error(), "empty path") {
		t.Fatalf("expected empty path error, got %v", err)
	}
}

func TestJailRejectsSymlinkEscape(t *testing.T) {
	root := tempDirClean(t)
	outside := tempDirClean(t)
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	jail, err := NewJail(root)
	if err != nil {
		t.Fatalf("new jail: %v", err)
	}

	_, err = jail.Resolve("/escape/secret.txt")
	if !errors.Is(err, ErrPathNotAllowed) {
		t.Fatalf("expected ErrPathNotAllowed, got %v", err)
	}

	jail.Allow(outside)
	if _, err := jail.Resolve("/escape/secret.txt"); err != nil {
		t.Fatalf("allowlisted path rejected: %v", err)
	}
}

func TestJailValidatePathOutside(t *testing.T) {
	root := tempDirClean(t)
	jail, err := NewJail(root)
	if err != nil {
		t.Fatalf("new jail: %v", err)
	}
	if err := jail.ValidatePath(filepath.Join(root, "a", "b")); err != nil {
		t.Fatalf("inside path rejected: %v", err)
	}
	if err := jail.ValidatePath(tempDirClean(t)); !errors.Is(err, ErrPathNotAllowed) {
		t.Fatalf("expected ErrPathNotAllowed, got %v", err)
	}
}

func TestJailEnv(t *testing.T) {
	t.Setenv("SANDBOXCHAT_HOST_SECRET", "leak")
	root := tempDirClean(t)
	jail, err := NewJail(root)
	if err != nil {
		t.Fatalf("new jail: %v", err)
	}
	env, err := jail.Env(map[string]string{"API_KEY": "x"})
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SANDBOXCHAT_HOST_SECRET") {
		t.Fatalf("host variable leaked: %s", joined)
	}
	if !strings.Contains(joined, "API_KEY=x") || !strings.Contains(joined, "HOME="+root) {
		t.Fatalf("missing expected entries: %s", joined)
	}
	if _, err := jail.Env(map[string]string{"1BAD": "x"}); !errors.Is(err, ErrInvalidEnvName) {
		t.Fatalf("expected ErrInvalidEnvName, got %v", err)
	}
}

func TestWithinRoot(t *testing.T) {
	sep := string(filepath.Separator)
	cases := []struct {
		path, prefix string
		want         bool
	}{
		{sep + "a" + sep + "b", sep + "a", true},
		{sep + "ab", sep + "a", false},
		{sep + "a", sep + "a", true},
		{sep + "x", sep, true},
		{sep + "x", "", false},
	}
	for _, c := range cases {
		if got := withinRoot(c.path, c.prefix); got != c.want {
			t.Fatalf("withinRoot(%q,%q)=%v", c.path, c.prefix, got)
		}
	}
}

func tempDirClean(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	return resolved
}
