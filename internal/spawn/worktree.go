package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// addWorktree creates an isolated git worktree for a worker under
// <cwd>/.worktrees/<name> on a dedicated branch. The caller degrades to
// the shared workspace when this fails.
func addWorktree(cwd, name string) (string, error) {
	dir := filepath.Join(cwd, ".worktrees", name)
	if _, err := os.Stat(dir); err == nil {
		// Left over from a previous worker with the same name.
		return dir, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	branch := "team/" + name
	cmd := exec.Command("git", "worktree", "add", "-B", branch, dir)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git worktree add: %s", firstLine(string(out)))
	}
	return dir, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "unknown error"
	}
	return s
}
