// Package revert implements the two file-reversion strategies used by
// store.Rewind's "undo files" option: a git-based reverter for work
// directories inside a git worktree, and a shadow-copy reverter for
// everywhere else.
package revert

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// IsGitWorktree reports whether dir lies inside a git worktree, by shelling
// out to `git rev-parse --is-inside-work-tree` the same way the teacher's
// bash_parser resolves paths via `realpath -m`.
func IsGitWorktree(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// GitReverter reverts tracked-file changes with `git checkout -- <path>`,
// scoped to a work directory. It only knows how to revert paths it is told
// about via Track; Revert is a no-op for tool-call ids it never saw (they
// are reported as skipped).
type GitReverter struct {
	WorkDir string

	mu sync.Mutex
	// pathsByToolCall records which files a tool call touched, populated by
	// the write/edit tools as they run (see internal/tool).
	pathsByToolCall map[string][]string
}

// NewGitReverter constructs a GitReverter rooted at workDir.
func NewGitReverter(workDir string) *GitReverter {
	return &GitReverter{WorkDir: workDir, pathsByToolCall: make(map[string][]string)}
}

// Track records that toolCallID wrote path, so a later Revert can check it
// out. Called by the write/edit built-in tools after a successful write.
func (g *GitReverter) Track(toolCallID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pathsByToolCall[toolCallID] = append(g.pathsByToolCall[toolCallID], path)
}

// RecordChange implements tool.ChangeRecorder by delegating to Track; it
// never fails, since tracking is just an in-memory bookkeeping step taken
// before the write actually happens.
func (g *GitReverter) RecordChange(toolCallID, path string) error {
	g.Track(toolCallID, path)
	return nil
}

// Revert implements store.FileReverter.
func (g *GitReverter) Revert(ctx context.Context, toolCallIDs []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var skipped []string
	for _, id := range toolCallIDs {
		paths, ok := g.pathsByToolCall[id]
		if !ok || len(paths) == 0 {
			continue
		}
		args := append([]string{"checkout", "--"}, paths...)
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = g.WorkDir
		if err := cmd.Run(); err != nil {
			skipped = append(skipped, id)
			continue
		}
		delete(g.pathsByToolCall, id)
	}
	return skipped, nil
}
