package revert

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ShadowReverter restores files from a per-tool-call snapshot directory,
// for work directories that are not git worktrees. The write/edit built-in
// tools call Snapshot before modifying a file whenever they detect they are
// not running inside a git worktree, so a later Revert always has material
// to restore from.
type ShadowReverter struct {
	// Root is "<data-root>/snapshots/<conversation-id>".
	Root string

	mu sync.Mutex
}

// NewShadowReverter constructs a ShadowReverter rooted at root.
func NewShadowReverter(root string) *ShadowReverter {
	return &ShadowReverter{Root: root}
}

func (s *ShadowReverter) snapshotPath(toolCallID string) string {
	return filepath.Join(s.Root, toolCallID, "snapshot")
}

func (s *ShadowReverter) targetPath(toolCallID string) string {
	return filepath.Join(s.Root, toolCallID, "target")
}

// Snapshot records path's pre-modification contents (or its absence) under
// toolCallID, before the caller writes to path.
func (s *ShadowReverter) Snapshot(toolCallID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.Root, toolCallID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("shadow reverter: mkdir: %w", err)
	}

	if err := os.WriteFile(s.targetPath(toolCallID), []byte(path), 0o644); err != nil {
		return fmt.Errorf("shadow reverter: record target: %w", err)
	}

	src, err := os.Open(path)
	if os.IsNotExist(err) {
		// file did not exist before; an empty snapshot marker means
		// Revert should remove the file rather than restore content.
		return os.WriteFile(s.snapshotPath(toolCallID)+".absent", nil, 0o644)
	}
	if err != nil {
		return fmt.Errorf("shadow reverter: open source: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(s.snapshotPath(toolCallID))
	if err != nil {
		return fmt.Errorf("shadow reverter: create snapshot: %w", err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// RecordChange implements tool.ChangeRecorder by delegating to Snapshot.
func (s *ShadowReverter) RecordChange(toolCallID, path string) error {
	return s.Snapshot(toolCallID, path)
}

// Revert implements store.FileReverter.
func (s *ShadowReverter) Revert(ctx context.Context, toolCallIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []string
	for _, id := range toolCallIDs {
		targetBytes, err := os.ReadFile(s.targetPath(id))
		if err != nil {
			continue // nothing snapshotted for this tool call; not a file-mutating tool
		}
		target := string(targetBytes)

		if _, err := os.Stat(s.snapshotPath(id) + ".absent"); err == nil {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				skipped = append(skipped, id)
			}
			continue
		}

		src, err := os.Open(s.snapshotPath(id))
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		if err := func() error {
			defer src.Close()
			dst, err := os.Create(target)
			if err != nil {
				return err
			}
			defer dst.Close()
			_, err = io.Copy(dst, src)
			return err
		}(); err != nil {
			skipped = append(skipped, id)
		}
	}
	return skipped, nil
}
