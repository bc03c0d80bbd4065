package tool

import "context"

// ChangeRecorder is implemented by whichever internal/revert.FileReverter
// strategy is active (GitReverter or ShadowReverter) so the write/edit
// built-in tools can record a file's pre-modification state without caring
// which strategy is in effect. It is the undo-files half of rewind; the
// other half, actually reverting, is store.FileReverter.
type ChangeRecorder interface {
	RecordChange(toolCallID, path string) error
}

// ReverterRecorder is the full undo-files strategy: the recording half
// (ChangeRecorder, used by write/edit) plus the reversion half
// (internal/store.FileReverter's shape, used by internal/session.Rewind).
// GitReverter and ShadowReverter both satisfy this structurally.
type ReverterRecorder interface {
	ChangeRecorder
	Revert(ctx context.Context, toolCallIDs []string) (skipped []string, err error)
}
