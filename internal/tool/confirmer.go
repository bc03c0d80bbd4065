package tool

import (
	"context"
	"time"

	"github.com/parlorhq/parlor/internal/approval"
)

// ApprovalConfirmer adapts internal/approval.Broker to the Confirmer
// interface the destructive gate calls. Owner is the tag the resolving
// front-end must present back to Broker.Resolve (typically the
// conversation id), so a stale approval from one conversation can never be
// resolved by a different one.
type ApprovalConfirmer struct {
	Broker  *approval.Broker
	Owner   string
	Timeout time.Duration
}

// Confirm implements Confirmer.
func (a *ApprovalConfirmer) Confirm(ctx context.Context, message string) (bool, error) {
	id, err := a.Broker.Request(ctx, message, a.Owner)
	if err != nil {
		return false, err
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}
	return a.Broker.Wait(ctx, id, timeout)
}
