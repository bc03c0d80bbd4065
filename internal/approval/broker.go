// Package approval implements the one-shot human confirmation broker used
// by the destructive-action gate (internal/tool) and any other component
// that needs to pause a turn for an operator decision. Grounded directly on
// the original Python ApprovalManager (services/approvals.py): same
// request/wait/resolve contract, same owner-tag check, same message
// truncation cap, same sweep-fulfils-false behaviour on expiry.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// MaxMessageChars caps the length of a confirmation message.
const MaxMessageChars = 10_000

// DefaultTimeout is the default Wait timeout, matching the engine's
// default tool-provider/approval timeout described in SPEC_FULL.md §5.
const DefaultTimeout = 300 * time.Second

type pending struct {
	message   string
	owner     string
	createdAt time.Time
	result    chan bool // buffered, capacity 1: the one-shot completion slot
	done      bool
}

// Broker correlates Request/Wait calls from a tool dispatcher with Resolve
// calls from whichever front-end rendered the confirmation prompt.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending

	maxAge time.Duration

	onRequest func(approvalID, message, owner string)
	onResolve func(approvalID string, approved bool)

	sweepSchedule string
	cron          *cron.Cron
}

// NewBroker constructs a Broker. onRequest/onResolve, if non-nil, are
// invoked synchronously so a caller can publish an event-bus notification
// (permission.required / permission.resolved) without the broker needing
// to know about the event bus directly.
func NewBroker(onRequest func(approvalID, message, owner string), onResolve func(approvalID string, approved bool)) *Broker {
	return &Broker{
		pending:       make(map[string]*pending),
		maxAge:        DefaultTimeout,
		onRequest:     onRequest,
		onResolve:     onResolve,
		sweepSchedule: "@every 1m",
	}
}

// Request allocates a fresh approval id and registers a one-shot result
// slot. message is truncated to MaxMessageChars.
func (b *Broker) Request(ctx context.Context, message, owner string) (string, error) {
	if len(message) > MaxMessageChars {
		message = message[:MaxMessageChars]
	}

	id := ulid.Make().String()
	p := &pending{
		message:   message,
		owner:     owner,
		createdAt: time.Now(),
		result:    make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()

	if b.onRequest != nil {
		b.onRequest(id, message, owner)
	}
	return id, nil
}

// Wait blocks until approvalID is resolved or timeout elapses, removing the
// entry in all cases. A missing id returns false with no error.
func (b *Broker) Wait(ctx context.Context, approvalID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	b.mu.Lock()
	p, ok := b.pending[approvalID]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	defer b.remove(approvalID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-p.result:
		return v, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve fulfils approvalID's slot iff it exists, is unresolved, and owner
// matches the tag recorded at Request time. Returns whether the resolution
// took effect.
func (b *Broker) Resolve(approvalID string, approved bool, owner string) (bool, error) {
	b.mu.Lock()
	p, ok := b.pending[approvalID]
	if !ok {
		b.mu.Unlock()
		return false, nil
	}
	if p.owner != owner {
		b.mu.Unlock()
		return false, fmt.Errorf("approval: owner mismatch for %s", approvalID)
	}
	if p.done {
		b.mu.Unlock()
		return false, nil
	}
	p.done = true
	b.mu.Unlock()

	p.result <- approved
	if b.onResolve != nil {
		b.onResolve(approvalID, approved)
	}
	return true, nil
}

// Get returns the message and owner recorded for a pending approval, for
// front-ends that need to render it (e.g. a reconnecting SSE client).
func (b *Broker) Get(approvalID string) (message, owner string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[approvalID]
	if !ok {
		return "", "", false
	}
	return p.message, p.owner, true
}

func (b *Broker) remove(approvalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, approvalID)
}

// StartSweep schedules the stale-pending-approval sweep on a cron job
// (sweepSchedule, "@every 1m" by default) so a Wait call never leaks past
// the broker's own maxAge even if the front-end that should resolve it has
// gone away.
func (b *Broker) StartSweep() {
	b.cron = cron.New()
	if _, err := b.cron.AddFunc(b.sweepSchedule, b.sweepExpired); err != nil {
		// An invalid schedule is a programmer error (const above), not a
		// runtime condition; fall back to never sweeping rather than panic.
		return
	}
	b.cron.Start()
}

// StopSweep stops the cron scheduler and waits for any in-flight sweep to
// finish.
func (b *Broker) StopSweep() {
	if b.cron == nil {
		return
	}
	<-b.cron.Stop().Done()
}

func (b *Broker) sweepExpired() {
	cutoff := time.Now().Add(-b.maxAge)

	b.mu.Lock()
	var expired []*pending
	for id, p := range b.pending {
		if p.createdAt.Before(cutoff) && !p.done {
			p.done = true
			expired = append(expired, p)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		p.result <- false
	}
}
