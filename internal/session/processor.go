package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/parlorhq/parlor/internal/event"
	"github.com/parlorhq/parlor/internal/permission"
	"github.com/parlorhq/parlor/internal/provider"
	"github.com/parlorhq/parlor/internal/storage"
	"github.com/parlorhq/parlor/internal/store"
	"github.com/parlorhq/parlor/internal/tool"
	"github.com/parlorhq/parlor/pkg/types"
)

// Processor handles message processing and the agentic loop.
type Processor struct {
	mu sync.Mutex

	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	storage           *storage.Storage
	permissionChecker *permission.Checker

	// channelBus and dbName back the canonical turn-timeline events
	// (SPEC_FULL.md §4.6); nil channelBus makes timeline emission a no-op.
	channelBus *event.ChannelBus
	dbName     string

	// convStore is the relational store (SPEC_FULL.md §4.1) the turn engine
	// persists conversations, messages, and tool calls through, in addition
	// to the teacher's pkg/types-shaped internal/storage rows. Nil disables
	// relational persistence (and therefore Rewind).
	convStore *store.Store

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID    string

	// Active sessions being processed
	sessions map[string]*sessionState
}

// PermissionChecker returns the processor's permission checker, so Service
// can route a front-end's permission response into it.
func (p *Processor) PermissionChecker() *permission.Checker {
	return p.permissionChecker
}

// SetTimelineBus configures the ChannelBus and database name used to emit
// the canonical turn-timeline events. Call once after construction; nil bus
// disables timeline emission.
func (p *Processor) SetTimelineBus(bus *event.ChannelBus, dbName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelBus = bus
	p.dbName = dbName
}

// SetConversationStore configures the relational store (SPEC_FULL.md §4.1)
// the turn engine reads/writes through, in place of the teacher's flat-file
// JSON storage. Call once after construction; nil disables relational
// persistence, including Rewind.
func (p *Processor) SetConversationStore(db *store.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convStore = db
}

func (p *Processor) conversationStore() *store.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convStore
}

// timelineFor builds a Timeline scoped to a single conversation/session.
func (p *Processor) timelineFor(sessionID string) *Timeline {
	p.mu.Lock()
	bus, dbName := p.channelBus, p.dbName
	p.mu.Unlock()
	return NewTimeline(bus, dbName, sessionID)
}

// sessionState tracks the state of an active session being processed.
type sessionState struct {
	ctx       context.Context
	cancel    context.CancelFunc
	message   *types.Message
	parts     []types.Part
	waiters   []chan error
	step      int
	retries   int
	timeline  *Timeline
	followups chan string

	// storeConversationID and storeMessageID correlate this turn with its
	// rows in the relational store (internal/store), when one is
	// configured; see ensureStoreConversation in loop.go.
	storeConversationID string
	storeMessageID      string
}

// followupQueueCapacity bounds the number of queued follow-up messages a
// turn in progress will hold before QueueMessage starts rejecting sends.
const followupQueueCapacity = 16

// acceptedControlCommands are the only "/"-prefixed inputs let through the
// follow-up queue filter; everything else starting with "/" is dropped with
// a warning rather than sent to the model.
var acceptedControlCommands = map[string]bool{
	"/exit": true,
	"/quit": true,
}

// QueueMessage splices a user follow-up into a session's in-progress turn.
// It is the sole mechanism by which new input enters a turn already
// streaming (SPEC_FULL.md §4.6 step 5). Commands beginning with "/" that
// are not in acceptedControlCommands are rejected rather than queued.
func (p *Processor) QueueMessage(sessionID, text string) error {
	if strings.HasPrefix(text, "/") && !acceptedControlCommands[text] {
		return fmt.Errorf("rejected command: %s", text)
	}

	p.mu.Lock()
	state, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	select {
	case state.followups <- text:
		return nil
	default:
		return fmt.Errorf("follow-up queue full for session: %s", sessionID)
	}
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	store *storage.Storage,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Processor {
	// Use reasonable defaults if not specified
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		storage:           store,
		permissionChecker: permChecker,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// Process handles a new user message and generates an assistant response.
// This is the main entry point for the agentic loop.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	p.mu.Lock()

	// Check if session is already processing
	if state, ok := p.sessions[sessionID]; ok {
		// Queue this request
		waiter := make(chan error, 1)
		state.waiters = append(state.waiters, waiter)
		p.mu.Unlock()

		// Wait for current processing to complete
		select {
		case err := <-waiter:
			if err != nil {
				return err
			}
			// Retry processing
			return p.Process(ctx, sessionID, agent, callback)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Create new session state
	loopCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{
		ctx:       loopCtx,
		cancel:    cancel,
		timeline:  p.timelineFor(sessionID),
		followups: make(chan string, followupQueueCapacity),
	}
	p.sessions[sessionID] = state
	p.mu.Unlock()

	// Ensure cleanup
	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)

		// Notify waiters
		for _, waiter := range state.waiters {
			waiter <- nil
		}
		p.mu.Unlock()
	}()

	// Run the agentic loop
	return p.runLoop(loopCtx, sessionID, state, agent, callback)
}

// Abort cancels processing for a session.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	state.cancel()
	return nil
}

// IsProcessing returns whether a session is currently processing.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// GetActiveState returns the current state for a processing session.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}
