package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/parlorhq/parlor/internal/store"
	"github.com/rs/zerolog/log"
)

// ChannelEvent is one delivery on the channel-addressed bus, as opposed to
// the EventType-addressed Bus in bus.go (which remains the local fast path
// used by the session engine and the HTTP/SSE adapter for the teacher's
// richer Session/Message/Part vocabulary). ChannelEvent carries the
// lighter, spec-shaped {channel, type, payload} triple used for
// conversation-scoped and database-scoped notifications, and is the one
// that crosses process boundaries via the change log.
type ChannelEvent struct {
	Channel   string
	Type      string
	Payload   json.RawMessage
	CreatedAt int64
}

const defaultChannelBuffer = 100

// ChannelBus fans out ChannelEvents to local subscribers and, when given a
// store, durably records every publish so other processes polling the same
// database replay it. Grounded on the original Python EventBus
// (event_bus.py): same poll interval, same retention window, same
// own-process-id filtering.
type ChannelBus struct {
	processID string

	mu          sync.RWMutex
	subscribers map[string][]chan ChannelEvent

	stores   map[string]*store.Store // logical db name -> store, enrolled via EnrollStore
	lastSeen map[string]int64        // logical db name -> last polled change_log id

	pollInterval    time.Duration
	sweepEvery      int // sweep after this many poll ticks
	retention       time.Duration
	stopPolling     chan struct{}
	pollingStopped  sync.WaitGroup
	pollingStarted  bool
}

// NewChannelBus constructs a ChannelBus with its own random process id.
func NewChannelBus() *ChannelBus {
	return &ChannelBus{
		processID:    ulid.Make().String(),
		subscribers:  make(map[string][]chan ChannelEvent),
		stores:       make(map[string]*store.Store),
		lastSeen:     make(map[string]int64),
		pollInterval: 1500 * time.Millisecond,
		sweepEvery:   200, // 1.5s * 200 = 300s, matching the original 5-minute cleanup cadence
		retention:    10 * time.Minute,
		stopPolling:  make(chan struct{}),
	}
}

// ProcessID returns this bus's process identity, used to tag outgoing
// change-log rows and filter them back out while polling.
func (b *ChannelBus) ProcessID() string { return b.processID }

// Subscribe returns a bounded channel of events published to channel. The
// returned channel is never closed by Unsubscribe; callers should simply
// stop reading from it and call Unsubscribe to release the slot.
func (b *ChannelBus) Subscribe(channel string) (<-chan ChannelEvent, func()) {
	ch := make(chan ChannelEvent, defaultChannelBuffer)

	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, s := range subs {
			if s == ch {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe
}

// SubscriberCount returns how many local subscribers a channel currently has.
func (b *ChannelBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Publish delivers ev to local subscribers of channel (non-blocking, a full
// subscriber channel drops the event with a logged warning) and, if a store
// is enrolled for dbName, durably records the event for cross-process
// pollers. dbName is "personal" for the operator's own database, or the
// configured name of a shared database.
func (b *ChannelBus) Publish(ctx context.Context, dbName, channel, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel bus: marshal payload: %w", err)
	}

	ev := ChannelEvent{Channel: channel, Type: eventType, Payload: raw, CreatedAt: time.Now().UnixMilli()}
	b.deliverLocal(channel, ev)

	b.mu.RLock()
	st, ok := b.stores[dbName]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	if _, err := st.PublishChange(ctx, b.processID, channel, eventType, string(raw)); err != nil {
		return fmt.Errorf("channel bus: persist change: %w", err)
	}
	return nil
}

func (b *ChannelBus) deliverLocal(channel string, ev ChannelEvent) {
	b.mu.RLock()
	subs := append([]chan ChannelEvent(nil), b.subscribers[channel]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("channel", channel).Msg("channel bus: subscriber queue full, dropping event")
		}
	}
}

// EnrollStore registers a database for cross-process polling under dbName
// and seeds the poll watermark from its current MAX(change_log.id) so
// pre-existing rows are never replayed.
func (b *ChannelBus) EnrollStore(ctx context.Context, dbName string, st *store.Store) error {
	maxID, err := st.MaxChangeLogID(ctx)
	if err != nil {
		return fmt.Errorf("channel bus: enroll store: %w", err)
	}

	b.mu.Lock()
	b.stores[dbName] = st
	b.lastSeen[dbName] = maxID
	b.mu.Unlock()
	return nil
}

// StartPolling launches the background poll loop. Call once per process.
func (b *ChannelBus) StartPolling(ctx context.Context) {
	b.mu.Lock()
	if b.pollingStarted {
		b.mu.Unlock()
		return
	}
	b.pollingStarted = true
	b.mu.Unlock()

	b.pollingStopped.Add(1)
	go b.pollLoop(ctx)
}

// StopPolling stops the background poll loop and waits for it to exit.
func (b *ChannelBus) StopPolling() {
	close(b.stopPolling)
	b.pollingStopped.Wait()
}

func (b *ChannelBus) pollLoop(ctx context.Context) {
	defer b.pollingStopped.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopPolling:
			return
		case <-ticker.C:
			ticks++
			b.pollAllDatabases(ctx)
			if ticks%b.sweepEvery == 0 {
				b.cleanupOldEvents(ctx)
			}
		}
	}
}

func (b *ChannelBus) pollAllDatabases(ctx context.Context) {
	b.mu.RLock()
	dbs := make(map[string]*store.Store, len(b.stores))
	for name, st := range b.stores {
		dbs[name] = st
	}
	b.mu.RUnlock()

	for name, st := range dbs {
		b.mu.RLock()
		after := b.lastSeen[name]
		b.mu.RUnlock()

		rows, err := st.PollChanges(ctx, after)
		if err != nil {
			log.Warn().Err(err).Str("db", name).Msg("channel bus: poll failed")
			continue
		}
		if len(rows) == 0 {
			continue
		}

		var maxSeen int64 = after
		for _, row := range rows {
			if row.ID > maxSeen {
				maxSeen = row.ID
			}
			if row.OriginProcessID == b.processID {
				continue // our own writes already went out via the local fast path
			}
			b.deliverLocal(row.Channel, ChannelEvent{
				Channel:   row.Channel,
				Type:      row.EventType,
				Payload:   json.RawMessage(row.Payload),
				CreatedAt: row.CreatedAt,
			})
		}

		b.mu.Lock()
		b.lastSeen[name] = maxSeen
		b.mu.Unlock()
	}
}

func (b *ChannelBus) cleanupOldEvents(ctx context.Context) {
	cutoff := time.Now().Add(-b.retention).UnixMilli()

	b.mu.RLock()
	dbs := make(map[string]*store.Store, len(b.stores))
	for name, st := range b.stores {
		dbs[name] = st
	}
	b.mu.RUnlock()

	for name, st := range dbs {
		if _, err := st.SweepChangeLog(ctx, cutoff); err != nil {
			log.Warn().Err(err).Str("db", name).Msg("channel bus: sweep failed")
		}
	}
}

// ChannelForConversation returns the canonical per-turn streaming channel
// name for a conversation.
func ChannelForConversation(conversationID string) string {
	return "conversation:" + conversationID
}

// ChannelForDatabase returns the canonical database-scoped notification
// channel name.
func ChannelForDatabase(dbName string) string {
	return "global:" + dbName
}
