package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPresenceThrottle bounds how often presence snapshots reach the tracker.
	DefaultPresenceThrottle = 500 * time.Millisecond
	// DefaultCursorDebounce bounds how often the local cursor is broadcast.
	DefaultCursorDebounce = 50 * time.Millisecond

	opBridgeStart = "collab.bridge.start"
	opBridgeEvent = "collab.bridge.event"
	opBridgeSend  = "collab.bridge.send"
)

var (
	errMissingChannel = errors.New("realtime channel is required")
	errMissingTracker = errors.New("presence tracker is required")
	errBridgeStarted  = errors.New("bridge already started")
)

// Actor identifies the local user of a session.
type Actor struct {
	ID        string
	Name      string
	AvatarURL string
}

// BridgeConfig wires a Bridge to its collaborators.
type BridgeConfig struct {
	Channel          Channel
	BlockID          string
	Rows             *Cache[Row]
	RowLists         *Cache[[]string]
	Versions         *VersionStore
	Ledger           *Ledger
	Tracker          *PresenceTracker
	Actor            Actor
	Clock            func() time.Time
	Logger           *zap.Logger
	// Zero selects the defaults; a negative value disables the limit.
	PresenceThrottle time.Duration
	CursorDebounce   time.Duration
	// Observer, when set, sees every event after it has been applied.
	Observer func(Event)
}

// Bridge merges pushed row changes, presence and cursors into the local state.
type Bridge struct {
	channel  Channel
	blockID  string
	rows     *Cache[Row]
	lists    *Cache[[]string]
	versions *VersionStore
	ledger   *Ledger
	tracker  *PresenceTracker
	actor    Actor
	clock    func() time.Time
	logger   *zap.Logger
	observer func(Event)

	presenceThrottle *Throttle
	cursorDebounce   *Debouncer
	connected        atomic.Bool

	mu       sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	onlineAt time.Time
}

// NewBridge validates the configuration and constructs a Bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	switch {
	case cfg.Channel == nil:
		return nil, errMissingChannel
	case cfg.Rows == nil:
		return nil, errMissingCache
	case cfg.RowLists == nil:
		return nil, errMissingCache
	case cfg.Versions == nil:
		return nil, errMissingVersions
	case cfg.Ledger == nil:
		return nil, errMissingLedger
	case cfg.Tracker == nil:
		return nil, errMissingTracker
	case cfg.Actor.ID == "":
		return nil, errMissingActor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	throttle := cfg.PresenceThrottle
	if throttle == 0 {
		throttle = DefaultPresenceThrottle
	}
	debounce := cfg.CursorDebounce
	if debounce == 0 {
		debounce = DefaultCursorDebounce
	}
	return &Bridge{
		channel:          cfg.Channel,
		blockID:          cfg.BlockID,
		rows:             cfg.Rows,
		lists:            cfg.RowLists,
		versions:         cfg.Versions,
		ledger:           cfg.Ledger,
		tracker:          cfg.Tracker,
		actor:            cfg.Actor,
		clock:            clock,
		logger:           logger,
		observer:         cfg.Observer,
		presenceThrottle: NewThrottle(throttle),
		cursorDebounce:   NewDebouncer(debounce),
	}, nil
}

// Start subscribes to the channel and processes events until Stop or ctx ends.
// Presence is tracked once the channel reports it is subscribed.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errBridgeStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	events, err := b.channel.Subscribe(runCtx)
	if err != nil {
		cancel()
		b.logError(opBridgeStart, "subscribe_failed", err, zap.String("block_id", b.blockID))
		return fmt.Errorf("%s: %w", opBridgeStart, err)
	}
	b.runCtx = runCtx
	b.cancel = cancel
	b.done = make(chan struct{})
	b.onlineAt = b.clock().UTC()
	go b.run(runCtx, events, b.done)
	return nil
}

// Stop untracks presence, closes the channel and drops pending timers.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}

	if b.connected.Load() {
		if err := b.channel.Untrack(ctx); err != nil {
			b.logger.Warn("presence untrack failed", zap.String("block_id", b.blockID), zap.Error(err))
		}
	}
	if err := b.channel.Close(); err != nil {
		b.logger.Warn("channel close failed", zap.String("block_id", b.blockID), zap.Error(err))
	}
	b.presenceThrottle.Stop()
	b.cursorDebounce.Stop()
	cancel()
	<-done
	b.connected.Store(false)
}

// IsConnected reports whether the channel is currently subscribed.
func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

// BroadcastCursorPosition sends the local cursor to peers after the debounce
// window; only the last position of a burst is sent.
func (b *Bridge) BroadcastCursorPosition(position CursorPosition) {
	position.UserID = b.actor.ID
	if position.Timestamp == 0 {
		position.Timestamp = b.clock().UnixMilli()
	}
	b.cursorDebounce.Do(func() {
		ctx := b.context()
		if err := b.channel.Send(ctx, CursorEvent, position); err != nil {
			b.logError(opBridgeSend, "cursor_send_failed", err, zap.String("block_id", b.blockID))
		}
	})
}

// UpdateActivity re-tracks the local presence with a fresh activity time.
func (b *Bridge) UpdateActivity(ctx context.Context) error {
	if err := b.channel.Track(ctx, b.presenceRecord()); err != nil {
		b.logError(opBridgeSend, "track_failed", err, zap.String("block_id", b.blockID))
		return err
	}
	return nil
}

func (b *Bridge) run(ctx context.Context, events <-chan Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				b.connected.Store(false)
				return
			}
			b.handle(ctx, event)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, event Event) {
	switch event.Kind {
	case EventRowInsert:
		if event.Row != nil {
			b.applyInsert(*event.Row)
		}
	case EventRowUpdate:
		if event.Row != nil {
			b.applyUpdate(*event.Row)
		}
	case EventRowDelete:
		b.applyDelete(event)
	case EventPresenceSync:
		snapshot := event.Presence
		b.presenceThrottle.Do(func() {
			b.tracker.SetPresence(snapshot)
		})
	case EventBroadcast:
		b.applyBroadcast(event.Broadcast)
	case EventStatus:
		b.applyStatus(ctx, event.Status)
	default:
		b.logger.Debug("ignoring realtime event", zap.String("kind", string(event.Kind)))
	}
	if b.observer != nil {
		b.observer(event)
	}
}

func (b *Bridge) applyInsert(row Row) {
	if !b.inScope(row) {
		return
	}
	b.versions.Observe(row)
	b.rows.Update(RowKey(row.ID), func(current Row, present bool) (Row, bool) {
		if present {
			return current, false
		}
		return row, true
	})
	b.lists.Update(RowListKey(b.blockID), func(ids []string, present bool) ([]string, bool) {
		if !present || slices.Contains(ids, row.ID) {
			return ids, false
		}
		return append(slices.Clone(ids), row.ID), true
	})
}

// applyUpdate merges another actor's change. Changes made by the local actor
// are echoes of writes the coordinator already reconciled.
func (b *Bridge) applyUpdate(row Row) {
	if !b.inScope(row) {
		return
	}
	b.versions.Observe(row)
	if row.UpdatedBy == b.actor.ID {
		b.logger.Debug("suppressing own echo",
			zap.String("block_id", b.blockID),
			zap.String("row_id", row.ID),
			zap.Int64("version", row.Version))
		return
	}
	b.rows.Update(RowKey(row.ID), func(current Row, present bool) (Row, bool) {
		if present && current.Version > row.Version {
			return current, false
		}
		return overlayPending(row, b.ledger, nil), true
	})
	b.lists.Invalidate(RowListKey(b.blockID))
}

func (b *Bridge) applyDelete(event Event) {
	var rowID string
	switch {
	case event.OldRow != nil:
		rowID = event.OldRow.ID
	case event.Row != nil:
		rowID = event.Row.ID
	}
	if rowID == "" {
		return
	}
	b.rows.Remove(RowKey(rowID))
	b.versions.Forget(rowID)
	listKey := RowListKey(b.blockID)
	b.lists.Update(listKey, func(ids []string, present bool) ([]string, bool) {
		if !present || !slices.Contains(ids, rowID) {
			return ids, false
		}
		return slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == rowID }), true
	})
	b.lists.Invalidate(listKey)
}

func (b *Bridge) applyBroadcast(message *BroadcastMessage) {
	if message == nil || message.Event != CursorEvent {
		return
	}
	var position CursorPosition
	if err := json.Unmarshal(message.Payload, &position); err != nil {
		b.logger.Warn("discarding malformed cursor broadcast", zap.String("block_id", b.blockID), zap.Error(err))
		return
	}
	if position.UserID == "" || position.UserID == b.actor.ID {
		return
	}
	b.tracker.UpdateCursor(position)
}

func (b *Bridge) applyStatus(ctx context.Context, status ChannelStatus) {
	switch status {
	case ChannelSubscribed:
		b.connected.Store(true)
		if err := b.channel.Track(ctx, b.presenceRecord()); err != nil {
			b.logError(opBridgeEvent, "track_failed", err, zap.String("block_id", b.blockID))
		}
	case ChannelClosed:
		b.connected.Store(false)
	}
}

func (b *Bridge) inScope(row Row) bool {
	return row.ID != "" && (row.BlockID == "" || b.blockID == "" || row.BlockID == b.blockID)
}

func (b *Bridge) presenceRecord() PresenceRecord {
	b.mu.Lock()
	onlineAt := b.onlineAt
	b.mu.Unlock()
	now := b.clock().UTC()
	if onlineAt.IsZero() {
		onlineAt = now
	}
	return PresenceRecord{
		UserID:         b.actor.ID,
		UserName:       b.actor.Name,
		UserAvatar:     b.actor.AvatarURL,
		OnlineAt:       onlineAt,
		LastActivityAt: now,
	}
}

func (b *Bridge) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx == nil {
		return context.Background()
	}
	return b.runCtx
}

func (b *Bridge) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("collab bridge error", attrs...)
}
