package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opSessionLoad    = "collab.session.load"
	opSessionRefetch = "collab.session.refetch"
)

var errMissingBlock = errors.New("block identifier is required")

// SessionConfig describes one editing session of a block.
type SessionConfig struct {
	Store            RowStore
	Channel          Channel
	Actor            Actor
	BlockID          string
	Logger           *zap.Logger
	Clock            func() time.Time
	CleanupDelay     time.Duration
	PresenceThrottle time.Duration
	CursorDebounce   time.Duration
	CursorTTL        time.Duration
	BatchConcurrency int
	Observer         func(Event)
}

// Session composes the caches, version store, ledger, coordinator, bridge and
// presence tracker of one block. Invalidated cache keys are refetched in the
// background; results superseded by a newer edit are discarded.
type Session struct {
	store       RowStore
	blockID     string
	logger      *zap.Logger
	rows        *Cache[Row]
	lists       *Cache[[]string]
	versions    *VersionStore
	ledger      *Ledger
	tracker     *PresenceTracker
	coordinator *Coordinator
	bridge      *Bridge

	ctx       context.Context
	cancel    context.CancelFunc
	spawnMu   sync.Mutex
	closed    bool
	refetches sync.WaitGroup
	closeOnce sync.Once
}

// NewSession wires a session. Call Start to load rows and connect.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.BlockID == "" {
		return nil, errMissingBlock
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	rows := NewCache[Row]()
	lists := NewCache[[]string]()
	versions := NewVersionStore()
	ledger := NewLedger(LedgerConfig{CleanupDelay: cfg.CleanupDelay, Clock: cfg.Clock})
	tracker := NewPresenceTracker(cfg.CursorTTL)

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:            cfg.Store,
		Rows:             rows,
		Versions:         versions,
		Ledger:           ledger,
		Actor:            cfg.Actor.ID,
		Clock:            cfg.Clock,
		Logger:           logger,
		BatchConcurrency: cfg.BatchConcurrency,
	})
	if err != nil {
		ledger.Close()
		return nil, err
	}
	bridge, err := NewBridge(BridgeConfig{
		Channel:          cfg.Channel,
		BlockID:          cfg.BlockID,
		Rows:             rows,
		RowLists:         lists,
		Versions:         versions,
		Ledger:           ledger,
		Tracker:          tracker,
		Actor:            cfg.Actor,
		Clock:            cfg.Clock,
		Logger:           logger,
		PresenceThrottle: cfg.PresenceThrottle,
		CursorDebounce:   cfg.CursorDebounce,
		Observer:         cfg.Observer,
	})
	if err != nil {
		ledger.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		store:       cfg.Store,
		blockID:     cfg.BlockID,
		logger:      logger,
		rows:        rows,
		lists:       lists,
		versions:    versions,
		ledger:      ledger,
		tracker:     tracker,
		coordinator: coordinator,
		bridge:      bridge,
		ctx:         ctx,
		cancel:      cancel,
	}
	rows.OnInvalidate(session.scheduleRowRefetch)
	lists.OnInvalidate(session.scheduleListRefetch)
	return session, nil
}

// Start hydrates the block's rows and opens the realtime bridge.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	return s.bridge.Start(s.ctx)
}

// Load replaces the cached rows with the store's current rows.
func (s *Session) Load(ctx context.Context) error {
	listKey := RowListKey(s.blockID)
	generation := s.lists.Generation(listKey)
	rows, err := s.store.ListRows(ctx, s.blockID)
	if err != nil {
		s.logger.Error("collab session error",
			zap.String("operation", opSessionLoad),
			zap.String("block_id", s.blockID),
			zap.Error(err))
		return fmt.Errorf("%s: %w", opSessionLoad, err)
	}
	s.installList(listKey, generation, rows)
	return nil
}

// Close stops the bridge, waits for background refetches and stops the ledger janitor.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.bridge.Stop(ctx)
		s.spawnMu.Lock()
		s.closed = true
		s.spawnMu.Unlock()
		s.cancel()
		s.refetches.Wait()
		s.ledger.Close()
	})
}

// UpdateCell writes a single cell optimistically.
func (s *Session) UpdateCell(ctx context.Context, rowID, propertyID string, value any) (Row, error) {
	return s.coordinator.UpdateCell(ctx, rowID, propertyID, value)
}

// BatchUpdateCells writes many cells, one compare-and-swap per row.
func (s *Session) BatchUpdateCells(ctx context.Context, updates []CellUpdate) []BatchResult {
	return s.coordinator.BatchUpdateCells(ctx, updates)
}

// RetryUpdate re-runs a failed change.
func (s *Session) RetryUpdate(ctx context.Context, changeID string) (Row, error) {
	return s.coordinator.RetryUpdate(ctx, changeID)
}

// CancelUpdate drops a change from the ledger.
func (s *Session) CancelUpdate(changeID string) error {
	return s.coordinator.CancelUpdate(changeID)
}

// RowPendingChanges lists the ledger entries of a row.
func (s *Session) RowPendingChanges(rowID string) []PendingChange {
	return s.coordinator.RowPendingChanges(rowID)
}

// BroadcastCursorPosition shares the local cursor with peers.
func (s *Session) BroadcastCursorPosition(position CursorPosition) {
	s.bridge.BroadcastCursorPosition(position)
}

// UpdateActivity refreshes the local presence record.
func (s *Session) UpdateActivity(ctx context.Context) error {
	return s.bridge.UpdateActivity(ctx)
}

// IsConnected reports realtime channel health.
func (s *Session) IsConnected() bool {
	return s.bridge.IsConnected()
}

// Row returns the cached row, optimistic values included.
func (s *Session) Row(rowID string) (Row, bool) {
	return s.rows.Get(RowKey(rowID))
}

// Rows returns the cached rows of the block in list order.
func (s *Session) Rows() []Row {
	ids, _ := s.lists.Get(RowListKey(s.blockID))
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.rows.Get(RowKey(id)); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// ActiveUsers returns the users currently present on the block.
func (s *Session) ActiveUsers() []PresenceRecord {
	return s.tracker.ActiveUsers()
}

// CursorsAt returns peers' cursors on a cell.
func (s *Session) CursorsAt(rowID, columnID string) []CursorPosition {
	return s.tracker.CursorsAt(rowID, columnID)
}

// OnPresenceChange registers fn to run after presence or cursor changes.
func (s *Session) OnPresenceChange(fn func()) {
	s.tracker.OnChange(fn)
}

func (s *Session) scheduleRowRefetch(key Key) {
	s.spawn(func() { s.refetchRow(key) })
}

func (s *Session) scheduleListRefetch(key Key) {
	s.spawn(func() {
		generation := s.lists.Generation(key)
		rows, err := s.store.ListRows(s.ctx, key.ID)
		if err != nil {
			s.logRefetchFailure(key, err)
			return
		}
		s.installList(key, generation, rows)
	})
}

func (s *Session) spawn(fn func()) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	if s.closed {
		return
	}
	s.refetches.Add(1)
	go func() {
		defer s.refetches.Done()
		fn()
	}()
}

func (s *Session) refetchRow(key Key) {
	generation := s.rows.Generation(key)
	row, err := s.store.FetchRow(s.ctx, key.ID)
	if err != nil {
		s.logRefetchFailure(key, err)
		return
	}
	applied := s.rows.UpdateIfCurrent(key, generation, func(current Row, present bool) (Row, bool) {
		if present && current.Version > row.Version {
			return current, false
		}
		return overlayPending(row, s.ledger, nil), true
	})
	if applied {
		s.versions.Observe(row)
	}
}

func (s *Session) installList(key Key, generation uint64, rows []Row) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		s.versions.Observe(row)
		s.rows.Update(RowKey(row.ID), func(current Row, present bool) (Row, bool) {
			if present && current.Version >= row.Version {
				return current, false
			}
			return overlayPending(row, s.ledger, nil), true
		})
	}
	s.lists.UpdateIfCurrent(key, generation, func([]string, bool) ([]string, bool) {
		return ids, true
	})
}

// logRefetchFailure degrades gracefully: the cache keeps its last value.
func (s *Session) logRefetchFailure(key Key, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn("collab cache refetch failed",
		zap.String("operation", opSessionRefetch),
		zap.String("entity", string(key.Entity)),
		zap.String("id", key.ID),
		zap.Error(err))
}
