package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opUpdateCell     = "collab.update_cell"
	opRetryUpdate    = "collab.retry_update"
	opBatchUpdate    = "collab.batch_update"
	opNewCoordinator = "collab.coordinator.new"

	maxCellWriteAttempts = 2
)

var (
	errMissingStore    = errors.New("row store is required")
	errMissingCache    = errors.New("row cache is required")
	errMissingVersions = errors.New("version store is required")
	errMissingLedger   = errors.New("ledger is required")
	errMissingActor    = errors.New("actor identifier is required")
	noOpLogger         = zap.NewNop()
)

// CoordinatorConfig wires a Coordinator to its collaborators.
type CoordinatorConfig struct {
	Store            RowStore
	Rows             *Cache[Row]
	Versions         *VersionStore
	Ledger           *Ledger
	Actor            string
	Clock            func() time.Time
	Logger           *zap.Logger
	BatchConcurrency int
}

type cellRef struct {
	rowID      string
	propertyID string
}

// Coordinator applies local cell edits optimistically and reconciles them
// with the row store.
type Coordinator struct {
	store            RowStore
	rows             *Cache[Row]
	versions         *VersionStore
	ledger           *Ledger
	actor            string
	clock            func() time.Time
	logger           *zap.Logger
	batchConcurrency int

	inflightMu sync.Mutex
	inflight   map[cellRef]struct{}
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%s: %w", opNewCoordinator, errMissingStore)
	case cfg.Rows == nil:
		return nil, fmt.Errorf("%s: %w", opNewCoordinator, errMissingCache)
	case cfg.Versions == nil:
		return nil, fmt.Errorf("%s: %w", opNewCoordinator, errMissingVersions)
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%s: %w", opNewCoordinator, errMissingLedger)
	case strings.TrimSpace(cfg.Actor) == "":
		return nil, fmt.Errorf("%s: %w", opNewCoordinator, errMissingActor)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:            cfg.Store,
		rows:             cfg.Rows,
		versions:         cfg.Versions,
		ledger:           cfg.Ledger,
		actor:            cfg.Actor,
		clock:            clock,
		logger:           logger,
		batchConcurrency: cfg.BatchConcurrency,
		inflight:         make(map[cellRef]struct{}),
	}, nil
}

// UpdateCell writes one cell. The cache reflects the new value immediately;
// on failure only that cell is reverted and the ledger entry turns to error.
// A second call for a cell whose write is still outstanding returns
// ErrCellUpdateInFlight without side effects.
func (c *Coordinator) UpdateCell(ctx context.Context, rowID, propertyID string, value any) (Row, error) {
	return c.updateCell(ctx, opUpdateCell, rowID, propertyID, value, "")
}

// RetryUpdate re-runs a failed change with its original value.
func (c *Coordinator) RetryUpdate(ctx context.Context, changeID string) (Row, error) {
	change, ok := c.ledger.Get(changeID)
	if !ok {
		return Row{}, fmt.Errorf("%w: %s", ErrChangeNotFound, changeID)
	}
	if change.Status != ChangeStatusError {
		return Row{}, fmt.Errorf("%w: %s is %s", ErrChangeNotRetryable, changeID, change.Status)
	}
	return c.updateCell(ctx, opRetryUpdate, change.RowID, change.PropertyID, change.Value, change.ID)
}

// CancelUpdate drops a change from the ledger.
func (c *Coordinator) CancelUpdate(changeID string) error {
	if !c.ledger.Remove(changeID) {
		return fmt.Errorf("%w: %s", ErrChangeNotFound, changeID)
	}
	return nil
}

// RowPendingChanges lists the ledger entries of a row, oldest first.
func (c *Coordinator) RowPendingChanges(rowID string) []PendingChange {
	return c.ledger.ForRow(rowID)
}

func (c *Coordinator) updateCell(ctx context.Context, operation, rowID, propertyID string, value any, changeID string) (Row, error) {
	if strings.TrimSpace(rowID) == "" || strings.TrimSpace(propertyID) == "" {
		return Row{}, fmt.Errorf("%w: row %q property %q", ErrInvalidCellUpdate, rowID, propertyID)
	}
	ref := cellRef{rowID: rowID, propertyID: propertyID}
	if !c.acquire(ref) {
		c.loggerOrDefault().Debug("dropping duplicate cell edit",
			zap.String("operation", operation),
			zap.String("row_id", rowID),
			zap.String("property_id", propertyID))
		return Row{}, fmt.Errorf("%w: %s/%s", ErrCellUpdateInFlight, rowID, propertyID)
	}
	defer c.release(ref)

	key := RowKey(rowID)
	defer c.rows.Invalidate(key)
	c.rows.CancelPending(key)

	current, ok := c.rows.Get(key)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
		if changeID != "" {
			c.ledger.MarkError(changeID, err.Error())
		}
		c.logError(operation, "row_not_cached", err, zap.String("row_id", rowID))
		return Row{}, err
	}
	base := c.baseFor(current)
	previous, existed := current.Property(propertyID)

	if changeID == "" {
		changeID = c.ledger.Add(rowID, propertyID, value)
	} else if !c.ledger.Reset(changeID) {
		if _, found := c.ledger.Get(changeID); !found {
			return Row{}, fmt.Errorf("%w: %s", ErrChangeNotFound, changeID)
		}
		return Row{}, fmt.Errorf("%w: %s", ErrChangeNotRetryable, changeID)
	}

	c.rows.Update(key, func(row Row, present bool) (Row, bool) {
		if !present {
			return row, false
		}
		return row.With(propertyID, value), true
	})

	written, latest, err := c.writeCell(ctx, base, propertyID, value)
	if err != nil {
		c.revertCell(rowID, propertyID, previous, existed)
		if errors.Is(err, ErrFieldConflict) {
			c.reconcile(latest, map[string]struct{}{changeID: {}})
		}
		c.ledger.MarkError(changeID, err.Error())
		c.logFailure(operation, err,
			zap.String("row_id", rowID),
			zap.String("property_id", propertyID),
			zap.String("change_id", changeID))
		return Row{}, err
	}

	reconciled, _ := c.reconcile(written, map[string]struct{}{changeID: {}})
	c.ledger.MarkSuccess(changeID)
	return reconciled, nil
}

// writeCell runs the conflict policy and the conditional write. A write that
// loses the compare-and-swap race gets one more pass through the policy
// against the newer row.
func (c *Coordinator) writeCell(ctx context.Context, base Row, propertyID string, value any) (Row, Row, error) {
	latest := base
	for attempt := 1; ; attempt++ {
		serverVersion, err := c.store.FetchVersion(ctx, base.ID)
		if err != nil {
			return Row{}, latest, err
		}
		latest = base
		if serverVersion != base.Version {
			latest, err = c.store.FetchRow(ctx, base.ID)
			if err != nil {
				return Row{}, base, err
			}
		}
		properties, expected, err := resolveCellWrite(base, latest, propertyID, value)
		if err != nil {
			return Row{}, latest, err
		}
		written, err := c.store.WriteRow(ctx, RowWrite{
			RowID:           base.ID,
			Properties:      properties,
			ExpectedVersion: expected,
			UpdatedAt:       c.clock().UTC(),
			UpdatedBy:       c.actor,
		})
		if err == nil {
			return written, latest, nil
		}
		if !errors.Is(err, ErrVersionMismatch) || attempt >= maxCellWriteAttempts {
			return Row{}, latest, err
		}
	}
}

// baseFor returns the authoritative snapshot an edit starts from. Rows the
// session never saw confirmed fall back to the cached value.
func (c *Coordinator) baseFor(current Row) Row {
	if base, ok := c.versions.Base(current.ID); ok {
		return base
	}
	return current
}

// reconcile installs an authoritative row in the cache, keeping pending local
// edits other than skip on top of it. A cached row that is already newer wins.
// A row removed while the write was in flight stays removed; the boolean
// reports whether the row is still cached.
func (c *Coordinator) reconcile(row Row, skip map[string]struct{}) (Row, bool) {
	cached := true
	merged, _ := c.rows.Update(RowKey(row.ID), func(current Row, present bool) (Row, bool) {
		switch {
		case !present:
			cached = false
			return current, false
		case current.Version > row.Version:
			return current, false
		}
		return overlayPending(row, c.ledger, skip), true
	})
	if !cached {
		return row, false
	}
	c.versions.Observe(row)
	return merged, true
}

func (c *Coordinator) revertCell(rowID, propertyID string, previous any, existed bool) {
	c.rows.Update(RowKey(rowID), func(current Row, present bool) (Row, bool) {
		if !present {
			return current, false
		}
		return current.Apply(RestorePatch(propertyID, previous, existed)), true
	})
}

func (c *Coordinator) acquire(ref cellRef) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[ref]; busy {
		return false
	}
	c.inflight[ref] = struct{}{}
	return true
}

func (c *Coordinator) release(ref cellRef) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, ref)
}

func (c *Coordinator) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

// logFailure reports conflicts at warn level; they are an expected outcome of
// concurrent editing.
func (c *Coordinator) logFailure(operation string, err error, fields ...zap.Field) {
	if errors.Is(err, ErrFieldConflict) || errors.Is(err, ErrVersionMismatch) {
		attrs := append([]zap.Field{
			zap.String("operation", operation),
			zap.String("reason", "conflict"),
			zap.Error(err),
		}, fields...)
		c.loggerOrDefault().Warn("collab write rejected", attrs...)
		return
	}
	c.logError(operation, "write_failed", err, fields...)
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("collab coordinator error", attrs...)
}
