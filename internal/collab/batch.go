package collab

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CellUpdate is one cell of a batch edit.
type CellUpdate struct {
	RowID      string `json:"row_id"`
	PropertyID string `json:"property_id"`
	Value      any    `json:"value"`
}

// BatchResult reports the outcome of one row of a batch edit.
type BatchResult struct {
	RowID   string
	Success bool
	Row     Row
	Err     error
}

type rowCellGroup struct {
	rowID   string
	updates []CellUpdate
}

// BatchUpdateCells groups updates by row and writes each row with a single
// compare-and-swap. Rows succeed or fail independently; results follow the
// order in which each row first appears in updates.
func (c *Coordinator) BatchUpdateCells(ctx context.Context, updates []CellUpdate) []BatchResult {
	groups := groupCellUpdates(updates)
	results := make([]BatchResult, len(groups))

	var group errgroup.Group
	if c.batchConcurrency > 0 {
		group.SetLimit(c.batchConcurrency)
	}
	for index, rowGroup := range groups {
		index, rowGroup := index, rowGroup
		group.Go(func() error {
			results[index] = c.updateRowCells(ctx, rowGroup)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func groupCellUpdates(updates []CellUpdate) []rowCellGroup {
	positions := make(map[string]int)
	groups := make([]rowCellGroup, 0)
	for _, update := range updates {
		position, seen := positions[update.RowID]
		if !seen {
			position = len(groups)
			positions[update.RowID] = position
			groups = append(groups, rowCellGroup{rowID: update.RowID})
		}
		groups[position].updates = append(groups[position].updates, update)
	}
	return groups
}

func (c *Coordinator) updateRowCells(ctx context.Context, rowGroup rowCellGroup) BatchResult {
	rowID := rowGroup.rowID
	key := RowKey(rowID)
	defer c.rows.Invalidate(key)
	c.rows.CancelPending(key)

	current, ok := c.rows.Get(key)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
		c.logError(opBatchUpdate, "row_not_cached", err, zap.String("row_id", rowID))
		return BatchResult{RowID: rowID, Err: err}
	}
	base := c.baseFor(current)

	patch := Patch{Set: Properties{}}
	changeIDs := make([]string, 0, len(rowGroup.updates))
	for _, update := range rowGroup.updates {
		if update.PropertyID == "" {
			continue
		}
		changeIDs = append(changeIDs, c.ledger.Add(rowID, update.PropertyID, update.Value))
		patch.Set[update.PropertyID] = update.Value
	}
	if len(patch.Set) == 0 {
		err := fmt.Errorf("%w: row %q has no properties", ErrInvalidCellUpdate, rowID)
		return BatchResult{RowID: rowID, Err: err}
	}

	c.rows.Update(key, func(row Row, present bool) (Row, bool) {
		if !present {
			return row, false
		}
		return row.Apply(patch), true
	})

	written, err := c.writeRow(ctx, base, patch)
	if err != nil {
		for propertyID := range patch.Set {
			previous, existed := current.Property(propertyID)
			c.revertCell(rowID, propertyID, previous, existed)
		}
		for _, changeID := range changeIDs {
			if change, found := c.ledger.Get(changeID); found && change.Status == ChangeStatusPending {
				c.ledger.MarkError(changeID, err.Error())
			}
		}
		c.logFailure(opBatchUpdate, err,
			zap.String("row_id", rowID),
			zap.Int("cells", len(patch.Set)))
		return BatchResult{RowID: rowID, Err: err}
	}

	skip := make(map[string]struct{}, len(changeIDs))
	for _, changeID := range changeIDs {
		skip[changeID] = struct{}{}
	}
	reconciled, _ := c.reconcile(written, skip)
	for _, changeID := range changeIDs {
		c.ledger.MarkSuccess(changeID)
	}
	return BatchResult{RowID: rowID, Success: true, Row: reconciled}
}

func (c *Coordinator) writeRow(ctx context.Context, base Row, patch Patch) (Row, error) {
	serverVersion, err := c.store.FetchVersion(ctx, base.ID)
	if err != nil {
		return Row{}, err
	}
	properties, expected, err := resolveRowWrite(base, serverVersion, patch)
	if err != nil {
		return Row{}, err
	}
	return c.store.WriteRow(ctx, RowWrite{
		RowID:           base.ID,
		Properties:      properties,
		ExpectedVersion: expected,
		UpdatedAt:       c.clock().UTC(),
		UpdatedBy:       c.actor,
	})
}
