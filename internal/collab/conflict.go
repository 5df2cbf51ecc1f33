package collab

import "fmt"

// resolveCellWrite decides what a single-cell write sends to the store.
//
// base is the last authoritative snapshot the edit started from and latest is
// the row as the server holds it now. When the versions agree the cell is
// written on top of base. When they differ, the write is rebased onto latest
// unless the same cell changed in between, which is a conflict.
func resolveCellWrite(base Row, latest Row, propertyID string, value any) (Properties, int64, error) {
	if latest.Version == base.Version {
		return base.With(propertyID, value).Properties, base.Version, nil
	}
	if !propertyEqual(base, latest, propertyID) {
		return nil, latest.Version, fmt.Errorf("%w: %s/%s changed at version %d", ErrFieldConflict, latest.ID, propertyID, latest.Version)
	}
	return latest.With(propertyID, value).Properties, latest.Version, nil
}

// resolveRowWrite decides what a batch write sends to the store. Batches only
// compare row versions; any concurrent change to the row fails the batch.
func resolveRowWrite(base Row, serverVersion int64, patch Patch) (Properties, int64, error) {
	if serverVersion != base.Version {
		return nil, serverVersion, fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionMismatch, base.ID, serverVersion, base.Version)
	}
	return base.Apply(patch).Properties, base.Version, nil
}

// overlayPending re-applies the session's still-pending local edits on top of
// an authoritative row so that reconciliation never clobbers them.
func overlayPending(row Row, ledger *Ledger, skip map[string]struct{}) Row {
	pending := ledger.Pending(row.ID)
	if len(pending) == 0 {
		return row
	}
	patch := Patch{Set: Properties{}}
	for _, change := range pending {
		if _, skipped := skip[change.ID]; skipped {
			continue
		}
		patch.Set[change.PropertyID] = change.Value
	}
	if len(patch.Set) == 0 {
		return row
	}
	return row.Apply(patch)
}
