package collab

import "errors"

var (
	// ErrRowNotFound indicates that the row being edited is absent from the local cache.
	ErrRowNotFound = errors.New("collab: row not found in cache")
	// ErrFieldConflict indicates that another user changed the same cell since the edit began.
	ErrFieldConflict = errors.New("collab: field was updated by another user")
	// ErrVersionMismatch indicates that a compare-and-swap write lost against a newer row version.
	ErrVersionMismatch = errors.New("collab: row version mismatch")
	// ErrCellUpdateInFlight indicates that a write to the same cell is still outstanding.
	ErrCellUpdateInFlight = errors.New("collab: cell update already in flight")
	// ErrChangeNotFound indicates that a ledger entry no longer exists.
	ErrChangeNotFound = errors.New("collab: pending change not found")
	// ErrChangeNotRetryable indicates a retry of a change that has not failed.
	ErrChangeNotRetryable = errors.New("collab: only failed changes can be retried")
	// ErrInvalidCellUpdate indicates that a cell coordinate is empty.
	ErrInvalidCellUpdate = errors.New("collab: invalid cell update")
)
