package collab

import (
	"context"
	"time"
)

// RowStore is the authoritative row backend the coordinators write through.
// WriteRow must be conditional on ExpectedVersion and report a lost race with
// an error wrapping ErrVersionMismatch.
type RowStore interface {
	ListRows(ctx context.Context, blockID string) ([]Row, error)
	FetchRow(ctx context.Context, rowID string) (Row, error)
	FetchVersion(ctx context.Context, rowID string) (int64, error)
	WriteRow(ctx context.Context, write RowWrite) (Row, error)
}

// RowWrite is a compare-and-swap write of a row's full property set.
type RowWrite struct {
	RowID           string
	Properties      Properties
	ExpectedVersion int64
	UpdatedAt       time.Time
	UpdatedBy       string
}

// NextVersion is the version the row carries once the write is accepted.
func (w RowWrite) NextVersion() int64 {
	return w.ExpectedVersion + 1
}
