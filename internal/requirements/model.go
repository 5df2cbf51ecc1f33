package requirements

import (
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"gorm.io/datatypes"
)

// Operation enumerates the row mutations recorded in the revision trail.
type Operation string

const (
	// OperationInsert records a row creation.
	OperationInsert Operation = "insert"
	// OperationUpdate records a property change.
	OperationUpdate Operation = "update"
	// OperationDelete records a row removal.
	OperationDelete Operation = "delete"
)

// Row models one requirement row. Properties hold the cell values keyed by
// column identifier; Version increments on every accepted write.
type Row struct {
	RowID            string            `gorm:"column:row_id;primaryKey;size:190;not null"`
	BlockID          string            `gorm:"column:block_id;size:190;not null;index:idx_rows_block_position,priority:1"`
	Position         int64             `gorm:"column:position;not null;default:0;index:idx_rows_block_position,priority:2"`
	Properties       datatypes.JSONMap `gorm:"column:properties;not null"`
	Version          int64             `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64             `gorm:"column:updated_at_s;not null"`
	UpdatedBy        string            `gorm:"column:updated_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "requirement_rows"
}

// Snapshot converts the persisted row into the snapshot shared with clients.
func (r Row) Snapshot() collab.Row {
	properties := collab.Properties{}
	for key, value := range r.Properties {
		properties[key] = value
	}
	return collab.Row{
		ID:         r.RowID,
		BlockID:    r.BlockID,
		Properties: properties,
		Version:    r.Version,
		UpdatedAt:  time.Unix(r.UpdatedAtSeconds, 0).UTC(),
		UpdatedBy:  r.UpdatedBy,
	}
}

// RowRevision captures an append-only audit trail of row mutations.
type RowRevision struct {
	RevisionID       string            `gorm:"column:revision_id;primaryKey;size:190;not null"`
	RowID            string            `gorm:"column:row_id;size:190;not null;index:idx_revisions_row_version,priority:1"`
	BlockID          string            `gorm:"column:block_id;size:190;not null"`
	Version          int64             `gorm:"column:version;not null;index:idx_revisions_row_version,priority:2"`
	Operation        Operation         `gorm:"column:op;size:16;not null"`
	Properties       datatypes.JSONMap `gorm:"column:properties"`
	ChangedBy        string            `gorm:"column:changed_by;size:190;not null"`
	ChangedAtSeconds int64             `gorm:"column:changed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RowRevision) TableName() string {
	return "requirement_row_revisions"
}

// RowChange describes a committed mutation for realtime fan-out.
type RowChange struct {
	Operation Operation
	Row       Row
	OldRow    *Row
}

// ChangePublisher receives committed row changes.
type ChangePublisher interface {
	PublishRowChange(change RowChange)
}

// InsertRequest describes a new row.
type InsertRequest struct {
	BlockID    BlockID
	RowID      string
	Properties map[string]any
	Actor      ActorID
}

// UpdateRequest describes a compare-and-swap write of a row's properties.
type UpdateRequest struct {
	RowID           RowID
	Properties      map[string]any
	ExpectedVersion int64
	Actor           ActorID
}
