package collab

import (
	"bytes"
	"encoding/json"
	"time"
)

// Properties maps a column identifier to the cell value stored for it.
type Properties map[string]any

// Clone returns a shallow copy so that snapshots never share a map.
func (p Properties) Clone() Properties {
	cloned := make(Properties, len(p))
	for key, value := range p {
		cloned[key] = value
	}
	return cloned
}

// Row is an immutable snapshot of a table row. Mutations go through Apply and
// always produce a new value.
type Row struct {
	ID         string     `json:"id"`
	BlockID    string     `json:"block_id"`
	Properties Properties `json:"properties"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
	UpdatedBy  string     `json:"updated_by"`
}

// Property returns the value of a single cell.
func (r Row) Property(propertyID string) (any, bool) {
	value, ok := r.Properties[propertyID]
	return value, ok
}

// Patch describes a change to a row's properties.
type Patch struct {
	Set   Properties
	Unset []string
}

// SetPatch builds a patch that writes a single cell.
func SetPatch(propertyID string, value any) Patch {
	return Patch{Set: Properties{propertyID: value}}
}

// RestorePatch builds a patch that puts a cell back to a previously observed state.
func RestorePatch(propertyID string, previous any, existed bool) Patch {
	if !existed {
		return Patch{Unset: []string{propertyID}}
	}
	return SetPatch(propertyID, previous)
}

// Apply derives a new row from r and the patch.
func (r Row) Apply(patch Patch) Row {
	next := r
	next.Properties = r.Properties.Clone()
	for key, value := range patch.Set {
		next.Properties[key] = value
	}
	for _, key := range patch.Unset {
		delete(next.Properties, key)
	}
	return next
}

// With is shorthand for applying a single-cell patch.
func (r Row) With(propertyID string, value any) Row {
	return r.Apply(SetPatch(propertyID, value))
}

// valuesEqual compares cell values by their JSON encoding so that values decoded
// from different transports (json.Number, float64, strings) compare consistently.
func valuesEqual(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

func propertyEqual(left Row, right Row, propertyID string) bool {
	leftValue, leftOK := left.Property(propertyID)
	rightValue, rightOK := right.Property(propertyID)
	if leftOK != rightOK {
		return false
	}
	if !leftOK {
		return true
	}
	return valuesEqual(leftValue, rightValue)
}
