package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultCleanupDelay is how long a resolved change stays visible.
const DefaultCleanupDelay = 5 * time.Second

// ChangeStatus is the lifecycle state of a pending change.
type ChangeStatus string

const (
	// ChangeStatusPending marks a change whose server round trip is outstanding.
	ChangeStatusPending ChangeStatus = "pending"
	// ChangeStatusSuccess marks a change confirmed by the server.
	ChangeStatusSuccess ChangeStatus = "success"
	// ChangeStatusError marks a change that failed and was reverted locally.
	ChangeStatusError ChangeStatus = "error"
)

// Terminal reports whether the status ends the change's round trip.
func (s ChangeStatus) Terminal() bool {
	return s == ChangeStatusSuccess || s == ChangeStatusError
}

// PendingChange is a ledger entry for one local cell edit.
type PendingChange struct {
	ID           string       `json:"id"`
	RowID        string       `json:"row_id"`
	PropertyID   string       `json:"property_id"`
	Value        any          `json:"value"`
	Status       ChangeStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	sequence     uint64
}

// LedgerConfig describes how to build a Ledger.
type LedgerConfig struct {
	CleanupDelay time.Duration
	Clock        func() time.Time
	NewID        func() string
}

// Ledger tracks in-flight local edits independently of the row cache.
// Terminal entries expire CleanupDelay after their terminal transition.
type Ledger struct {
	mu           sync.Mutex
	entries      *ttlcache.Cache[string, PendingChange]
	cleanupDelay time.Duration
	clock        func() time.Time
	newID        func() string
	sequence     uint64
	closeOnce    sync.Once
}

// NewLedger constructs a ledger and starts its expiry janitor.
func NewLedger(cfg LedgerConfig) *Ledger {
	cleanupDelay := cfg.CleanupDelay
	if cleanupDelay <= 0 {
		cleanupDelay = DefaultCleanupDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	entries := ttlcache.New[string, PendingChange](
		ttlcache.WithTTL[string, PendingChange](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[string, PendingChange](),
	)
	go entries.Start()

	return &Ledger{
		entries:      entries,
		cleanupDelay: cleanupDelay,
		clock:        clock,
		newID:        newID,
	}
}

// Close stops the expiry janitor.
func (l *Ledger) Close() {
	l.closeOnce.Do(l.entries.Stop)
}

// Add records a new pending change and returns its identifier.
func (l *Ledger) Add(rowID, propertyID string, value any) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence++
	change := PendingChange{
		ID:         l.newID(),
		RowID:      rowID,
		PropertyID: propertyID,
		Value:      value,
		Status:     ChangeStatusPending,
		CreatedAt:  l.clock(),
		sequence:   l.sequence,
	}
	l.entries.Set(change.ID, change, ttlcache.NoTTL)
	return change.ID
}

// MarkSuccess resolves a change as confirmed. Unknown ids are ignored.
func (l *Ledger) MarkSuccess(changeID string) {
	l.transition(changeID, func(change PendingChange) (PendingChange, time.Duration) {
		change.Status = ChangeStatusSuccess
		change.ErrorMessage = ""
		return change, l.cleanupDelay
	})
}

// MarkError resolves a change as failed. Unknown ids are ignored.
func (l *Ledger) MarkError(changeID, message string) {
	l.transition(changeID, func(change PendingChange) (PendingChange, time.Duration) {
		change.Status = ChangeStatusError
		change.ErrorMessage = message
		return change, l.cleanupDelay
	})
}

// Reset returns a failed change to pending so it can be retried. Pending and
// confirmed changes are left alone and reported as false.
func (l *Ledger) Reset(changeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := l.entries.Get(changeID)
	if item == nil || item.Value().Status != ChangeStatusError {
		return false
	}
	change := item.Value()
	change.Status = ChangeStatusPending
	change.ErrorMessage = ""
	l.entries.Set(changeID, change, ttlcache.NoTTL)
	return true
}

// Remove drops a change immediately.
func (l *Ledger) Remove(changeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if item := l.entries.Get(changeID); item == nil {
		return false
	}
	l.entries.Delete(changeID)
	return true
}

// ClearResolved drops every success and error entry now.
func (l *Ledger) ClearResolved() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for changeID, item := range l.entries.Items() {
		if item.Value().Status.Terminal() {
			l.entries.Delete(changeID)
		}
	}
}

// Get returns a single change.
func (l *Ledger) Get(changeID string) (PendingChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := l.entries.Get(changeID)
	if item == nil {
		return PendingChange{}, false
	}
	return item.Value(), true
}

// ForRow lists the changes of a row in creation order.
func (l *Ledger) ForRow(rowID string) []PendingChange {
	return l.filter(func(change PendingChange) bool {
		return change.RowID == rowID
	})
}

// Pending lists the still-pending changes of a row in creation order.
func (l *Ledger) Pending(rowID string) []PendingChange {
	return l.filter(func(change PendingChange) bool {
		return change.RowID == rowID && change.Status == ChangeStatusPending
	})
}

// Find returns the most recent change of a cell with the given status.
func (l *Ledger) Find(rowID, propertyID string, status ChangeStatus) (PendingChange, bool) {
	matches := l.filter(func(change PendingChange) bool {
		return change.RowID == rowID && change.PropertyID == propertyID && change.Status == status
	})
	if len(matches) == 0 {
		return PendingChange{}, false
	}
	return matches[len(matches)-1], true
}

// Len reports the number of visible entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries.Items())
}

func (l *Ledger) transition(changeID string, fn func(PendingChange) (PendingChange, time.Duration)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := l.entries.Get(changeID)
	if item == nil {
		return false
	}
	next, ttl := fn(item.Value())
	l.entries.Set(changeID, next, ttl)
	return true
}

func (l *Ledger) filter(keep func(PendingChange) bool) []PendingChange {
	l.mu.Lock()
	items := l.entries.Items()
	l.mu.Unlock()

	changes := make([]PendingChange, 0, len(items))
	for _, item := range items {
		if change := item.Value(); keep(change) {
			changes = append(changes, change)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].sequence < changes[j].sequence
	})
	return changes
}
