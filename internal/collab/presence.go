package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultCursorTTL bounds how long a silent peer's cursor stays visible.
const DefaultCursorTTL = 30 * time.Second

// PresenceRecord describes one connected user.
type PresenceRecord struct {
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	UserAvatar     string    `json:"user_avatar,omitempty"`
	OnlineAt       time.Time `json:"online_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CursorPosition is an ephemeral focus indicator broadcast by a peer.
type CursorPosition struct {
	UserID    string  `json:"user_id"`
	RowID     string  `json:"row_id"`
	ColumnID  string  `json:"column_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

// PresenceTracker holds the active-user set and the latest cursor of every
// peer. It performs no I/O; the bridge feeds it.
type PresenceTracker struct {
	mu        sync.RWMutex
	presence  map[string][]PresenceRecord
	cursors   *ttlcache.Cache[string, CursorPosition]
	listeners []func()
}

// NewPresenceTracker constructs an empty tracker. A non-positive cursorTTL
// selects DefaultCursorTTL.
func NewPresenceTracker(cursorTTL time.Duration) *PresenceTracker {
	if cursorTTL <= 0 {
		cursorTTL = DefaultCursorTTL
	}
	return &PresenceTracker{
		presence: make(map[string][]PresenceRecord),
		cursors: ttlcache.New[string, CursorPosition](
			ttlcache.WithTTL[string, CursorPosition](cursorTTL),
			ttlcache.WithDisableTouchOnHit[string, CursorPosition](),
		),
	}
}

// SetPresence replaces the presence snapshot. Cursors of users no longer
// present are dropped.
func (t *PresenceTracker) SetPresence(snapshot map[string][]PresenceRecord) {
	next := make(map[string][]PresenceRecord, len(snapshot))
	online := make(map[string]struct{})
	for connection, records := range snapshot {
		next[connection] = append([]PresenceRecord(nil), records...)
		for _, record := range records {
			online[record.UserID] = struct{}{}
		}
	}

	t.mu.Lock()
	t.presence = next
	t.cursors.DeleteExpired()
	for userID := range t.cursors.Items() {
		if _, ok := online[userID]; !ok {
			t.cursors.Delete(userID)
		}
	}
	listeners := append([]func(){}, t.listeners...)
	t.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}

// ActiveUsers returns one record per user, the most recently active one when
// a user holds several connections, ordered by user name.
func (t *PresenceTracker) ActiveUsers() []PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byUser := make(map[string]PresenceRecord)
	for _, records := range t.presence {
		for _, record := range records {
			existing, ok := byUser[record.UserID]
			if !ok || record.LastActivityAt.After(existing.LastActivityAt) {
				byUser[record.UserID] = record
			}
		}
	}
	users := make([]PresenceRecord, 0, len(byUser))
	for _, record := range byUser {
		users = append(users, record)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].UserName == users[j].UserName {
			return users[i].UserID < users[j].UserID
		}
		return users[i].UserName < users[j].UserName
	})
	return users
}

// UpdateCursor stores a peer's cursor unless a newer one is already held.
func (t *PresenceTracker) UpdateCursor(position CursorPosition) {
	if position.UserID == "" {
		return
	}
	t.mu.Lock()
	if item := t.cursors.Get(position.UserID); item != nil && item.Value().Timestamp > position.Timestamp {
		t.mu.Unlock()
		return
	}
	t.cursors.Set(position.UserID, position, ttlcache.DefaultTTL)
	listeners := append([]func(){}, t.listeners...)
	t.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}

// Cursor returns the latest cursor of a user.
func (t *PresenceTracker) Cursor(userID string) (CursorPosition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item := t.cursors.Get(userID)
	if item == nil {
		return CursorPosition{}, false
	}
	return item.Value(), true
}

// CursorsAt returns the cursors focused on a cell, ordered by user.
func (t *PresenceTracker) CursorsAt(rowID, columnID string) []CursorPosition {
	t.mu.RLock()
	items := t.cursors.Items()
	t.mu.RUnlock()

	positions := make([]CursorPosition, 0)
	for _, item := range items {
		position := item.Value()
		if position.RowID == rowID && position.ColumnID == columnID {
			positions = append(positions, position)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UserID < positions[j].UserID
	})
	return positions
}

// OnChange registers fn to run after every presence or cursor change.
func (t *PresenceTracker) OnChange(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}
