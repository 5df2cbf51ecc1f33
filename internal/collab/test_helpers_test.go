package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var (
	testClockTime   = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	errFakeNotFound = errors.New("fake store: row not found")
	errFakeOffline  = errors.New("fake store: connection refused")
)

func fixedClock() time.Time {
	return testClockTime
}

func testRow(id string, version int64, properties Properties) Row {
	return Row{
		ID:         id,
		BlockID:    "block-1",
		Properties: properties,
		Version:    version,
		UpdatedAt:  testClockTime,
		UpdatedBy:  "seed",
	}
}

// fakeStore is an in-memory RowStore with hooks that let tests interleave
// remote writes between the coordinator's suspension points.
type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]Row
	order []string

	writeErr      error
	beforeWrite   func(write RowWrite)
	writes        []RowWrite
	listCalls     int
	fetchRowCalls int
}

func newFakeStore(rows ...Row) *fakeStore {
	store := &fakeStore{rows: make(map[string]Row)}
	for _, row := range rows {
		store.rows[row.ID] = row
		store.order = append(store.order, row.ID)
	}
	return store
}

func (s *fakeStore) ListRows(_ context.Context, blockID string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	rows := make([]Row, 0, len(s.order))
	for _, id := range s.order {
		if row, ok := s.rows[id]; ok && row.BlockID == blockID {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *fakeStore) FetchRow(_ context.Context, rowID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchRowCalls++
	row, ok := s.rows[rowID]
	if !ok {
		return Row{}, errFakeNotFound
	}
	return row, nil
}

func (s *fakeStore) FetchVersion(_ context.Context, rowID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowID]
	if !ok {
		return 0, errFakeNotFound
	}
	return row.Version, nil
}

func (s *fakeStore) WriteRow(_ context.Context, write RowWrite) (Row, error) {
	s.mu.Lock()
	hook := s.beforeWrite
	s.mu.Unlock()
	if hook != nil {
		hook(write)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, write)
	if s.writeErr != nil {
		return Row{}, s.writeErr
	}
	row, ok := s.rows[write.RowID]
	if !ok {
		return Row{}, errFakeNotFound
	}
	if row.Version != write.ExpectedVersion {
		return Row{}, fmt.Errorf("%w: stored %d, expected %d", ErrVersionMismatch, row.Version, write.ExpectedVersion)
	}
	row.Properties = write.Properties.Clone()
	row.Version = write.NextVersion()
	row.UpdatedAt = write.UpdatedAt
	row.UpdatedBy = write.UpdatedBy
	s.rows[row.ID] = row
	return row, nil
}

// remoteWrite simulates another actor committing a change directly.
func (s *fakeStore) remoteWrite(rowID, actor, propertyID string, value any) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[rowID].With(propertyID, value)
	row.Version++
	row.UpdatedBy = actor
	s.rows[rowID] = row
	return row
}

func (s *fakeStore) row(rowID string) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[rowID]
}

func (s *fakeStore) setWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *fakeStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.fetchRowCalls
}

type sentMessage struct {
	event   string
	payload json.RawMessage
}

// fakeChannel records outgoing traffic and lets tests push events.
type fakeChannel struct {
	mu        sync.Mutex
	events    chan Event
	tracked   []PresenceRecord
	untracked int
	sent      []sentMessage
	closed    bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 32)}
}

func (c *fakeChannel) Subscribe(context.Context) (<-chan Event, error) {
	return c.events, nil
}

func (c *fakeChannel) Track(_ context.Context, record PresenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, record)
	return nil
}

func (c *fakeChannel) Untrack(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untracked++
	return nil
}

func (c *fakeChannel) Send(_ context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{event: event, payload: encoded})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeChannel) snapshot() ([]PresenceRecord, int, []sentMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PresenceRecord(nil), c.tracked...), c.untracked, append([]sentMessage(nil), c.sent...), c.closed
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *fakeStore
	rows        *Cache[Row]
	versions    *VersionStore
	ledger      *Ledger
}

func newCoordinatorFixture(t *testing.T, rows ...Row) coordinatorFixture {
	t.Helper()
	store := newFakeStore(rows...)
	cache := NewCache[Row]()
	versions := NewVersionStore()
	for _, row := range rows {
		cache.Set(RowKey(row.ID), row)
		versions.Observe(row)
	}
	ledger := NewLedger(LedgerConfig{Clock: fixedClock})
	t.Cleanup(ledger.Close)

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:    store,
		Rows:     cache,
		Versions: versions,
		Ledger:   ledger,
		Actor:    "user-a",
		Clock:    fixedClock,
	})
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	return coordinatorFixture{
		coordinator: coordinator,
		store:       store,
		rows:        cache,
		versions:    versions,
		ledger:      ledger,
	}
}

func (f coordinatorFixture) cached(t *testing.T, rowID string) Row {
	t.Helper()
	row, ok := f.rows.Get(RowKey(rowID))
	if !ok {
		t.Fatalf("row %s missing from cache", rowID)
	}
	return row
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
