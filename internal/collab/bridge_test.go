package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type bridgeFixture struct {
	bridge   *Bridge
	channel  *fakeChannel
	rows     *Cache[Row]
	lists    *Cache[[]string]
	versions *VersionStore
	ledger   *Ledger
	tracker  *PresenceTracker
}

func newBridgeFixture(t *testing.T, rows ...Row) bridgeFixture {
	t.Helper()
	fixture := bridgeFixture{
		channel:  newFakeChannel(),
		rows:     NewCache[Row](),
		lists:    NewCache[[]string](),
		versions: NewVersionStore(),
		ledger:   NewLedger(LedgerConfig{}),
		tracker:  NewPresenceTracker(0),
	}
	t.Cleanup(fixture.ledger.Close)

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		fixture.rows.Set(RowKey(row.ID), row)
		fixture.versions.Observe(row)
		ids = append(ids, row.ID)
	}
	fixture.lists.Set(RowListKey("block-1"), ids)

	bridge, err := NewBridge(BridgeConfig{
		Channel:          fixture.channel,
		BlockID:          "block-1",
		Rows:             fixture.rows,
		RowLists:         fixture.lists,
		Versions:         fixture.versions,
		Ledger:           fixture.ledger,
		Tracker:          fixture.tracker,
		Actor:            Actor{ID: "user-a", Name: "Ada"},
		Clock:            fixedClock,
		PresenceThrottle: -1,
		CursorDebounce:   -1,
	})
	if err != nil {
		t.Fatalf("NewBridge returned error: %v", err)
	}
	fixture.bridge = bridge
	return fixture
}

func (f bridgeFixture) cached(t *testing.T, rowID string) Row {
	t.Helper()
	row, ok := f.rows.Get(RowKey(rowID))
	if !ok {
		t.Fatalf("row %s missing from cache", rowID)
	}
	return row
}

func TestBridgeSuppressesOwnEcho(t *testing.T) {
	fixture := newBridgeFixture(t, testRow("row-1", 2, Properties{"status": "local"}))
	echo := testRow("row-1", 3, Properties{"status": "server"})
	echo.UpdatedBy = "user-a"

	fixture.bridge.handle(context.Background(), Event{Kind: EventRowUpdate, Row: &echo})

	if value, _ := fixture.cached(t, "row-1").Property("status"); value != "local" {
		t.Fatalf("expected echo to leave the cache alone, got %v", value)
	}
	if known, _ := fixture.versions.Known("row-1"); known != 3 {
		t.Fatalf("expected echo version observed, got %d", known)
	}
	if fixture.lists.IsStale(RowListKey("block-1")) {
		t.Fatalf("expected echo not to invalidate the row list")
	}
}

func TestBridgeMergesForeignUpdateKeepingPendingEdits(t *testing.T) {
	fixture := newBridgeFixture(t, testRow("row-1", 2, Properties{"status": "open", "owner": "ana"}))
	fixture.ledger.Add("row-1", "owner", "cai")
	fixture.rows.Update(RowKey("row-1"), func(row Row, present bool) (Row, bool) {
		return row.With("owner", "cai"), present
	})
	remote := testRow("row-1", 3, Properties{"status": "closed", "owner": "ana"})
	remote.UpdatedBy = "user-b"

	fixture.bridge.handle(context.Background(), Event{Kind: EventRowUpdate, Row: &remote})

	cached := fixture.cached(t, "row-1")
	if cached.Version != 3 {
		t.Fatalf("expected version 3, got %d", cached.Version)
	}
	if value, _ := cached.Property("status"); value != "closed" {
		t.Fatalf("expected remote status merged, got %v", value)
	}
	if value, _ := cached.Property("owner"); value != "cai" {
		t.Fatalf("expected pending owner kept, got %v", value)
	}
	if base, _ := fixture.versions.Base("row-1"); base.Properties["owner"] != "ana" {
		t.Fatalf("version store must hold the authoritative value, got %v", base.Properties["owner"])
	}
	if !fixture.lists.IsStale(RowListKey("block-1")) {
		t.Fatalf("expected row list invalidated")
	}
}

func TestBridgeIgnoresOlderForeignUpdate(t *testing.T) {
	fixture := newBridgeFixture(t, testRow("row-1", 5, Properties{"status": "new"}))
	old := testRow("row-1", 4, Properties{"status": "old"})
	old.UpdatedBy = "user-b"

	fixture.bridge.handle(context.Background(), Event{Kind: EventRowUpdate, Row: &old})

	if value, _ := fixture.cached(t, "row-1").Property("status"); value != "new" {
		t.Fatalf("expected newer cached row kept, got %v", value)
	}
}

func TestBridgeInsertIsIdempotent(t *testing.T) {
	fixture := newBridgeFixture(t, testRow("row-1", 1, Properties{}))
	inserted := testRow("row-2", 1, Properties{"status": "open"})

	fixture.bridge.handle(context.Background(), Event{Kind: EventRowInsert, Row: &inserted})
	fixture.bridge.handle(context.Background(), Event{Kind: EventRowInsert, Row: &inserted})

	ids, _ := fixture.lists.Get(RowListKey("block-1"))
	if len(ids) != 2 || ids[1] != "row-2" {
		t.Fatalf("expected row-2 appended once, got %v", ids)
	}
	if _, ok := fixture.rows.Get(RowKey("row-2")); !ok {
		t.Fatalf("expected inserted row cached")
	}

	foreign := testRow("row-9", 1, Properties{})
	foreign.BlockID = "block-2"
	fixture.bridge.handle(context.Background(), Event{Kind: EventRowInsert, Row: &foreign})
	if _, ok := fixture.rows.Get(RowKey("row-9")); ok {
		t.Fatalf("expected rows of other blocks ignored")
	}
}

func TestBridgeDeleteRemovesRow(t *testing.T) {
	fixture := newBridgeFixture(t, testRow("row-1", 1, Properties{}), testRow("row-2", 1, Properties{}))
	deleted := testRow("row-1", 1, nil)

	fixture.bridge.handle(context.Background(), Event{Kind: EventRowDelete, OldRow: &deleted})

	if _, ok := fixture.rows.Get(RowKey("row-1")); ok {
		t.Fatalf("expected row-1 removed from cache")
	}
	if _, ok := fixture.versions.Base("row-1"); ok {
		t.Fatalf("expected row-1 forgotten by the version store")
	}
	ids, _ := fixture.lists.Get(RowListKey("block-1"))
	if len(ids) != 1 || ids[0] != "row-2" {
		t.Fatalf("expected row list without row-1, got %v", ids)
	}
	if !fixture.lists.IsStale(RowListKey("block-1")) {
		t.Fatalf("expected row list invalidated")
	}
}

func TestBridgeTracksPeerCursorsOnly(t *testing.T) {
	fixture := newBridgeFixture(t)
	cursor := func(userID string) *BroadcastMessage {
		payload, err := json.Marshal(CursorPosition{UserID: userID, RowID: "row-1", ColumnID: "status", X: 10, Y: 20, Timestamp: 1})
		if err != nil {
			t.Fatalf("marshal cursor: %v", err)
		}
		return &BroadcastMessage{Event: CursorEvent, Payload: payload}
	}

	fixture.bridge.handle(context.Background(), Event{Kind: EventBroadcast, Broadcast: cursor("user-a")})
	fixture.bridge.handle(context.Background(), Event{Kind: EventBroadcast, Broadcast: cursor("user-b")})
	fixture.bridge.handle(context.Background(), Event{Kind: EventBroadcast, Broadcast: &BroadcastMessage{Event: CursorEvent, Payload: json.RawMessage(`{`)}})

	positions := fixture.tracker.CursorsAt("row-1", "status")
	if len(positions) != 1 || positions[0].UserID != "user-b" {
		t.Fatalf("expected only the peer cursor, got %+v", positions)
	}
}

func TestBridgeAppliesPresenceSnapshot(t *testing.T) {
	fixture := newBridgeFixture(t)

	fixture.bridge.handle(context.Background(), Event{Kind: EventPresenceSync, Presence: map[string][]PresenceRecord{
		"conn-1": {{UserID: "user-a", UserName: "Ada"}},
		"conn-2": {{UserID: "user-b", UserName: "Ben"}},
	}})

	users := fixture.tracker.ActiveUsers()
	if len(users) != 2 || users[0].UserName != "Ada" || users[1].UserName != "Ben" {
		t.Fatalf("unexpected active users %+v", users)
	}
}

func TestBridgeLifecycle(t *testing.T) {
	fixture := newBridgeFixture(t)
	observed := make(chan EventKind, 8)
	fixture.bridge.observer = func(event Event) {
		observed <- event.Kind
	}

	if err := fixture.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := fixture.bridge.Start(context.Background()); err == nil {
		t.Fatalf("expected second Start to fail")
	}
	fixture.channel.events <- Event{Kind: EventStatus, Status: ChannelSubscribed}

	select {
	case kind := <-observed:
		if kind != EventStatus {
			t.Fatalf("unexpected event %s", kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("status event not processed")
	}
	if !fixture.bridge.IsConnected() {
		t.Fatalf("expected bridge connected")
	}
	tracked, _, _, _ := fixture.channel.snapshot()
	if len(tracked) != 1 || tracked[0].UserID != "user-a" || tracked[0].UserName != "Ada" {
		t.Fatalf("expected local presence tracked, got %+v", tracked)
	}

	fixture.bridge.BroadcastCursorPosition(CursorPosition{RowID: "row-1", ColumnID: "status"})
	waitFor(t, time.Second, func() bool {
		_, _, sent, _ := fixture.channel.snapshot()
		return len(sent) == 1
	})
	_, _, sent, _ := fixture.channel.snapshot()
	var position CursorPosition
	if err := json.Unmarshal(sent[0].payload, &position); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if sent[0].event != CursorEvent || position.UserID != "user-a" || position.Timestamp != testClockTime.UnixMilli() {
		t.Fatalf("unexpected cursor broadcast %s %+v", sent[0].event, position)
	}

	fixture.bridge.Stop(context.Background())
	_, untracked, _, closed := fixture.channel.snapshot()
	if untracked != 1 || !closed {
		t.Fatalf("expected untrack and close on stop, got untracked=%d closed=%v", untracked, closed)
	}
	if fixture.bridge.IsConnected() {
		t.Fatalf("expected bridge disconnected after stop")
	}
}

func TestBridgeLogsSuppressedEchoAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newBridgeFixture(t, testRow("row-1", 2, Properties{"status": "local"}))
	fixture.bridge.logger = zap.New(core)
	echo := testRow("row-1", 3, Properties{"status": "server"})
	echo.UpdatedBy = "user-a"

	fixture.bridge.handle(context.Background(), Event{Kind: EventRowUpdate, Row: &echo})

	suppressed := logs.FilterMessage("suppressing own echo").AllUntimed()
	if len(suppressed) != 1 {
		t.Fatalf("expected one echo log entry, got %d", len(suppressed))
	}
	fields := suppressed[0].ContextMap()
	if suppressed[0].Level != zapcore.DebugLevel || fields["row_id"] != "row-1" || fields["version"] != int64(3) {
		t.Fatalf("unexpected echo log entry %+v", suppressed[0])
	}
}
