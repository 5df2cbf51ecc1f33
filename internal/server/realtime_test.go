package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/gorilla/websocket"
)

func dialRealtime(t *testing.T, server *httptest.Server, topic, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime/" + topic
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial %s failed (status %d): %v", url, status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first message with the given event, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, event string) realtime.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var message realtime.Message
		if err := conn.ReadJSON(&message); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if message.Event == event {
			return message
		}
	}
}

func TestRealtimeSubscribeTrackAndRowChanges(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)
	token := fixture.token(t, "user-a", "Ada")
	topic := realtime.BlockTopic("block-1")

	conn := dialRealtime(t, server, topic, token)
	subscribed := readUntil(t, conn, realtime.EventSubscribed)
	if subscribed.Sender == "" || subscribed.Topic != topic {
		t.Fatalf("unexpected subscribe ack %+v", subscribed)
	}

	// Identity fields sent by the client are replaced by the session's actor.
	if err := conn.WriteJSON(realtime.ClientMessage{
		Type:     realtime.ClientTrack,
		Presence: &collab.PresenceRecord{UserID: "impostor", UserName: "Mallory"},
	}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	sync := readUntil(t, conn, realtime.EventPresenceSync)
	records := sync.Presence[subscribed.Sender]
	if len(records) != 1 || records[0].UserID != "user-a" || records[0].UserName != "Ada" {
		t.Fatalf("unexpected presence %+v", sync.Presence)
	}

	created := fixture.do(t, http.MethodPost, "/blocks/block-1/rows", token, map[string]any{
		"row_id":     "row-1",
		"properties": map[string]any{"title": "Login"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("insert failed: %d", created.Code)
	}
	inserted := readUntil(t, conn, realtime.EventRowInsert)
	var row collab.Row
	if err := json.Unmarshal(inserted.Record, &row); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if row.ID != "row-1" || row.BlockID != "block-1" || row.Version != 1 {
		t.Fatalf("unexpected inserted record %+v", row)
	}

	fixture.do(t, http.MethodPatch, "/rows/row-1", token, map[string]any{
		"properties":       map[string]any{"title": "Sign in"},
		"expected_version": 1,
	})
	updated := readUntil(t, conn, realtime.EventRowUpdate)
	if len(updated.OldRecord) == 0 {
		t.Fatalf("expected previous row on update")
	}
}

func TestRealtimeBroadcastSkipsSender(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)
	topic := realtime.BlockTopic("block-1")

	sender := dialRealtime(t, server, topic, fixture.token(t, "user-a", "Ada"))
	readUntil(t, sender, realtime.EventSubscribed)
	receiver := dialRealtime(t, server, topic, fixture.token(t, "user-b", "Ben"))
	readUntil(t, receiver, realtime.EventSubscribed)

	payload := json.RawMessage(`{"user_id":"user-a","row_id":"row-1","column_id":"status","x":1,"y":2,"timestamp":5}`)
	if err := sender.WriteJSON(realtime.ClientMessage{Type: realtime.ClientBroadcast, Event: collab.CursorEvent, Payload: payload}); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	received := readUntil(t, receiver, realtime.EventBroadcast)
	if received.Broadcast == nil || received.Broadcast.Event != collab.CursorEvent {
		t.Fatalf("unexpected broadcast %+v", received)
	}

	// Everything the sender sees before its own presence sync must not be the broadcast.
	if err := sender.WriteJSON(realtime.ClientMessage{Type: realtime.ClientTrack}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	_ = sender.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var message realtime.Message
		if err := sender.ReadJSON(&message); err != nil {
			t.Fatalf("sender read failed: %v", err)
		}
		if message.Event == realtime.EventBroadcast {
			t.Fatalf("sender received its own broadcast")
		}
		if message.Event == realtime.EventPresenceSync {
			break
		}
	}
}

func TestRealtimeDisconnectUntracks(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)
	topic := realtime.BlockTopic("block-1")

	conn := dialRealtime(t, server, topic, fixture.token(t, "user-a", "Ada"))
	readUntil(t, conn, realtime.EventSubscribed)
	if err := conn.WriteJSON(realtime.ClientMessage{Type: realtime.ClientTrack}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	readUntil(t, conn, realtime.EventPresenceSync)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fixture.hub.Presence(topic)) == 0 && fixture.hub.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected presence and subscription released, got %+v", fixture.hub.Presence(topic))
}
