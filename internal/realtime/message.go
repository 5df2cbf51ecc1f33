package realtime

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
)

// Server event names.
const (
	EventRowInsert    = "row.insert"
	EventRowUpdate    = "row.update"
	EventRowDelete    = "row.delete"
	EventPresenceSync = "presence.sync"
	EventBroadcast    = "broadcast"
	EventSubscribed   = "system.subscribed"
)

// Client message types.
const (
	ClientTrack     = "track"
	ClientUntrack   = "untrack"
	ClientBroadcast = "broadcast"
)

const blockTopicPrefix = "block:"

// BlockTopic returns the topic carrying a block's row changes and presence.
func BlockTopic(blockID string) string {
	return blockTopicPrefix + blockID
}

// Message is one server-to-client frame.
type Message struct {
	Topic     string                             `json:"topic"`
	Event     string                             `json:"event"`
	Record    json.RawMessage                    `json:"record,omitempty"`
	OldRecord json.RawMessage                    `json:"old_record,omitempty"`
	Presence  map[string][]collab.PresenceRecord `json:"presence,omitempty"`
	Broadcast *collab.BroadcastMessage           `json:"broadcast,omitempty"`
	Sender    string                             `json:"sender,omitempty"`
	Timestamp time.Time                          `json:"timestamp"`
}

// ClientMessage is one client-to-server frame.
type ClientMessage struct {
	Type     string                 `json:"type"`
	Presence *collab.PresenceRecord `json:"presence,omitempty"`
	Event    string                 `json:"event,omitempty"`
	Payload  json.RawMessage        `json:"payload,omitempty"`
}

// RowMessage encodes a row change for a topic.
func RowMessage(topic, event string, row collab.Row, oldRow *collab.Row, timestamp time.Time) (Message, error) {
	record, err := json.Marshal(row)
	if err != nil {
		return Message{}, err
	}
	message := Message{Topic: topic, Event: event, Record: record, Timestamp: timestamp}
	if oldRow != nil {
		oldRecord, err := json.Marshal(oldRow)
		if err != nil {
			return Message{}, err
		}
		message.OldRecord = oldRecord
	}
	return message, nil
}
