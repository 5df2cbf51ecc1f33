package collab

import (
	"context"
	"encoding/json"
)

// EventKind tags an event delivered by a Channel.
type EventKind string

const (
	EventRowInsert    EventKind = "row_insert"
	EventRowUpdate    EventKind = "row_update"
	EventRowDelete    EventKind = "row_delete"
	EventPresenceSync EventKind = "presence_sync"
	EventBroadcast    EventKind = "broadcast"
	EventStatus       EventKind = "status"
)

// ChannelStatus reports subscription health.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "subscribed"
	ChannelClosed     ChannelStatus = "closed"
)

// CursorEvent is the broadcast event name carrying cursor positions.
const CursorEvent = "cursor"

// BroadcastMessage is an ephemeral named message relayed between peers.
type BroadcastMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event is one message of a channel's tagged stream. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind      EventKind
	Row       *Row
	OldRow    *Row
	Presence  map[string][]PresenceRecord
	Broadcast *BroadcastMessage
	Status    ChannelStatus
}

// Channel is a realtime subscription scoped to one block. The returned event
// stream is closed when the channel shuts down or ctx ends.
type Channel interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
	Track(ctx context.Context, record PresenceRecord) error
	Untrack(ctx context.Context) error
	Send(ctx context.Context, event string, payload any) error
	Close() error
}
