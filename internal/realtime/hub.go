package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBufferSize   = 64
	relayForwardTimeout = 2 * time.Second
)

// Relay forwards hub traffic to other server nodes.
type Relay interface {
	Forward(ctx context.Context, message Message) error
	ForwardPresence(ctx context.Context, topic string, snapshot map[string][]collab.PresenceRecord) error
}

// HubConfig describes how to build a Hub.
type HubConfig struct {
	BufferSize int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub fans messages out to the subscribers of a topic and keeps per-topic
// presence keyed by connection id. Publishing never blocks: a subscriber whose
// buffer is full misses the message.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topicState
	bufferSize int
	clock      func() time.Time
	logger     *zap.Logger
	relay      Relay
}

type topicState struct {
	subscribers map[string]*subscriber
	presence    map[string][]collab.PresenceRecord
	remote      map[string]map[string][]collab.PresenceRecord
}

type subscriber struct {
	id     string
	stream chan Message
}

// Subscription is a live registration on a topic.
type Subscription struct {
	ID     string
	Stream <-chan Message
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics:     make(map[string]*topicState),
		bufferSize: bufferSize,
		clock:      clock,
		logger:     logger,
	}
}

// SetRelay attaches a cross-node relay.
func (h *Hub) SetRelay(relay Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = relay
}

// Subscribe registers a connection on topic. The registration, and any
// presence it tracked, ends when ctx is done or cleanup is called.
func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, func()) {
	sub := &subscriber{
		id:     uuid.NewString(),
		stream: make(chan Message, h.bufferSize),
	}
	h.mu.Lock()
	h.topicLocked(topic).subscribers[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unsubscribe(topic, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return Subscription{ID: sub.id, Stream: sub.stream}, cleanup
}

// Publish delivers a message to every subscriber of its topic and forwards it
// to the relay.
func (h *Hub) Publish(message Message) {
	if message.Topic == "" || message.Event == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = h.clock().UTC()
	}
	h.deliver(message, "")
	if relay := h.currentRelay(); relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayForwardTimeout)
		defer cancel()
		if err := relay.Forward(ctx, message); err != nil {
			h.logger.Warn("realtime relay forward failed", zap.String("topic", message.Topic), zap.Error(err))
		}
	}
}

// Broadcast relays an ephemeral message to every subscriber except the sender.
func (h *Hub) Broadcast(topic, senderID string, broadcast collab.BroadcastMessage) {
	h.Publish(Message{
		Topic:     topic,
		Event:     EventBroadcast,
		Broadcast: &broadcast,
		Sender:    senderID,
		Timestamp: h.clock().UTC(),
	})
}

// Track stores the presence of a connection and emits a presence sync.
func (h *Hub) Track(topic, connectionID string, record collab.PresenceRecord) {
	h.mu.Lock()
	h.topicLocked(topic).presence[connectionID] = []collab.PresenceRecord{record}
	h.mu.Unlock()
	h.presenceChanged(topic)
}

// Untrack drops the presence of a connection and emits a presence sync.
func (h *Hub) Untrack(topic, connectionID string) {
	h.mu.Lock()
	state, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, tracked := state.presence[connectionID]; !tracked {
		h.mu.Unlock()
		return
	}
	delete(state.presence, connectionID)
	h.mu.Unlock()
	h.presenceChanged(topic)
}

// Presence returns the merged presence of a topic across nodes.
func (h *Hub) Presence(topic string) map[string][]collab.PresenceRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snapshot := make(map[string][]collab.PresenceRecord)
	state, ok := h.topics[topic]
	if !ok {
		return snapshot
	}
	for connectionID, records := range state.presence {
		snapshot[connectionID] = append([]collab.PresenceRecord(nil), records...)
	}
	for _, remote := range state.remote {
		for connectionID, records := range remote {
			snapshot[connectionID] = append([]collab.PresenceRecord(nil), records...)
		}
	}
	return snapshot
}

// LocalPresence returns the presence tracked by connections of this node.
func (h *Hub) LocalPresence(topic string) map[string][]collab.PresenceRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snapshot := make(map[string][]collab.PresenceRecord)
	if state, ok := h.topics[topic]; ok {
		for connectionID, records := range state.presence {
			snapshot[connectionID] = append([]collab.PresenceRecord(nil), records...)
		}
	}
	return snapshot
}

// Topics lists the topics with at least one subscriber, sorted.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]string, 0, len(h.topics))
	for topic, state := range h.topics {
		if len(state.subscribers) > 0 {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// SubscriberCount reports the number of live subscriptions across topics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, state := range h.topics {
		count += len(state.subscribers)
	}
	return count
}

// ApplyRemote delivers a message received from another node without
// forwarding it again.
func (h *Hub) ApplyRemote(message Message) {
	h.deliver(message, "")
}

// ApplyRemotePresence replaces another node's presence for a topic and emits
// a presence sync to local subscribers.
func (h *Hub) ApplyRemotePresence(topic, nodeID string, snapshot map[string][]collab.PresenceRecord) {
	h.mu.Lock()
	state := h.topicLocked(topic)
	if len(snapshot) == 0 {
		delete(state.remote, nodeID)
	} else {
		state.remote[nodeID] = snapshot
	}
	h.mu.Unlock()
	h.deliver(Message{
		Topic:     topic,
		Event:     EventPresenceSync,
		Presence:  h.Presence(topic),
		Timestamp: h.clock().UTC(),
	}, "")
}

func (h *Hub) presenceChanged(topic string) {
	h.deliver(Message{
		Topic:     topic,
		Event:     EventPresenceSync,
		Presence:  h.Presence(topic),
		Timestamp: h.clock().UTC(),
	}, "")
	if relay := h.currentRelay(); relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayForwardTimeout)
		defer cancel()
		if err := relay.ForwardPresence(ctx, topic, h.LocalPresence(topic)); err != nil {
			h.logger.Warn("realtime relay presence failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (h *Hub) deliver(message Message, exclude string) {
	if exclude == "" && message.Event == EventBroadcast {
		exclude = message.Sender
	}
	h.mu.RLock()
	state, ok := h.topics[message.Topic]
	if !ok || len(state.subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(state.subscribers))
	for id, sub := range state.subscribers {
		if id != exclude {
			copies = append(copies, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
			h.logger.Debug("realtime subscriber lagging", zap.String("topic", message.Topic), zap.String("connection_id", sub.id))
		}
	}
}

func (h *Hub) unsubscribe(topic, connectionID string) {
	h.mu.Lock()
	state, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(state.subscribers, connectionID)
	_, tracked := state.presence[connectionID]
	delete(state.presence, connectionID)
	if len(state.subscribers) == 0 && len(state.presence) == 0 && len(state.remote) == 0 {
		delete(h.topics, topic)
	}
	h.mu.Unlock()
	if tracked {
		h.presenceChanged(topic)
	}
}

func (h *Hub) currentRelay() Relay {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.relay
}

func (h *Hub) topicLocked(topic string) *topicState {
	state, ok := h.topics[topic]
	if !ok {
		state = &topicState{
			subscribers: make(map[string]*subscriber),
			presence:    make(map[string][]collab.PresenceRecord),
			remote:      make(map[string]map[string][]collab.PresenceRecord),
		}
		h.topics[topic] = state
	}
	return state
}
