package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by all nodes.
const DefaultRelayChannel = "reqgrid:realtime"

const (
	relayKindMessage  = "message"
	relayKindPresence = "presence"
)

var (
	errMissingRedisClient = errors.New("redis client is required")
	errMissingHub         = errors.New("realtime hub is required")
)

type relayEnvelope struct {
	Node     string                             `json:"node"`
	Kind     string                             `json:"kind"`
	Topic    string                             `json:"topic,omitempty"`
	Message  *Message                           `json:"message,omitempty"`
	Presence map[string][]collab.PresenceRecord `json:"presence,omitempty"`
}

// RedisRelayConfig describes how to build a RedisRelay.
type RedisRelayConfig struct {
	Client  *redis.Client
	Hub     *Hub
	NodeID  string
	Channel string
	Logger  *zap.Logger
}

// RedisRelay shares hub traffic between API nodes over Redis pub/sub. Each
// node relays only what its own connections produced and ignores its own
// envelopes on the way back.
type RedisRelay struct {
	client    *redis.Client
	hub       *Hub
	nodeID    string
	channel   string
	logger    *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisRelay validates the configuration and constructs a relay. Call Run
// to start receiving.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRelayChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  cfg.Client,
		hub:     cfg.Hub,
		nodeID:  nodeID,
		channel: channel,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

// NodeID identifies this node in relayed envelopes.
func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Ready is closed once the relay's subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run receives envelopes from other nodes until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime relay subscribe: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("realtime relay subscribed", zap.String("channel", r.channel), zap.String("node_id", r.nodeID))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(received.Payload)
		}
	}
}

// Forward publishes a locally produced message to the other nodes.
func (r *RedisRelay) Forward(ctx context.Context, message Message) error {
	return r.publish(ctx, relayEnvelope{Kind: relayKindMessage, Topic: message.Topic, Message: &message})
}

// ForwardPresence publishes this node's presence of a topic.
func (r *RedisRelay) ForwardPresence(ctx context.Context, topic string, snapshot map[string][]collab.PresenceRecord) error {
	return r.publish(ctx, relayEnvelope{Kind: relayKindPresence, Topic: topic, Presence: snapshot})
}

func (r *RedisRelay) publish(ctx context.Context, envelope relayEnvelope) error {
	envelope.Node = r.nodeID
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisRelay) handle(payload string) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		r.logger.Warn("discarding malformed relay envelope", zap.Error(err))
		return
	}
	if envelope.Node == r.nodeID {
		return
	}
	switch envelope.Kind {
	case relayKindMessage:
		if envelope.Message != nil {
			r.hub.ApplyRemote(*envelope.Message)
		}
	case relayKindPresence:
		r.hub.ApplyRemotePresence(envelope.Topic, envelope.Node, envelope.Presence)
	default:
		r.logger.Debug("ignoring relay envelope", zap.String("kind", envelope.Kind))
	}
}
