package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultEventBuffer = 64
	channelWriteWait   = 10 * time.Second
)

var (
	errMissingTopic      = errors.New("remote: topic is required")
	errAlreadySubscribed = errors.New("remote: channel already subscribed")
	errNotSubscribed     = errors.New("remote: channel not subscribed")
)

// ChannelConfig configures the websocket channel.
type ChannelConfig struct {
	BaseURL     string
	Token       string
	Topic       string
	Dialer      *websocket.Dialer
	EventBuffer int
	Logger      *zap.Logger
}

// Channel implements collab.Channel over the reqgrid websocket endpoint.
// Keepalive is the server's ping/pong; the read loop answers pings.
type Channel struct {
	endpoint string
	token    string
	topic    string
	dialer   *websocket.Dialer
	buffer   int
	logger   *zap.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	connectionID string
	closing      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

var _ collab.Channel = (*Channel)(nil)

// NewChannel validates the configuration; the connection opens on Subscribe.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errMissingTopic
	}
	endpoint := *base
	if endpoint.Scheme == "https" {
		endpoint.Scheme = "wss"
	} else {
		endpoint.Scheme = "ws"
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		endpoint: endpoint.JoinPath("realtime", url.PathEscape(topic)).String(),
		token:    strings.TrimSpace(cfg.Token),
		topic:    topic,
		dialer:   dialer,
		buffer:   buffer,
		logger:   logger,
		closing:  make(chan struct{}),
	}, nil
}

// Subscribe dials the endpoint and streams translated events until the
// connection ends. The stream ends with a closed status event.
func (c *Channel) Subscribe(ctx context.Context) (<-chan collab.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil, errAlreadySubscribed
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, response, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: realtime dial", ErrUnauthorized)
		}
		return nil, fmt.Errorf("remote: realtime dial: %w", err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	events := make(chan collab.Event, c.buffer)
	go c.readLoop(conn, events, c.done)
	return events, nil
}

// ConnectionID returns the id the server assigned to this connection.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Track publishes the local user's presence.
func (c *Channel) Track(ctx context.Context, record collab.PresenceRecord) error {
	return c.write(ctx, realtime.ClientMessage{Type: realtime.ClientTrack, Presence: &record})
}

// Untrack withdraws the local user's presence.
func (c *Channel) Untrack(ctx context.Context) error {
	return c.write(ctx, realtime.ClientMessage{Type: realtime.ClientUntrack})
}

// Send broadcasts an ephemeral event to the other subscribers of the topic.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("remote: encode broadcast: %w", err)
	}
	return c.write(ctx, realtime.ClientMessage{Type: realtime.ClientBroadcast, Event: event, Payload: encoded})
}

// Close sends a close frame, closes the socket and waits for the reader.
func (c *Channel) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		conn, done := c.conn, c.done
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(channelWriteWait))
		c.writeMu.Unlock()
		closeErr = conn.Close()
		<-done
	})
	return closeErr
}

func (c *Channel) write(ctx context.Context, message realtime.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotSubscribed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(channelWriteWait)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(message); err != nil {
		return fmt.Errorf("remote: realtime write %s: %w", message.Type, err)
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, events chan<- collab.Event, done chan struct{}) {
	defer close(done)
	defer close(events)
	for {
		var message realtime.Message
		if err := conn.ReadJSON(&message); err != nil {
			select {
			case <-c.closing:
			default:
				c.logger.Warn("realtime connection lost", zap.String("topic", c.topic), zap.Error(err))
			}
			c.emit(events, collab.Event{Kind: collab.EventStatus, Status: collab.ChannelClosed})
			return
		}
		for _, event := range c.translate(message) {
			if !c.emit(events, event) {
				return
			}
		}
	}
}

// emit delivers an event unless the channel is closing.
func (c *Channel) emit(events chan<- collab.Event, event collab.Event) bool {
	select {
	case events <- event:
		return true
	case <-c.closing:
		return false
	}
}

func (c *Channel) translate(message realtime.Message) []collab.Event {
	switch message.Event {
	case realtime.EventSubscribed:
		c.mu.Lock()
		c.connectionID = message.Sender
		c.mu.Unlock()
		translated := []collab.Event{{Kind: collab.EventStatus, Status: collab.ChannelSubscribed}}
		if len(message.Presence) > 0 {
			translated = append(translated, collab.Event{Kind: collab.EventPresenceSync, Presence: message.Presence})
		}
		return translated
	case realtime.EventRowInsert, realtime.EventRowUpdate, realtime.EventRowDelete:
		event, err := rowEvent(message)
		if err != nil {
			c.logger.Warn("discarding malformed row event", zap.String("event", message.Event), zap.Error(err))
			return nil
		}
		return []collab.Event{event}
	case realtime.EventPresenceSync:
		return []collab.Event{{Kind: collab.EventPresenceSync, Presence: message.Presence}}
	case realtime.EventBroadcast:
		if message.Broadcast == nil {
			return nil
		}
		broadcast := *message.Broadcast
		return []collab.Event{{Kind: collab.EventBroadcast, Broadcast: &broadcast}}
	default:
		c.logger.Debug("ignoring realtime message", zap.String("event", message.Event))
		return nil
	}
}

func rowEvent(message realtime.Message) (collab.Event, error) {
	var event collab.Event
	switch message.Event {
	case realtime.EventRowInsert:
		event.Kind = collab.EventRowInsert
	case realtime.EventRowUpdate:
		event.Kind = collab.EventRowUpdate
	default:
		event.Kind = collab.EventRowDelete
	}
	if len(message.Record) > 0 {
		var row collab.Row
		if err := json.Unmarshal(message.Record, &row); err != nil {
			return collab.Event{}, err
		}
		event.Row = &row
	}
	if len(message.OldRecord) > 0 {
		var oldRow collab.Row
		if err := json.Unmarshal(message.OldRecord, &oldRow); err != nil {
			return collab.Event{}, err
		}
		event.OldRow = &oldRow
	}
	return event, nil
}
