package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeWriteWait      = 10 * time.Second
	realtimePongWait       = 60 * time.Second
	realtimePingPeriod     = realtimePongWait * 9 / 10
	realtimeMaxMessageSize = 64 * 1024
)

// handleRealtime upgrades the request to a websocket bound to one topic. The
// first frame carries the connection id and the current presence; afterwards
// the socket relays hub messages out and track/untrack/broadcast frames in.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	topic := strings.TrimSpace(c.Param("topic"))
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic"})
		return
	}
	actor, ok := h.currentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(h.allowedOrigins, r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscription, unsubscribe := h.hub.Subscribe(ctx, topic)
	defer unsubscribe()

	logger := h.logger.With(
		zap.String("topic", topic),
		zap.String("connection_id", subscription.ID),
		zap.String("actor_id", actor.ID),
	)

	subscribed := realtime.Message{
		Topic:     topic,
		Event:     realtime.EventSubscribed,
		Presence:  h.hub.Presence(topic),
		Sender:    subscription.ID,
		Timestamp: time.Now().UTC(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	if err := conn.WriteJSON(subscribed); err != nil {
		logger.Warn("realtime subscribe ack failed", zap.Error(err))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeRealtime(ctx, conn, subscription.Stream, logger)
		cancel()
		// Unblocks the reader when the writer gave up first.
		_ = conn.Close()
	}()

	h.readRealtime(ctx, conn, topic, subscription.ID, actor, logger)
	cancel()
	<-writerDone
}

func (h *httpHandler) writeRealtime(ctx context.Context, conn *websocket.Conn, stream <-chan realtime.Message, logger *zap.Logger) {
	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(realtimeWriteWait))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(message); err != nil {
				logger.Debug("realtime write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				logger.Debug("realtime ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) readRealtime(ctx context.Context, conn *websocket.Conn, topic, connectionID string, actor collab.Actor, logger *zap.Logger) {
	conn.SetReadLimit(realtimeMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})

	for ctx.Err() == nil {
		var message realtime.ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(realtimePongWait))
		h.metrics.observeClientMessage(message.Type)

		switch message.Type {
		case realtime.ClientTrack:
			h.hub.Track(topic, connectionID, presenceFor(actor, message.Presence))
		case realtime.ClientUntrack:
			h.hub.Untrack(topic, connectionID)
		case realtime.ClientBroadcast:
			if message.Event == "" {
				continue
			}
			h.hub.Broadcast(topic, connectionID, collab.BroadcastMessage{Event: message.Event, Payload: message.Payload})
		default:
			logger.Debug("ignoring realtime client message", zap.String("type", message.Type))
		}
	}
}

// presenceFor takes activity timestamps from the client but identity from the
// authenticated actor.
func presenceFor(actor collab.Actor, requested *collab.PresenceRecord) collab.PresenceRecord {
	now := time.Now().UTC()
	record := collab.PresenceRecord{
		UserID:         actor.ID,
		UserName:       actor.Name,
		UserAvatar:     actor.AvatarURL,
		OnlineAt:       now,
		LastActivityAt: now,
	}
	if requested != nil {
		if !requested.OnlineAt.IsZero() {
			record.OnlineAt = requested.OnlineAt.UTC()
		}
		if !requested.LastActivityAt.IsZero() {
			record.LastActivityAt = requested.LastActivityAt.UTC()
		}
	}
	return record
}
