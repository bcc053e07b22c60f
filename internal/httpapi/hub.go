package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket viewer of a project's event stream.
// Each client owns its own event bus subscription, so there is no shared
// routing table to protect with a mutex.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	sub  bus.Subscription
}

// StreamEvents upgrades the connection and relays every event published
// for ?project=<id> to the client as JSON, one event per message.
func (h *Handler) StreamEvents(c *gin.Context) {
	projectID := c.Query("project")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project query param is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{id: uuid.New().String(), conn: conn, send: make(chan []byte, 256)}
	h.logger.Info("websocket client connected", zap.String("client_id", client.id), zap.String("project_id", projectID))

	sub, err := h.eventBus.Subscribe(projectID, func(ctx context.Context, e *bus.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping event", zap.String("client_id", client.id))
		}
		return nil
	})
	if err != nil {
		h.logger.Error("subscribe failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	client.sub = sub

	go client.writePump()
	client.readPump(h.logger)
}

func (c *Client) readPump(log *logger.Logger) {
	defer func() {
		_ = c.sub.Unsubscribe()
		close(c.send)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
