package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxInbound = 64 * 1024
)

// Inbound is an action sent by a client
type Inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Dispatcher handles one inbound action for a client
type Dispatcher func(ctx context.Context, c *Client, in Inbound)

// Client binds a websocket connection to a hub subscriber
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *Subscriber
	logger *zap.Logger

	// Values set by the dispatcher while handling join actions.
	OperatorID string
	SessionID  string
}

// NewClient registers a subscriber for the connection. It returns nil when
// the hub is stopped.
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	sub := hub.NewSubscriber()
	if sub == nil {
		return nil
	}
	return &Client{hub: hub, conn: conn, sub: sub, logger: logger}
}

// Join subscribes the client to a channel
func (c *Client) Join(channel string) bool {
	return c.hub.Subscribe(c.sub, channel)
}

// Leave unsubscribes the client from a channel
func (c *Client) Leave(channel string) {
	c.hub.Unsubscribe(c.sub, channel)
}

// Reply sends an event to this client only
func (c *Client) Reply(eventType string, data any) {
	c.hub.Send(c.sub, eventType, data)
}

// Run pumps events to the connection and inbound actions to dispatch until
// the connection fails or ctx is done. The connection is closed on return.
func (c *Client) Run(ctx context.Context, dispatch Dispatcher) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()

	c.readPump(ctx, dispatch)

	cancel()
	c.hub.Remove(c.sub)
	<-done
	c.conn.Close()
}

func (c *Client) readPump(ctx context.Context, dispatch Dispatcher) {
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if ctx.Err() != nil {
			return
		}
		dispatch(ctx, c, in)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	events := c.sub.Events()
	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev, ok := <-events:
			if !ok {
				// Removed from the hub: say goodbye and unblock the reader.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				c.conn.Close()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				// Unblock the reader so Run can finish.
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
