package notifications

import (
	"context"
	"time"

	"greenconnect/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBufferSize = 256
)

// ClientHub is the subset of Registry behavior a Client needs to detach itself.
type ClientHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is the middleman between one websocket connection and the registry.
// A user with several open tabs or devices has one Client per connection,
// each identified by its TransportID.
type Client struct {
	Hub ClientHub

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	UserID uint

	// TransportID uniquely identifies this connection across the user's devices.
	TransportID string

	// IncomingHandler is invoked for every frame read from the peer.
	IncomingHandler func(*Client, []byte)
}

// NewClient creates a Client for a registered connection.
func NewClient(hub ClientHub, conn *websocket.Conn, userID uint, transportID string) *Client {
	return &Client{
		Hub:         hub,
		Conn:        conn,
		UserID:      userID,
		TransportID: transportID,
		Send:        make(chan []byte, sendBufferSize),
	}
}

// ReadPump pumps frames from the websocket connection into the registry.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsLogger.LogError(context.Background(), c.UserID, err, "read")
			}
			break
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, frame)
		}
	}
}

// WritePump pumps frames from the registry to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. A full buffer drops the frame and
// queues a best-effort gap notice so the client can re-fetch.
func (c *Client) TrySend(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		}
	}()

	select {
	case c.Send <- frame:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()

		dropNotice := []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)
		select {
		case c.Send <- dropNotice:
		default:
			// Client is truly overwhelmed, nothing more to do.
		}
	}
}
