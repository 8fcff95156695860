// Package notifications provides real-time delivery of chat events over
// websockets, with optional Redis pub/sub for multi-instance fan-out.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"greenconnect/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	maxConnsPerUser = 12
	maxTotalConns   = 10000
)

var wsLogger = observability.NewWSLogger("chat registry")

// Event is the frame envelope pushed to websocket clients.
type Event struct {
	Type           string      `json:"type"`
	ConversationID uint        `json:"conversation_id,omitempty"`
	UserID         uint        `json:"user_id,omitempty"`
	Username       string      `json:"username,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
}

// Registry tracks every websocket client on this instance, keyed by user, and
// the set of conversation rooms each connection has joined. Delivery to a user
// reaches all of their connected devices; room membership is per connection,
// so closing a conversation view in one tab does not unsubscribe another.
type Registry struct {
	mu sync.RWMutex

	// userID -> set of active clients (one per device/tab)
	users map[uint]map[*Client]bool

	// conversationID -> set of subscribed connections
	rooms map[uint]map[*Client]struct{}

	// client -> set of conversationIDs, for cleanup on disconnect
	clientRooms map[*Client]map[uint]struct{}

	totalConns int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		users:       make(map[uint]map[*Client]bool),
		rooms:       make(map[uint]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[uint]struct{}),
	}
}

// Name returns a human-readable identifier for this hub.
func (r *Registry) Name() string { return "chat registry" }

// Register creates and tracks a Client for the connection, enforcing per-user
// and per-instance connection limits.
func (r *Registry) Register(userID uint, conn *websocket.Conn) (*Client, error) {
	r.mu.Lock()

	if r.totalConns >= maxTotalConns {
		r.mu.Unlock()
		return nil, fmt.Errorf("server connection limit reached")
	}
	if r.users[userID] == nil {
		r.users[userID] = make(map[*Client]bool)
	}
	if len(r.users[userID]) >= maxConnsPerUser {
		r.mu.Unlock()
		return nil, fmt.Errorf("user connection limit reached")
	}

	client := NewClient(r, conn, userID, uuid.NewString())
	r.users[userID][client] = true
	r.totalConns++

	// Snapshot of everyone else currently online, sent once on connect.
	onlineIDs := make([]uint, 0, len(r.users))
	for id := range r.users {
		if id != userID {
			onlineIDs = append(onlineIDs, id)
		}
	}
	firstConn := len(r.users[userID]) == 1
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	wsLogger.LogConnect(context.Background(), userID, client.TransportID)

	if len(onlineIDs) > 0 {
		snapshot := Event{
			Type:    "connected_users",
			Payload: map[string]interface{}{"user_ids": onlineIDs},
		}
		if frame, err := json.Marshal(snapshot); err == nil {
			client.TrySend(frame)
		}
	}

	if firstConn {
		r.BroadcastStatus(userID, "online")
	}
	return client, nil
}

// UnregisterClient removes one connection along with its room subscriptions.
// Other connections of the same user keep theirs.
func (r *Registry) UnregisterClient(client *Client) {
	r.mu.Lock()

	clients, ok := r.users[client.UserID]
	if !ok || !clients[client] {
		r.mu.Unlock()
		return
	}
	delete(clients, client)
	r.totalConns--

	if convs, ok := r.clientRooms[client]; ok {
		for convID := range convs {
			if members, ok := r.rooms[convID]; ok {
				delete(members, client)
				if len(members) == 0 {
					delete(r.rooms, convID)
				}
			}
		}
		delete(r.clientRooms, client)
	}

	if len(clients) > 0 {
		remaining := len(clients)
		r.mu.Unlock()
		observability.WebSocketConnectionsTotal.Dec()
		wsLogger.LogDisconnect(context.Background(), client.UserID, client.TransportID,
			fmt.Sprintf("%d connections remain", remaining))
		return
	}

	delete(r.users, client.UserID)
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Dec()
	wsLogger.LogDisconnect(context.Background(), client.UserID, client.TransportID, "last connection closed")

	r.BroadcastStatus(client.UserID, "offline")
}

// JoinRoom subscribes one connection to a conversation's events. The user's
// other connections are unaffected.
func (r *Registry) JoinRoom(client *Client, conversationID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.users[client.UserID]
	if !ok || !clients[client] {
		return
	}

	if r.rooms[conversationID] == nil {
		r.rooms[conversationID] = make(map[*Client]struct{})
	}
	r.rooms[conversationID][client] = struct{}{}

	if r.clientRooms[client] == nil {
		r.clientRooms[client] = make(map[uint]struct{})
	}
	r.clientRooms[client][conversationID] = struct{}{}
}

// LeaveRoom unsubscribes one connection from a conversation's events.
func (r *Registry) LeaveRoom(client *Client, conversationID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[conversationID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if convs, ok := r.clientRooms[client]; ok {
		delete(convs, conversationID)
	}
}

// InRoom reports whether this connection currently has the conversation open.
func (r *Registry) InRoom(client *Client, conversationID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	convs, ok := r.clientRooms[client]
	if !ok {
		return false
	}
	_, in := convs[conversationID]
	return in
}

// IsOnline reports whether the user has at least one connection on this instance.
func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectedUserIDs returns every user with at least one connection here.
func (r *Registry) ConnectedUserIDs() []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}

// PushToUser delivers an event to all of a user's connections.
func (r *Registry) PushToUser(userID uint, event Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		wsLogger.LogError(context.Background(), userID, err, event.Type)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for client := range r.users[userID] {
		client.TrySend(frame)
	}
	observability.ConversationFanout.WithLabelValues("user").Inc()
}

// PushToRoom delivers an event to every user subscribed to the conversation.
func (r *Registry) PushToRoom(conversationID uint, event Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		wsLogger.LogError(context.Background(), 0, err, event.Type)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	for client := range members {
		client.TrySend(frame)
	}
	observability.ConversationFanout.WithLabelValues("room").Inc()
}

// BroadcastStatus tells everyone else that a user went online or offline.
func (r *Registry) BroadcastStatus(userID uint, status string) {
	event := Event{
		Type:    "user_status",
		UserID:  userID,
		Payload: map[string]interface{}{"user_id": userID, "status": status},
	}
	frame, err := json.Marshal(event)
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, clients := range r.users {
		if id == userID {
			continue
		}
		for client := range clients {
			client.TrySend(frame)
		}
	}
}

// StartWiring routes Redis pub/sub traffic into this instance's clients, so
// events published by any instance reach users connected anywhere.
func (r *Registry) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartSubscriber(ctx, func(channel, payload string) {
		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			wsLogger.LogError(ctx, 0, err, "subscriber decode")
			return
		}

		var id uint
		switch {
		case scanChannel(channel, "chat:user:%d", &id):
			r.PushToUser(id, event)
		case scanChannel(channel, "chat:conv:%d", &id):
			event.ConversationID = id
			r.PushToRoom(id, event)
		default:
			wsLogger.LogError(ctx, 0, fmt.Errorf("unknown channel %s", channel), "subscriber route")
		}
	})
}

func scanChannel(channel, format string, id *uint) bool {
	_, err := fmt.Sscanf(channel, format, id)
	return err == nil
}

// Shutdown notifies every client and closes all connections.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wsLogger.LogLifecycle(ctx, "shutdown", map[string]interface{}{
		"connections": r.totalConns,
		"users":       len(r.users),
	})

	notice := []byte(`{"type":"server_shutdown","payload":{"message":"Server is shutting down"}}`)
	for userID, clients := range r.users {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, notice); err != nil {
				wsLogger.LogError(context.Background(), userID, err, "shutdown notice")
			}
			_ = client.Conn.Close()
		}
	}

	r.users = make(map[uint]map[*Client]bool)
	r.rooms = make(map[uint]map[*Client]struct{})
	r.clientRooms = make(map[*Client]map[uint]struct{})
	r.totalConns = 0
	return nil
}
