package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"greenconnect/internal/middleware"
	"greenconnect/internal/models"
	"greenconnect/internal/notifications"
	"greenconnect/internal/observability"
	"greenconnect/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// gatewayEvent is the frame a client sends over the chat websocket.
type gatewayEvent struct {
	Type           string             `json:"type"`
	ConversationID uint               `json:"conversation_id,omitempty"`
	MessageID      uint               `json:"message_id,omitempty"`
	Content        string             `json:"content,omitempty"`
	Kind           models.MessageKind `json:"kind,omitempty"`
	AttachmentURL  string             `json:"attachment_url,omitempty"`
	IsTyping       bool               `json:"is_typing,omitempty"`
}

// gatewayAck is sent back to the invoking connection only.
type gatewayAck struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Success bool        `json:"success"`
	Message interface{} `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func wsUpgradeRequested(c *fiber.Ctx) bool {
	return websocket.IsWebSocketUpgrade(c)
}

func sendAck(client *notifications.Client, event string, success bool, payload interface{}, errMsg string) {
	ack := gatewayAck{
		Type:    "ack",
		Event:   event,
		Success: success,
		Message: payload,
		Error:   errMsg,
	}
	if frame, err := json.Marshal(ack); err == nil {
		client.TrySend(frame)
	}
}

// WebSocketChatHandler handles WebSocket connections for real-time chat.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	wsLog := observability.NewWSLogger("chat registry")

	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		user, err := s.userRepo.GetByID(ctx, userID)
		if err != nil {
			wsLog.LogError(ctx, userID, err, "load user")
			_ = conn.Close()
			return
		}
		username := user.Username

		client, err := s.registry.Register(userID, conn)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}
		s.presence.Register(ctx, userID)

		client.IncomingHandler = func(c *notifications.Client, frame []byte) {
			var event gatewayEvent
			if err := json.Unmarshal(frame, &event); err != nil {
				sendAck(c, "", false, nil, "Invalid event format")
				return
			}
			if event.Type == "" {
				return
			}

			observability.WebSocketEventsTotal.WithLabelValues(event.Type).Inc()
			wsLog.LogEvent(ctx, c.UserID, event.Type)
			evCtx, span := observability.TraceWebSocketEvent(ctx, s.registry.Name(), event.Type)
			defer span.End()

			switch event.Type {
			case "send_message":
				s.handleSendMessage(evCtx, c, event)
			case "join_conversation":
				s.handleJoinConversation(evCtx, c, event)
			case "leave_conversation":
				s.registry.LeaveRoom(c, event.ConversationID)
				sendAck(c, event.Type, true,
					map[string]interface{}{"conversation_id": event.ConversationID}, "")
			case "typing":
				s.handleTyping(evCtx, c, event, username)
			case "read":
				s.handleRead(evCtx, c, event)
			default:
				sendAck(c, event.Type, false, nil, "Unknown event type")
			}
		}

		// Welcome frame so the client knows auth and registration succeeded.
		welcome := notifications.Event{
			Type:    "connected",
			UserID:  userID,
			Payload: map[string]interface{}{"user_id": userID, "username": username},
		}
		if frame, err := json.Marshal(welcome); err == nil {
			client.TrySend(frame)
		}

		go client.WritePump()
		client.ReadPump()

		s.presence.Unregister(ctx, userID)
	})
}

func (s *Server) handleSendMessage(ctx context.Context, c *notifications.Client, event gatewayEvent) {
	id := fmt.Sprintf("user:%d", c.UserID)
	allowed, err := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
	if err != nil {
		// Fail open like the HTTP limiter when the limit store is unreachable.
		allowed = true
	}
	if !allowed {
		sendAck(c, event.Type, false, nil, "Rate limit exceeded. Please wait a moment.")
		return
	}

	message, conv, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		SenderID:       c.UserID,
		ConversationID: event.ConversationID,
		Content:        event.Content,
		Kind:           event.Kind,
		AttachmentURL:  event.AttachmentURL,
	})
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		sendAck(c, event.Type, false, nil, err.Error())
		return
	}

	s.broadcastNewMessage(ctx, conv, message, "websocket")
	sendAck(c, event.Type, true, message, "")
}

func (s *Server) handleJoinConversation(ctx context.Context, c *notifications.Client, event gatewayEvent) {
	if _, err := s.chatService.GetConversationForUser(ctx, event.ConversationID, c.UserID); err != nil {
		sendAck(c, event.Type, false, nil, err.Error())
		return
	}

	s.registry.JoinRoom(c, event.ConversationID)
	sendAck(c, event.Type, true,
		map[string]interface{}{"conversation_id": event.ConversationID}, "")
}

func (s *Server) handleTyping(ctx context.Context, c *notifications.Client, event gatewayEvent, username string) {
	if _, err := s.chatService.GetConversationForUser(ctx, event.ConversationID, c.UserID); err != nil {
		return
	}

	// Typing indicators are best-effort; spammy senders are silently dropped.
	id := fmt.Sprintf("user:%d", c.UserID)
	allowed, err := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
	if err != nil {
		allowed = true
	}
	if !allowed {
		return
	}

	typing := notifications.Event{
		Type:           "typing",
		ConversationID: event.ConversationID,
		UserID:         c.UserID,
		Username:       username,
		Payload: map[string]interface{}{
			"user_id":   c.UserID,
			"username":  username,
			"is_typing": event.IsTyping,
		},
	}

	if s.notifier.Enabled() {
		if err := s.notifier.PublishToConversation(ctx, event.ConversationID, typing); err != nil {
			observability.GlobalLogger.Error("publish typing failed",
				"conversation_id", event.ConversationID, "error", err)
		}
		return
	}
	s.registry.PushToRoom(event.ConversationID, typing)
}

func (s *Server) handleRead(ctx context.Context, c *notifications.Client, event gatewayEvent) {
	message, err := s.chatService.MarkAsRead(ctx, event.MessageID, c.UserID)
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		sendAck(c, event.Type, false, nil, err.Error())
		return
	}

	s.broadcastMessageRead(ctx, message, c.UserID)
	sendAck(c, event.Type, true, message, "")
}
