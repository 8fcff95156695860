package server

import (
	"context"

	"greenconnect/internal/models"
	"greenconnect/internal/notifications"
	"greenconnect/internal/observability"
	"greenconnect/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateConversation handles POST /api/chat/conversations.
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		ParticipantID uint `json:"participant_id"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.ParticipantID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("participant_id is required"))
	}

	conv, err := s.chatService.CreateConversation(ctx, userID, req.ParticipantID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(conv)
}

// GetConversations handles GET /api/chat/conversations.
func (s *Server) GetConversations(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	conversations, err := s.chatService.GetConversations(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(conversations)
}

// GetConversation handles GET /api/chat/conversations/:id.
func (s *Server) GetConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	conv, err := s.chatService.GetConversationForUser(ctx, convID, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(conv)
}

// SendMessage handles POST /api/chat/messages.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		ConversationID uint               `json:"conversation_id"`
		Content        string             `json:"content"`
		Kind           models.MessageKind `json:"kind,omitempty"`
		AttachmentURL  string             `json:"attachment_url,omitempty"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.ConversationID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("conversation_id is required"))
	}

	message, conv, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		SenderID:       userID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Kind:           req.Kind,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	s.broadcastNewMessage(ctx, conv, message, "http")

	return c.Status(fiber.StatusCreated).JSON(message)
}

// GetMessages handles GET /api/chat/conversations/:id/messages.
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", service.DefaultPageSize)

	result, err := s.chatService.GetMessages(ctx, convID, userID, page, limit)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(result)
}

// MarkMessageRead handles POST /api/chat/messages/:id/read.
func (s *Server) MarkMessageRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	message, err := s.chatService.MarkAsRead(ctx, msgID, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	s.broadcastMessageRead(ctx, message, userID)

	return c.JSON(message)
}

// DeleteConversation handles DELETE /api/chat/conversations/:id.
func (s *Server) DeleteConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.DeleteConversation(ctx, convID, userID); err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(fiber.Map{"message": "Conversation deleted"})
}

// broadcastNewMessage delivers a persisted message to both participants in
// real time. With Redis the event goes through pub/sub so every instance
// (including this one, via its own subscription) pushes to its local clients;
// without Redis delivery is local only.
func (s *Server) broadcastNewMessage(ctx context.Context, conv *models.Conversation, message *models.Message, channel string) {
	event := notifications.Event{
		Type:           "new_message",
		ConversationID: conv.ID,
		UserID:         message.SenderID,
		Payload:        message,
	}

	for _, participantID := range []uint{conv.Participant1ID, conv.Participant2ID} {
		if s.notifier.Enabled() {
			if err := s.notifier.PublishToUser(ctx, participantID, event); err != nil {
				observability.GlobalLogger.Error("publish new_message failed",
					"user_id", participantID, "error", err)
			}
			continue
		}
		s.registry.PushToUser(participantID, event)
	}

	observability.MessageThroughput.WithLabelValues(string(message.Kind), channel).Inc()
}

// broadcastMessageRead notifies the conversation room that a message was read.
func (s *Server) broadcastMessageRead(ctx context.Context, message *models.Message, readerID uint) {
	event := notifications.Event{
		Type:           "message_read",
		ConversationID: message.ConversationID,
		UserID:         readerID,
		Payload: map[string]interface{}{
			"message_id":      message.ID,
			"conversation_id": message.ConversationID,
			"reader_id":       readerID,
		},
	}

	if s.notifier.Enabled() {
		if err := s.notifier.PublishToConversation(ctx, message.ConversationID, event); err != nil {
			observability.GlobalLogger.Error("publish message_read failed",
				"conversation_id", message.ConversationID, "error", err)
		}
		return
	}
	s.registry.PushToRoom(message.ConversationID, event)
}
