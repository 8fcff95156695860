// Package service provides the conversation and message business logic.
package service

import (
	"context"
	"errors"
	"math"

	"greenconnect/internal/models"
	"greenconnect/internal/repository"

	"gorm.io/gorm"
)

const (
	maxMessageContentLen = 10000
	// DefaultPageSize is the message page size when the caller does not specify one.
	DefaultPageSize = 50
	maxPageSize     = 100
)

// ChatService enforces the conversation/message invariants before delegating
// to persistence. All authorization and existence checks happen before any
// mutating call, so a rejected operation leaves no partial writes.
type ChatService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
}

// NewChatService returns a new ChatService.
func NewChatService(chatRepo repository.ChatRepository, userRepo repository.UserRepository) *ChatService {
	return &ChatService{
		chatRepo: chatRepo,
		userRepo: userRepo,
	}
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	SenderID       uint
	ConversationID uint
	Content        string
	Kind           models.MessageKind
	AttachmentURL  string
}

// MessagePage is one page of a conversation's history, chronological within
// the page, plus pagination totals.
type MessagePage struct {
	Messages   []*models.Message `json:"messages"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
}

// CreateConversation finds or creates the conversation between initiator and
// recipient. Creation is idempotent per unordered pair: if a conversation
// already exists in either participant order it is returned unchanged.
func (s *ChatService) CreateConversation(ctx context.Context, initiatorID, recipientID uint) (*models.Conversation, error) {
	if initiatorID == recipientID {
		return nil, models.NewValidationError("You cannot create a conversation with yourself")
	}

	existing, err := s.chatRepo.FindConversationByPair(ctx, initiatorID, recipientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// Both identities must resolve before a row is inserted.
	if _, err := s.userRepo.GetByID(ctx, initiatorID); err != nil {
		return nil, asNotFound(err, "User", initiatorID)
	}
	if _, err := s.userRepo.GetByID(ctx, recipientID); err != nil {
		return nil, asNotFound(err, "User", recipientID)
	}

	conv := &models.Conversation{
		Participant1ID: initiatorID,
		Participant2ID: recipientID,
		IsActive:       true,
	}
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	return s.chatRepo.GetConversation(ctx, conv.ID)
}

// SendMessage persists a message in a conversation on behalf of senderID and
// returns it with the sender profile populated, along with the conversation
// so the caller can target fan-out at both participants.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, *models.Conversation, error) {
	if in.Content == "" {
		return nil, nil, models.NewValidationError("Message content is required")
	}
	if len(in.Content) > maxMessageContentLen {
		return nil, nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}
	if in.Kind == "" {
		in.Kind = models.MessageKindText
	}
	if !in.Kind.Valid() {
		return nil, nil, models.NewValidationError("Unknown message kind")
	}

	conv, err := s.chatRepo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, nil, asNotFound(err, "Conversation", in.ConversationID)
	}
	if !conv.HasParticipant(in.SenderID) {
		return nil, nil, models.NewForbiddenError("You are not a participant in this conversation")
	}

	message := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		AttachmentURL:  in.AttachmentURL,
	}
	if err := s.chatRepo.CreateMessage(ctx, message); err != nil {
		return nil, nil, err
	}

	if sender, err := s.userRepo.GetByID(ctx, in.SenderID); err == nil {
		message.Sender = sender
	}

	return message, conv, nil
}

// GetConversations returns the user's conversations newest-activity first,
// each annotated with its preview message.
func (s *ChatService) GetConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	return s.chatRepo.GetUserConversations(ctx, userID)
}

// GetConversationForUser returns the conversation if the user is a participant.
func (s *ChatService) GetConversationForUser(ctx context.Context, convID, userID uint) (*models.Conversation, error) {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, asNotFound(err, "Conversation", convID)
	}
	if !conv.HasParticipant(userID) {
		return nil, models.NewForbiddenError("You are not a participant in this conversation")
	}
	return conv, nil
}

// GetMessages returns one page of a conversation's history for a participant.
// Pages are anchored on the newest messages and read chronologically inside
// each page; concatenating pages in page order reconstructs the full
// creation-time ordering.
func (s *ChatService) GetMessages(ctx context.Context, convID, userID uint, page, pageSize int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, asNotFound(err, "Conversation", convID)
	}
	if !conv.HasParticipant(userID) {
		return nil, models.NewForbiddenError("You are not a participant in this conversation")
	}

	total, err := s.chatRepo.CountMessages(ctx, convID)
	if err != nil {
		return nil, err
	}

	offset := (page - 1) * pageSize
	messages, err := s.chatRepo.GetMessages(ctx, convID, pageSize, offset)
	if err != nil {
		return nil, err
	}

	return &MessagePage{
		Messages:   messages,
		Total:      total,
		Page:       page,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// MarkAsRead sets the message's read flag. The transition is one-way and
// idempotent: marking an already-read message succeeds without effect.
func (s *ChatService) MarkAsRead(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	msg, err := s.chatRepo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, asNotFound(err, "Message", messageID)
	}
	if msg.Conversation == nil || !msg.Conversation.HasParticipant(userID) {
		return nil, models.NewForbiddenError("You are not a participant in this conversation")
	}

	if msg.IsRead {
		return msg, nil
	}

	if err := s.chatRepo.MarkMessageRead(ctx, messageID); err != nil {
		return nil, err
	}
	msg.IsRead = true
	return msg, nil
}

// DeleteConversation hard-deletes the conversation and every message in it.
func (s *ChatService) DeleteConversation(ctx context.Context, convID, userID uint) error {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return asNotFound(err, "Conversation", convID)
	}
	if !conv.HasParticipant(userID) {
		return models.NewForbiddenError("You are not a participant in this conversation")
	}

	return s.chatRepo.DeleteConversation(ctx, convID)
}

// asNotFound converts a gorm record-not-found into the application error
// taxonomy; other errors pass through untouched.
func asNotFound(err error, resource string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	return err
}
