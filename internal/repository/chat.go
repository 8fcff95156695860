package repository

import (
	"context"
	"errors"
	"time"

	"greenconnect/internal/models"
	"greenconnect/internal/observability"

	"gorm.io/gorm"
)

// ChatRepository defines the interface for conversation and message persistence.
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	// FindConversationByPair returns the conversation between the two users
	// regardless of participant order, or nil when none exists.
	FindConversationByPair(ctx context.Context, userA, userB uint) (*models.Conversation, error)
	// GetUserConversations returns the user's conversations ordered by last
	// activity, each carrying at most one preview message.
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	// CreateMessage inserts the message and touches the owning conversation's
	// last-activity timestamp in a single transaction.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	GetMessages(ctx context.Context, convID uint, limit, offset int) ([]*models.Message, error)
	CountMessages(ctx context.Context, convID uint) (int64, error)
	MarkMessageRead(ctx context.Context, msgID uint) error
	// DeleteConversation hard-deletes the conversation and all its messages.
	DeleteConversation(ctx context.Context, convID uint) error
}

type chatRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{
		db:  db,
		log: observability.NewRepoLogger("conversations"),
	}
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		r.log.LogError(ctx, err, "create conversation")
		return err
	}
	r.log.LogCreate(ctx, map[string]interface{}{
		"conversation_id": conv.ID,
		"participant1_id": conv.Participant1ID,
		"participant2_id": conv.Participant2ID,
	})
	return nil
}

func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participant1").
		Preload("Participant2").
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) FindConversationByPair(ctx context.Context, userA, userB uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participant1").
		Preload("Participant2").
		Where(
			"(participant1_id = ? AND participant2_id = ?) OR (participant1_id = ? AND participant2_id = ?)",
			userA, userB, userB, userA,
		).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participant1").
		Preload("Participant2").
		Where("participant1_id = ? OR participant2_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}

	// Fetch the preview message per conversation. A single preload with a
	// limit would cap the whole preload query, not each conversation.
	for _, conv := range conversations {
		var preview models.Message
		err := r.db.WithContext(ctx).
			Where("conversation_id = ?", conv.ID).
			Preload("Sender").
			Order("created_at DESC, id DESC").
			First(&preview).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		conv.Messages = []models.Message{preview}
	}

	return conversations, nil
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "create message")
		return err
	}
	r.log.LogCreate(ctx, map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"kind":            msg.Kind,
	})
	return nil
}

func (r *chatRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Conversation").
		First(&msg, id).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatRepository) GetMessages(ctx context.Context, convID uint, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Preload("Sender").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Fetched newest-first so pagination anchors on the latest messages;
	// reverse so each page reads chronologically.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) CountMessages(ctx context.Context, convID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", convID).
		Count(&total).Error
	return total, err
}

func (r *chatRepository) MarkMessageRead(ctx context.Context, msgID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", msgID).
		Update("is_read", true).Error
}

func (r *chatRepository) DeleteConversation(ctx context.Context, convID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", convID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, convID).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "delete conversation")
		return err
	}
	r.log.LogDelete(ctx, map[string]interface{}{"conversation_id": convID})
	return nil
}
