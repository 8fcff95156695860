package repository

import (
	"context"
	"testing"
	"time"

	"greenconnect/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Message{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func createTestUsers(t *testing.T, db *gorm.DB) (*models.User, *models.User) {
	user1 := &models.User{Username: "user1", Email: "u1@e.com"}
	user2 := &models.User{Username: "user2", Email: "u2@e.com"}
	require.NoError(t, db.Create(user1).Error)
	require.NoError(t, db.Create(user2).Error)
	return user1, user2
}

func TestChatRepository_Conversations(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	user1, user2 := createTestUsers(t, db)

	t.Run("CreateConversation", func(t *testing.T) {
		conv := &models.Conversation{
			Participant1ID: user1.ID,
			Participant2ID: user2.ID,
			IsActive:       true,
		}
		err := repo.CreateConversation(ctx, conv)
		assert.NoError(t, err)
		assert.NotZero(t, conv.ID)
	})

	t.Run("FindConversationByPair either order", func(t *testing.T) {
		found, err := repo.FindConversationByPair(ctx, user1.ID, user2.ID)
		assert.NoError(t, err)
		require.NotNil(t, found)

		reversed, err := repo.FindConversationByPair(ctx, user2.ID, user1.ID)
		assert.NoError(t, err)
		require.NotNil(t, reversed)
		assert.Equal(t, found.ID, reversed.ID)
	})

	t.Run("FindConversationByPair miss returns nil without error", func(t *testing.T) {
		found, err := repo.FindConversationByPair(ctx, user1.ID, 9999)
		assert.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("GetConversation preloads participants", func(t *testing.T) {
		found, err := repo.FindConversationByPair(ctx, user1.ID, user2.ID)
		require.NoError(t, err)

		conv, err := repo.GetConversation(ctx, found.ID)
		assert.NoError(t, err)
		require.NotNil(t, conv.Participant1)
		require.NotNil(t, conv.Participant2)
		assert.Equal(t, "user1", conv.Participant1.Username)
		assert.Equal(t, "user2", conv.Participant2.Username)
	})
}

func TestChatRepository_CreateMessageTouchesConversation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	user1, user2 := createTestUsers(t, db)
	conv := &models.Conversation{Participant1ID: user1.ID, Participant2ID: user2.ID}
	require.NoError(t, db.Create(conv).Error)

	// Backdate the conversation so the touch is observable.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(conv).Update("updated_at", past).Error)

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       user1.ID,
		Content:        "Hello",
		Kind:           models.MessageKindText,
	}
	require.NoError(t, repo.CreateMessage(ctx, msg))
	assert.NotZero(t, msg.ID)

	var refreshed models.Conversation
	require.NoError(t, db.First(&refreshed, conv.ID).Error)
	assert.True(t, refreshed.UpdatedAt.After(past.Add(time.Minute)),
		"sending a message should move the conversation's updated_at forward")
}

func TestChatRepository_GetUserConversations(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	user1, user2 := createTestUsers(t, db)
	user3 := &models.User{Username: "user3", Email: "u3@e.com"}
	require.NoError(t, db.Create(user3).Error)

	convA := &models.Conversation{Participant1ID: user1.ID, Participant2ID: user2.ID}
	convB := &models.Conversation{Participant1ID: user3.ID, Participant2ID: user1.ID}
	require.NoError(t, db.Create(convA).Error)
	require.NoError(t, db.Create(convB).Error)

	// convA has the most recent activity.
	require.NoError(t, db.Model(convA).Update("updated_at", time.Now()).Error)
	require.NoError(t, db.Model(convB).Update("updated_at", time.Now().Add(-time.Hour)).Error)

	for _, content := range []string{"first", "second", "latest"} {
		require.NoError(t, db.Create(&models.Message{
			ConversationID: convA.ID,
			SenderID:       user1.ID,
			Content:        content,
			Kind:           models.MessageKindText,
		}).Error)
	}

	conversations, err := repo.GetUserConversations(ctx, user1.ID)
	require.NoError(t, err)
	require.Len(t, conversations, 2)

	assert.Equal(t, convA.ID, conversations[0].ID, "most recently active conversation comes first")
	assert.Equal(t, convB.ID, conversations[1].ID)

	require.Len(t, conversations[0].Messages, 1, "each conversation carries a single preview message")
	assert.Equal(t, "latest", conversations[0].Messages[0].Content)
	assert.Empty(t, conversations[1].Messages)

	// Non-participant sees nothing.
	none, err := repo.GetUserConversations(ctx, 9999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestChatRepository_MessagePagination(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	user1, user2 := createTestUsers(t, db)
	conv := &models.Conversation{Participant1ID: user1.ID, Participant2ID: user2.ID}
	require.NoError(t, db.Create(conv).Error)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Create(&models.Message{
			ConversationID: conv.ID,
			SenderID:       user1.ID,
			Content:        string(rune('a' + i)),
			Kind:           models.MessageKindText,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	total, err := repo.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	// Page 1 holds the newest two messages, in chronological order.
	page1, err := repo.GetMessages(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "d", page1[0].Content)
	assert.Equal(t, "e", page1[1].Content)

	page2, err := repo.GetMessages(ctx, conv.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "b", page2[0].Content)
	assert.Equal(t, "c", page2[1].Content)

	page3, err := repo.GetMessages(ctx, conv.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "a", page3[0].Content)
}

func TestChatRepository_MarkMessageRead(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	user1, user2 := createTestUsers(t, db)
	conv := &models.Conversation{Participant1ID: user1.ID, Participant2ID: user2.ID}
	require.NoError(t, db.Create(conv).Error)

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       user1.ID,
		Content:        "unread",
		Kind:           models.MessageKindText,
	}
	require.NoError(t, db.Create(msg).Error)

	require.NoError(t, repo.MarkMessageRead(ctx, msg.ID))

	fetched, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, fetched.IsRead)

	// Marking again stays read.
	require.NoError(t, repo.MarkMessageRead(ctx, msg.ID))
	fetched, err = repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, fetched.IsRead)
}

func TestChatRepository_DeleteConversationCascades(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	user1, user2 := createTestUsers(t, db)
	conv := &models.Conversation{Participant1ID: user1.ID, Participant2ID: user2.ID}
	require.NoError(t, db.Create(conv).Error)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.Message{
			ConversationID: conv.ID,
			SenderID:       user1.ID,
			Content:        "bye",
			Kind:           models.MessageKindText,
		}).Error)
	}

	require.NoError(t, repo.DeleteConversation(ctx, conv.ID))

	var convCount, msgCount int64
	db.Model(&models.Conversation{}).Where("id = ?", conv.ID).Count(&convCount)
	db.Model(&models.Message{}).Where("conversation_id = ?", conv.ID).Count(&msgCount)
	assert.Zero(t, convCount)
	assert.Zero(t, msgCount, "messages are hard-deleted with their conversation")
}
