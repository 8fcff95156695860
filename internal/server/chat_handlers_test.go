package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"greenconnect/internal/config"
	"greenconnect/internal/models"
	"greenconnect/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupHandlerTest(t *testing.T) (*fiber.App, *Server, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}))

	cfg := &config.Config{Port: "0", JWTSecret: "test-secret", Env: "test"}
	s, err := NewServerWithDeps(cfg, db, nil)
	require.NoError(t, err)

	app := fiber.New()
	// Tests inject the caller identity directly; auth middleware has its own tests.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", currentTestUser(c))
		return c.Next()
	})

	chat := app.Group("/api/chat")
	chat.Post("/conversations", s.CreateConversation)
	chat.Get("/conversations", s.GetConversations)
	chat.Get("/conversations/:id/messages", s.GetMessages)
	chat.Delete("/conversations/:id", s.DeleteConversation)
	chat.Get("/conversations/:id", s.GetConversation)
	chat.Post("/messages", s.SendMessage)
	chat.Post("/messages/:id/read", s.MarkMessageRead)

	return app, s, db
}

// currentTestUser reads the acting user from the X-Test-User header, defaulting to 1.
func currentTestUser(c *fiber.Ctx) uint {
	if v := c.Get("X-Test-User"); v != "" {
		var id uint
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			return id
		}
	}
	return uint(1)
}

func seedUsers(t *testing.T, db *gorm.DB, usernames ...string) []*models.User {
	t.Helper()
	users := make([]*models.User, 0, len(usernames))
	for _, name := range usernames {
		u := &models.User{Username: name, Email: name + "@e.com"}
		require.NoError(t, db.Create(u).Error)
		users = append(users, u)
	}
	return users
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, asUser uint) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if asUser != 0 {
		req.Header.Set("X-Test-User", fmt.Sprintf("%d", asUser))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestCreateConversationHandler(t *testing.T) {
	app, _, db := setupHandlerTest(t)
	users := seedUsers(t, db, "alice", "binh")

	t.Run("Success", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/conversations",
			map[string]interface{}{"participant_id": users[1].ID}, users[0].ID)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var conv models.Conversation
		decodeBody(t, resp, &conv)
		assert.NotZero(t, conv.ID)
	})

	t.Run("Idempotent for same pair", func(t *testing.T) {
		first := doJSON(t, app, "POST", "/api/chat/conversations",
			map[string]interface{}{"participant_id": users[0].ID}, users[1].ID)
		assert.Equal(t, http.StatusCreated, first.StatusCode)
		var conv models.Conversation
		decodeBody(t, first, &conv)

		var count int64
		db.Model(&models.Conversation{}).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Self conversation rejected", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/conversations",
			map[string]interface{}{"participant_id": users[0].ID}, users[0].ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Unknown participant", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/conversations",
			map[string]interface{}{"participant_id": 9999}, users[0].ID)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Missing participant_id", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/conversations",
			map[string]interface{}{}, users[0].ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSendMessageHandler(t *testing.T) {
	app, _, db := setupHandlerTest(t)
	users := seedUsers(t, db, "alice", "binh", "mallory")

	conv := &models.Conversation{Participant1ID: users[0].ID, Participant2ID: users[1].ID}
	require.NoError(t, db.Create(conv).Error)

	t.Run("Success", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/messages", map[string]interface{}{
			"conversation_id": conv.ID,
			"content":         "Xin chào",
		}, users[1].ID)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var msg models.Message
		decodeBody(t, resp, &msg)
		assert.Equal(t, "Xin chào", msg.Content)
		assert.Equal(t, models.MessageKindText, msg.Kind)
		assert.False(t, msg.IsRead)
	})

	t.Run("Non participant forbidden", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/messages", map[string]interface{}{
			"conversation_id": conv.ID,
			"content":         "let me in",
		}, users[2].ID)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Empty content", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/messages", map[string]interface{}{
			"conversation_id": conv.ID,
			"content":         "",
		}, users[0].ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Unknown conversation", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/messages", map[string]interface{}{
			"conversation_id": 4242,
			"content":         "hello?",
		}, users[0].ID)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetMessagesHandler(t *testing.T) {
	app, _, db := setupHandlerTest(t)
	users := seedUsers(t, db, "alice", "binh", "mallory")

	conv := &models.Conversation{Participant1ID: users[0].ID, Participant2ID: users[1].ID}
	require.NoError(t, db.Create(conv).Error)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.Message{
			ConversationID: conv.ID,
			SenderID:       users[0].ID,
			Content:        fmt.Sprintf("m%d", i),
			Kind:           models.MessageKindText,
		}).Error)
	}

	t.Run("Participant gets page with totals", func(t *testing.T) {
		resp := doJSON(t, app, "GET",
			fmt.Sprintf("/api/chat/conversations/%d/messages?page=1&limit=2", conv.ID), nil, users[0].ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var page service.MessagePage
		decodeBody(t, resp, &page)
		assert.Equal(t, int64(3), page.Total)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, 2, page.TotalPages)
		assert.Len(t, page.Messages, 2)
	})

	t.Run("Outsider forbidden", func(t *testing.T) {
		resp := doJSON(t, app, "GET",
			fmt.Sprintf("/api/chat/conversations/%d/messages", conv.ID), nil, users[2].ID)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Invalid id", func(t *testing.T) {
		resp := doJSON(t, app, "GET", "/api/chat/conversations/abc/messages", nil, users[0].ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMarkMessageReadHandler(t *testing.T) {
	app, _, db := setupHandlerTest(t)
	users := seedUsers(t, db, "alice", "binh", "mallory")

	conv := &models.Conversation{Participant1ID: users[0].ID, Participant2ID: users[1].ID}
	require.NoError(t, db.Create(conv).Error)
	msg := &models.Message{
		ConversationID: conv.ID, SenderID: users[0].ID,
		Content: "unread", Kind: models.MessageKindText,
	}
	require.NoError(t, db.Create(msg).Error)

	t.Run("Recipient marks read", func(t *testing.T) {
		resp := doJSON(t, app, "POST",
			fmt.Sprintf("/api/chat/messages/%d/read", msg.ID), nil, users[1].ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var updated models.Message
		decodeBody(t, resp, &updated)
		assert.True(t, updated.IsRead)

		// Repeat is a no-op success.
		again := doJSON(t, app, "POST",
			fmt.Sprintf("/api/chat/messages/%d/read", msg.ID), nil, users[1].ID)
		assert.Equal(t, http.StatusOK, again.StatusCode)
	})

	t.Run("Outsider forbidden", func(t *testing.T) {
		resp := doJSON(t, app, "POST",
			fmt.Sprintf("/api/chat/messages/%d/read", msg.ID), nil, users[2].ID)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Unknown message", func(t *testing.T) {
		resp := doJSON(t, app, "POST", "/api/chat/messages/9999/read", nil, users[0].ID)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestDeleteConversationHandler(t *testing.T) {
	app, _, db := setupHandlerTest(t)
	users := seedUsers(t, db, "alice", "binh", "mallory")

	conv := &models.Conversation{Participant1ID: users[0].ID, Participant2ID: users[1].ID}
	require.NoError(t, db.Create(conv).Error)
	require.NoError(t, db.Create(&models.Message{
		ConversationID: conv.ID, SenderID: users[0].ID,
		Content: "bye", Kind: models.MessageKindText,
	}).Error)

	t.Run("Outsider forbidden", func(t *testing.T) {
		resp := doJSON(t, app, "DELETE",
			fmt.Sprintf("/api/chat/conversations/%d", conv.ID), nil, users[2].ID)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Participant deletes with cascade", func(t *testing.T) {
		resp := doJSON(t, app, "DELETE",
			fmt.Sprintf("/api/chat/conversations/%d", conv.ID), nil, users[0].ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var convCount, msgCount int64
		db.Model(&models.Conversation{}).Count(&convCount)
		db.Model(&models.Message{}).Count(&msgCount)
		assert.Zero(t, convCount)
		assert.Zero(t, msgCount)
	})

	t.Run("Already deleted", func(t *testing.T) {
		resp := doJSON(t, app, "DELETE",
			fmt.Sprintf("/api/chat/conversations/%d", conv.ID), nil, users[0].ID)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetConversationsHandler(t *testing.T) {
	app, _, db := setupHandlerTest(t)
	users := seedUsers(t, db, "alice", "binh", "chi")

	convAB := &models.Conversation{Participant1ID: users[0].ID, Participant2ID: users[1].ID}
	convAC := &models.Conversation{Participant1ID: users[0].ID, Participant2ID: users[2].ID}
	require.NoError(t, db.Create(convAB).Error)
	require.NoError(t, db.Create(convAC).Error)

	resp := doJSON(t, app, "GET", "/api/chat/conversations", nil, users[0].ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var conversations []*models.Conversation
	decodeBody(t, resp, &conversations)
	assert.Len(t, conversations, 2)

	// binh only shares one conversation with alice.
	resp = doJSON(t, app, "GET", "/api/chat/conversations", nil, users[1].ID)
	var binhConvs []*models.Conversation
	decodeBody(t, resp, &binhConvs)
	assert.Len(t, binhConvs, 1)
	assert.Equal(t, convAB.ID, binhConvs[0].ID)
}
