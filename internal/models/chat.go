package models

import "time"

// MessageKind enumerates the supported message content kinds.
type MessageKind string

const (
	MessageKindText  MessageKind = "TEXT"
	MessageKindImage MessageKind = "IMAGE"
	MessageKindFile  MessageKind = "FILE"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile:
		return true
	}
	return false
}

// Conversation is a two-party messaging thread. The pair is fixed at
// creation time and unique regardless of participant order: at most one
// conversation exists for {participant1, participant2}.
type Conversation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Title          string    `json:"title,omitempty"`
	IsActive       bool      `gorm:"default:true" json:"is_active"`
	Participant1ID uint      `gorm:"not null;index" json:"participant1_id"`
	Participant1   *User     `gorm:"foreignKey:Participant1ID" json:"participant1,omitempty"`
	Participant2ID uint      `gorm:"not null;index" json:"participant2_id"`
	Participant2   *User     `gorm:"foreignKey:Participant2ID" json:"participant2,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Messages is populated selectively: full history by the paginated
	// query, or a single preview message in conversation listings.
	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID uint) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// OtherParticipant returns the participant that is not userID, or nil when
// userID is not part of the conversation or participants are not loaded.
func (c *Conversation) OtherParticipant(userID uint) *User {
	switch userID {
	case c.Participant1ID:
		return c.Participant2
	case c.Participant2ID:
		return c.Participant1
	}
	return nil
}

// Message is an immutable content unit within a conversation. Only the read
// flag mutates after creation; rows disappear only when the owning
// conversation is deleted.
type Message struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	ConversationID uint          `gorm:"not null;index" json:"conversation_id"`
	Conversation   *Conversation `gorm:"foreignKey:ConversationID" json:"-"`
	SenderID       uint          `gorm:"not null;index" json:"sender_id"`
	Sender         *User         `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content        string        `gorm:"type:text;not null" json:"content"`
	Kind           MessageKind   `gorm:"type:varchar(16);default:'TEXT'" json:"kind"`
	IsRead         bool          `gorm:"default:false" json:"is_read"`
	AttachmentURL  string        `json:"attachment_url,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
