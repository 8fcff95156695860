package seed

import (
	"fmt"
	"log"

	"greenconnect/internal/models"

	"gorm.io/gorm"
)

// Seeder orchestrates demo-data generation.
type Seeder struct {
	db      *gorm.DB
	factory *Factory
}

// NewSeeder creates a Seeder with default options.
func NewSeeder(db *gorm.DB) *Seeder {
	return &Seeder{db: db, factory: NewFactory(db, Options{})}
}

// ClearAll removes all chat data. Messages go first to satisfy foreign keys.
func (s *Seeder) ClearAll() error {
	for _, model := range []interface{}{&models.Message{}, &models.Conversation{}, &models.User{}} {
		if err := s.db.Unscoped().Where("1 = 1").Delete(model).Error; err != nil {
			return fmt.Errorf("clear %T: %w", model, err)
		}
	}
	return nil
}

// SeedChatMesh creates users and pairs them into conversations with message
// history. Each user ends up in a handful of conversations so the inbox view
// has realistic variety.
func (s *Seeder) SeedChatMesh(numUsers, messagesPerConversation int) ([]*models.User, error) {
	if numUsers < 2 {
		return nil, fmt.Errorf("need at least 2 users, got %d", numUsers)
	}

	users := make([]*models.User, 0, numUsers)
	for i := 0; i < numUsers; i++ {
		user, err := s.factory.CreateUser()
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		users = append(users, user)
	}
	log.Printf("seeded %d users", len(users))

	conversations := 0
	messages := 0
	for i, a := range users {
		// Pair each user with the next few, wrapping around.
		for offset := 1; offset <= 3 && offset < numUsers; offset++ {
			b := users[(i+offset)%numUsers]
			if a.ID >= b.ID {
				continue
			}

			conv, err := s.factory.CreateConversation(a, b)
			if err != nil {
				return nil, fmt.Errorf("create conversation: %w", err)
			}
			conversations++

			for m := 0; m < messagesPerConversation; m++ {
				sender := a
				if m%2 == 1 {
					sender = b
				}
				if _, err := s.factory.CreateMessage(conv, sender); err != nil {
					return nil, fmt.Errorf("create message: %w", err)
				}
				messages++
			}
		}
	}

	log.Printf("seeded %d conversations with %d messages", conversations, messages)
	return users, nil
}
