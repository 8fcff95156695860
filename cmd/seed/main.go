// Command seed populates the database with demo users and conversations.
package main

import (
	"flag"
	"log"

	"greenconnect/internal/config"
	"greenconnect/internal/database"
	"greenconnect/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 20, "Number of users to create")
	messages := flag.Int("messages", 25, "Messages per conversation")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	log.Printf("seeding: %d users, %d messages per conversation, clean=%v", *numUsers, *messages, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db)

	if *shouldClean {
		if err := s.ClearAll(); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}

	if _, err := s.SeedChatMesh(*numUsers, *messages); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Println("Done. All test users have the password: password123")
}
