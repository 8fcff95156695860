// Command migrate applies the database schema.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"greenconnect/internal/config"
	"greenconnect/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <auto|status>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "auto":
		if err := db.AutoMigrate(database.Models()...); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}
		log.Println("automigrations applied")
	case "status":
		for _, model := range database.Models() {
			stmt := db.Model(model).Statement
			if err := stmt.Parse(model); err != nil {
				return fmt.Errorf("parse model %T: %w", model, err)
			}
			exists := db.Migrator().HasTable(model)
			log.Printf("table %-20s exists=%v", stmt.Schema.Table, exists)
		}
	default:
		return usage()
	}

	return nil
}
