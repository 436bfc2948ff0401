//go:build ignore

// migrate applies the match results schema to the configured database.
//
//	go run scripts/migrate.go [database-url]
//
// The url defaults to DUEL_DATABASE_URL, then DATABASE_URL.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spellbound/duel-server/internal/config"
	"github.com/spellbound/duel-server/internal/repository"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := os.Getenv("DUEL_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if url == "" {
		log.Fatal("no database url: pass one as an argument or set DUEL_DATABASE_URL")
	}

	fmt.Println("=== Duel Results Schema Migration ===")

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := repository.NewDB(ctx, config.DatabaseConfig{URL: url, MaxConns: 1}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	start := time.Now()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Printf("Schema applied in %s\n", time.Since(start).Round(time.Millisecond))
}
