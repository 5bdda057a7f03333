package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/huddle/chat-sync/internal/archive"
	"github.com/huddle/chat-sync/internal/messaging"
	"github.com/huddle/chat-sync/internal/model"
)

func main() {
	log.Println("Starting chat-sync archiver...")

	// --- PostgreSQL ---
	dsn := "postgres://localhost:5432/chatsync?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		dsn = v
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	cancel()

	store := archive.NewStore(db)
	if err := store.Migrate(); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-sync-archiver"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Consume every stream append announcement. Entry updates (read-flag
	// flips) are announced with an empty payload and skipped here.
	err = natsClient.SubscribeAllStreams("archiver", func(path string, data []byte) {
		if len(data) == 0 {
			return
		}
		var event messaging.StreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[archiver] bad event on %s: %v", path, err)
			return
		}
		convID := conversationID(event.Path)
		if convID == "" {
			return
		}
		var msg model.Message
		if err := json.Unmarshal(event.Data, &msg); err != nil {
			log.Printf("[archiver] bad message body %s/%s: %v", event.Path, event.ID, err)
			return
		}

		insertCtx, insertCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer insertCancel()
		rec := &archive.Record{
			ConversationID: convID,
			EntryID:        event.ID,
			SenderID:       msg.SenderID,
			Type:           msg.Type,
			Text:           msg.Text,
			FileURL:        msg.FileURL,
			SentAt:         event.CreatedAt,
		}
		if err := store.Insert(insertCtx, rec); err != nil {
			log.Printf("[archiver] insert %s/%s: %v", convID, event.ID, err)
			return
		}
		log.Printf("[archiver] archived %s/%s type=%s", convID, event.ID, msg.Type)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to stream events: %v", err)
	}

	log.Printf("chat-sync archiver running")
	log.Printf("  postgres_dsn: %s", dsn)
	log.Printf("  nats_url:     %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
}

// conversationID extracts the conversation from a message stream path of
// the form conversations/<id>/messages.
func conversationID(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] != "conversations" || parts[2] != "messages" {
		return ""
	}
	return parts[1]
}
