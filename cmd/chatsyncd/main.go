package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/chat-sync/internal/engine"
	"github.com/huddle/chat-sync/internal/gateway"
	"github.com/huddle/chat-sync/internal/messaging"
	"github.com/huddle/chat-sync/internal/presence"
	"github.com/huddle/chat-sync/internal/redisstore"
	"github.com/huddle/chat-sync/internal/stream"
)

func main() {
	config := gateway.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	presenceConfig := presence.DefaultConfig()
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			presenceConfig.HeartbeatInterval = d
		}
	}
	streamConfig := stream.DefaultConfig()
	if v := os.Getenv("TYPING_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			streamConfig.TypingIdle = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "chatsyncd"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	store := redisstore.New(rdb, natsClient)
	eng := engine.New(store, engine.Options{
		Presence: presenceConfig,
		Stream:   streamConfig,
	})
	server := gateway.NewServer(config, eng)

	log.Printf("chat-sync gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  heartbeat:       %s", presenceConfig.HeartbeatInterval)
	log.Printf("  typing_idle:     %s", streamConfig.TypingIdle)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
