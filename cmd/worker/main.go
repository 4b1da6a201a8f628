package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tcportal/internal/audit"
	"tcportal/internal/config"
	"tcportal/internal/queue"
	"tcportal/internal/store"
	"tcportal/internal/tc"
)

// Worker drains verification attempt messages and persists the audit trail.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "tc:attempts")
	}

	repo := tc.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("audit worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != audit.MessageType {
			continue
		}

		att, err := audit.Decode(msg.Body)
		if err != nil {
			log.Printf("decode attempt failed: %v", err)
			continue
		}

		if err := repo.InsertAttempt(ctx, att); err != nil {
			log.Printf("insert attempt for record %s failed: %v", att.RecordID, err)
			continue
		}
		log.Printf("recorded %s attempt for record %s from %s", att.Outcome, att.RecordID, att.Origin)
	}

	log.Println("audit worker stopped")
}
