package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"kanban-api/blob"
	"kanban-api/cleanup"
	"kanban-api/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	logger.Info("blob janitor starting")

	if cfg.CleanupQueue == "" {
		logger.Fatal("missing CLEANUP_QUEUE")
	}
	queue, err := cleanup.NewQueueClient(cfg.StorageConnStr, cfg.CleanupQueue)
	if err != nil {
		logger.Fatalf("queue client: %v", err)
	}

	var store blob.Store
	if cfg.BlobContainer != "" {
		store, err = blob.NewAzure(cfg.StorageConnStr, cfg.BlobContainer)
	} else {
		store, err = blob.NewDisk(cfg.UploadsDir)
	}
	if err != nil {
		logger.Fatalf("blob store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup.NewJanitor(queue, cleanup.NewBlobRemover(store, logger), logger, cfg.JanitorIdleDelay).Run(ctx)
	logger.Info("blob janitor stopped")
}
