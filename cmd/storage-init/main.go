package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
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
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	if cfg.StorageConnStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()

	if err := createTables(ctx, cfg.StorageConnStr, []string{cfg.BoardsTable, cfg.TasksTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if err := createQueue(ctx, cfg.StorageConnStr, cfg.CleanupQueue); err != nil {
		log.Fatalf("create queue: %v", err)
	}

	if err := createContainer(ctx, cfg.StorageConnStr, cfg.BlobContainer); err != nil {
		log.Fatalf("create container: %v", err)
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.Debugf("table %s ready", name)
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	q, err := cleanup.NewQueueClient(connStr, name)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	log.Debugf("queue %s ready", name)
	return nil
}

func createContainer(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	client, err := blob.NewAzureClient(connStr)
	if err != nil {
		return err
	}
	if _, err := client.CreateContainer(ctx, name, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return err
	}
	log.Debugf("container %s ready", name)
	return nil
}
