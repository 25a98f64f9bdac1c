package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

var retry = policy.RetryOptions{
	MaxRetries:    5,
	TryTimeout:    30 * time.Second,
	RetryDelay:    time.Second,
	MaxRetryDelay: 10 * time.Second,
}

func main() {
	_ = godotenv.Load()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tables := []string{
		os.Getenv("DOCUMENTS_TABLE"),
		os.Getenv("COLLECTIONS_TABLE"),
		os.Getenv("USERS_TABLE"),
		os.Getenv("MEMBERSHIPS_TABLE"),
	}
	if err := createTables(ctx, connStr, tables); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueue(ctx, connStr, os.Getenv("EVENTS_QUEUE")); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	log.Info("storage ready")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retry},
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		switch {
		case err == nil:
			log.WithField("table", name).Info("table created")
		case alreadyExists(err, string(aztables.TableAlreadyExists)):
			log.WithField("table", name).Debug("table exists")
		default:
			return err
		}
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		log.Debug("EVENTS_QUEUE not set, skipping queue")
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retry},
	})
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	switch {
	case err == nil:
		log.WithField("queue", name).Info("queue created")
	case alreadyExists(err, queueAlreadyExists):
		log.WithField("queue", name).Debug("queue exists")
	default:
		return err
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
