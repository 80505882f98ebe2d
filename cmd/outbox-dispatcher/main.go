package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/savekit/config"
	"github.com/mmdatafocus/savekit/models"
	"github.com/mmdatafocus/savekit/workflow"
	"github.com/sirupsen/logrus"
)

// Runs the outbox dispatcher with a logging publisher. Replace the publisher
// with a real transport adapter in an embedding application.
func main() {
	batchSize := flag.Int("batch-size", 50, "Records claimed per poll")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "Poll interval")
	once := flag.Bool("once", false, "Dispatch a single batch and exit")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	publisher := workflow.PublisherFunc(func(_ context.Context, record models.OutboxEventRecord) error {
		logger.WithFields(logrus.Fields{
			"module":      "outbox-dispatcher",
			"record_id":   record.ID,
			"entity_type": record.EntityType,
			"event_name":  record.EventName,
		}).Info("outbox record published (log publisher)")
		return nil
	})

	dispatcher := workflow.NewOutboxDispatcher(db, publisher, logger)
	dispatcher.BatchSize = *batchSize
	dispatcher.PollInterval = *pollInterval

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		dispatcher.DispatchOnce(ctx)
		return
	}
	dispatcher.Run(ctx)
}
