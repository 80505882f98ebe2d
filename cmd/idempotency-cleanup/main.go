package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/savekit/config"
	"github.com/mmdatafocus/savekit/models"
	"github.com/mmdatafocus/savekit/workflow"
)

// Housekeeping tool: deletes expired idempotency key rows in batches. The read
// path already treats expired rows as absent, so running this is purely about
// reclaiming storage.
func main() {
	batchSize := flag.Int("batch-size", 500, "Rows deleted per batch")
	sleep := flag.Duration("sleep", 200*time.Millisecond, "Pause between batches")
	dryRun := flag.Bool("dry-run", true, "Count expired rows only (no writes)")
	useRedis := flag.Bool("redis", false, "Connect to redis and evict cached responses for deleted keys")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if *useRedis && !*dryRun {
		config.ConnectRedisWithRetry()
	}
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()

	if *dryRun {
		var count int64
		if err := db.WithContext(ctx).Model(&models.IdempotencyKey{}).
			Where("expires_at <= ?", time.Now().UTC()).
			Count(&count).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("expired idempotency rows: %d (dry run, nothing deleted)\n", count)
		return
	}

	store, err := workflow.NewIdempotencyStore(db, config.GetLogger(), workflow.DefaultIdempotencyOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(1)
	}

	var total int64
	for {
		deleted, err := store.DeleteExpired(ctx, *batchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "delete failed after %d rows: %v\n", total, err)
			os.Exit(1)
		}
		total += deleted
		if deleted < int64(*batchSize) {
			break
		}
		time.Sleep(*sleep)
	}
	fmt.Printf("deleted %d expired idempotency rows\n", total)
}
