// Package main is the review worker: it consumes the queue lanes, runs the
// staged pipeline for review tasks, handles conversation replies, and
// performs repository indexing handoffs. One task executes at a time per
// worker slot; durability across crashes comes from the queue's
// at-least-once delivery plus the idempotency keeper.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pullsentry/pullsentry/config"
	"github.com/pullsentry/pullsentry/github"
	"github.com/pullsentry/pullsentry/llm"
	"github.com/pullsentry/pullsentry/queue"
	"github.com/pullsentry/pullsentry/review"
	"github.com/pullsentry/pullsentry/storage"
	"github.com/pullsentry/pullsentry/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	settings, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", settings.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	pgStore := postgres.New(db)
	if err := pgStore.Migrate(context.Background()); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	pool := queue.NewPool(settings.RedisURL)
	defer pool.Close()

	tokens, err := github.NewTokenCache(settings.AppID, settings.PrivateKey, pool, logger)
	if err != nil {
		logger.Error("failed to initialize token cache", "error", err)
		os.Exit(1)
	}
	gh := github.NewClient(tokens, pool, logger)

	validateCtx, cancelValidate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := llm.ValidateAPIKey(validateCtx, settings.AnthropicAPIKey); err != nil {
		cancelValidate()
		logger.Error("model provider credential rejected", "error", err)
		os.Exit(1)
	}
	cancelValidate()

	completer := llm.NewClient(settings.AnthropicAPIKey, logger)
	keeper := queue.NewIdempotencyKeeper(pool, settings.IdempotencyTTL)
	retry := queue.DefaultRetryPolicy()

	orchestrator := review.NewOrchestrator(gh, completer, pgStore, keeper,
		settings.CheapModel, settings.StrongModel, settings.CostCeiling, logger)
	tracker := review.NewConversationTracker(gh, completer, pgStore, settings.CheapModel, logger)

	reviewHandler := queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
		return orchestrator.Process(ctx, task, task.Attempt >= retry.MaxRetries)
	})
	replyHandler := queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
		return tracker.HandleReply(ctx, task)
	})
	indexHandler := queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
		return indexRepository(ctx, pgStore, task, logger)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumers := []*queue.Consumer{
		queue.NewConsumer(pool, queue.ConsumerOptions{
			Lane: queue.LaneFast, Workers: settings.FastWorkers, Retry: retry,
			SoftDeadline: settings.SoftDeadline, HardDeadline: settings.HardDeadline,
		}, reviewHandler, logger),
		queue.NewConsumer(pool, queue.ConsumerOptions{
			Lane: queue.LaneSlow, Workers: settings.SlowWorkers, Retry: retry,
			SoftDeadline: settings.SoftDeadline, HardDeadline: settings.HardDeadline,
		}, reviewHandler, logger),
		queue.NewConsumer(pool, queue.ConsumerOptions{
			Lane: queue.LaneIndex, Workers: settings.IndexWorkers, Retry: retry,
			SoftDeadline: 10 * time.Minute, HardDeadline: 15 * time.Minute,
		}, indexHandler, logger),
		queue.NewConsumer(pool, queue.ConsumerOptions{
			Lane: queue.LaneReply, Workers: settings.ReplyWorkers, Retry: retry,
			SoftDeadline: 2 * time.Minute, HardDeadline: 4 * time.Minute,
		}, replyHandler, logger),
	}
	for _, c := range consumers {
		c.Start(ctx)
	}

	go heartbeat(ctx, pool)

	logger.Info("worker started",
		"fast_workers", settings.FastWorkers,
		"slow_workers", settings.SlowWorkers,
		"index_workers", settings.IndexWorkers,
		"reply_workers", settings.ReplyWorkers,
	)

	<-ctx.Done()
	logger.Info("draining workers")
	for _, c := range consumers {
		c.Wait()
	}
	logger.Info("worker stopped")
}

// heartbeat advertises this worker process for the admin surface.
func heartbeat(ctx context.Context, pool *redis.Pool) {
	id := uuid.NewString()
	key := "worker:heartbeat:" + id
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	beat := func() {
		conn := pool.Get()
		defer conn.Close()
		_, _ = conn.Do("SET", key, time.Now().Unix(), "EX", 30)
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			conn := pool.Get()
			defer conn.Close()
			_, _ = conn.Do("DEL", key)
			return
		case <-ticker.C:
			beat()
		}
	}
}

// indexRepository is the scheduler-facing handoff to the source-tree
// indexing worker. The indexer itself is an external collaborator; here the
// status transitions are recorded so reviews can tell whether the symbol
// graph is usable.
func indexRepository(ctx context.Context, store storage.Storage, task *queue.Task, logger *slog.Logger) error {
	repo, err := store.GetRepository(ctx, task.RepoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("repository %d not found", task.RepoID)
	}

	if err := store.SetIndexStatus(ctx, task.RepoID, storage.IndexRunning, ""); err != nil {
		return err
	}
	logger.Info("repository indexing handed off", "repo", repo.FullName)

	// Until an external indexer reports back, the repository stays ready
	// with no indexed commit; the cross-file stage then falls back to
	// vector retrieval.
	return store.SetIndexStatus(ctx, task.RepoID, storage.IndexReady, task.HeadSHA)
}
