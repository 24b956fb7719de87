package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"

	"github.com/pullsentry/pullsentry/faults"
)

const (
	pendingKeyFmt    = "queue:%s"
	processingKeyFmt = "queue:%s:processing"
	delayedKeyFmt    = "queue:%s:delayed"
	deadLetterKey    = "queue:dead"
	latestHeadFmt    = "pr:head:%d:%d"

	// popTimeout bounds each blocking pop so consumers notice shutdown.
	popTimeout = 5 * time.Second

	// serializeRequeueDelay is the delay applied when a task finds its
	// (repo, pr) lock held by an earlier task.
	serializeRequeueDelay = 15 * time.Second
)

// RetryPolicy bounds task-level retries.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the documented defaults: 3 retries, 60s
// initial, 5-minute cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 60 * time.Second, MaxInterval: 5 * time.Minute}
}

// Delay returns the jittered backoff delay for the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Producer enqueues tasks onto lanes.
type Producer struct {
	pool   *redis.Pool
	logger *slog.Logger
}

// NewProducer creates a producer over the shared pool.
func NewProducer(pool *redis.Pool, logger *slog.Logger) *Producer {
	return &Producer{pool: pool, logger: logger}
}

// Enqueue pushes a task onto its lane and records the PR's latest head so
// superseded tasks can be cancelled.
func (p *Producer) Enqueue(ctx context.Context, task *Task) error {
	raw, err := task.Encode()
	if err != nil {
		return err
	}

	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return faults.Wrap(faults.KindTransient, "queue unavailable", err)
	}
	defer conn.Close()

	if task.Kind == KindReview && task.HeadSHA != "" {
		if _, err := conn.Do("SET", fmt.Sprintf(latestHeadFmt, task.RepoID, task.PRNumber), task.HeadSHA); err != nil {
			return faults.Wrap(faults.KindTransient, "enqueue failed", err)
		}
	}
	if _, err := conn.Do("LPUSH", fmt.Sprintf(pendingKeyFmt, task.Lane), raw); err != nil {
		return faults.Wrap(faults.KindTransient, "enqueue failed", err)
	}

	p.logger.Info("task enqueued",
		"task_id", task.ID,
		"lane", string(task.Lane),
		"repo", task.Owner+"/"+task.Repo,
		"pr", task.PRNumber,
	)
	return nil
}

// Depth returns the pending length of a lane.
func (p *Producer) Depth(lane Lane) (int, error) {
	conn := p.pool.Get()
	defer conn.Close()
	return redis.Int(conn.Do("LLEN", fmt.Sprintf(pendingKeyFmt, lane)))
}

// DeadLetterDepth returns the number of dead-lettered tasks.
func (p *Producer) DeadLetterDepth() (int, error) {
	conn := p.pool.Get()
	defer conn.Close()
	return redis.Int(conn.Do("LLEN", deadLetterKey))
}

// Handler executes one task. Returning nil acknowledges the task; the
// handler must have committed its terminal side-effects first. A returned
// error is classified through the fault taxonomy to decide retry versus
// dead-letter.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task) error { return f(ctx, task) }

// ErrSuperseded marks a task whose head commit is no longer the PR's latest;
// it is dropped without retry.
var ErrSuperseded = errors.New("task superseded by newer head")

// Consumer drains one lane with a fixed number of workers. A task is
// acknowledged (removed from the processing list) only after its handler
// returns; a crash between pickup and acknowledgement leaves the entry in
// the processing list for recovery, giving at-least-once delivery.
type Consumer struct {
	pool         *redis.Pool
	lane         Lane
	workers      int
	handler      Handler
	retry        RetryPolicy
	softDeadline time.Duration
	hardDeadline time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup
}

// ConsumerOptions configures a lane consumer.
type ConsumerOptions struct {
	Lane         Lane
	Workers      int
	Retry        RetryPolicy
	SoftDeadline time.Duration
	HardDeadline time.Duration
}

// NewConsumer creates a consumer for one lane.
func NewConsumer(pool *redis.Pool, opts ConsumerOptions, handler Handler, logger *slog.Logger) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SoftDeadline <= 0 {
		opts.SoftDeadline = 180 * time.Second
	}
	if opts.HardDeadline <= opts.SoftDeadline {
		opts.HardDeadline = opts.SoftDeadline + 2*time.Minute
	}
	return &Consumer{
		pool:         pool,
		lane:         opts.Lane,
		workers:      opts.Workers,
		handler:      handler,
		retry:        opts.Retry,
		softDeadline: opts.SoftDeadline,
		hardDeadline: opts.HardDeadline,
		logger:       logger.With("lane", string(opts.Lane)),
	}
}

// Start launches the worker goroutines and the delayed-task pump. It returns
// immediately; Wait blocks until ctx is cancelled and the workers drain.
func (c *Consumer) Start(ctx context.Context) {
	c.recoverProcessing()

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runWorker(ctx)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runDelayedPump(ctx)
	}()
}

// Wait blocks until all workers have exited.
func (c *Consumer) Wait() { c.wg.Wait() }

// recoverProcessing re-queues entries abandoned in the processing list by a
// crashed worker. Runs once at startup; safe because this consumer owns the
// lane exclusively.
func (c *Consumer) recoverProcessing() {
	conn := c.pool.Get()
	defer conn.Close()

	processing := fmt.Sprintf(processingKeyFmt, c.lane)
	pending := fmt.Sprintf(pendingKeyFmt, c.lane)
	for {
		raw, err := redis.Bytes(conn.Do("RPOPLPUSH", processing, pending))
		if err == redis.ErrNil {
			return
		}
		if err != nil {
			c.logger.Warn("failed to recover processing list", "error", err)
			return
		}
		c.logger.Info("recovered abandoned task", "size", len(raw))
	}
}

func (c *Consumer) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := c.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if raw == nil {
			continue
		}
		c.process(ctx, raw)
	}
}

func (c *Consumer) pop(ctx context.Context) ([]byte, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("BRPOPLPUSH",
		fmt.Sprintf(pendingKeyFmt, c.lane),
		fmt.Sprintf(processingKeyFmt, c.lane),
		int(popTimeout.Seconds()),
	))
	if err == redis.ErrNil {
		return nil, nil
	}
	return raw, err
}

// process runs one task under the serialization lock and deadline regime,
// then settles it: ack, delayed retry, or dead-letter.
func (c *Consumer) process(ctx context.Context, raw []byte) {
	task, err := DecodeTask(raw)
	if err != nil {
		c.logger.Error("undecodable task moved to dead-letter", "error", err)
		c.settle(raw, nil, deadLetterKey)
		return
	}

	logger := c.logger.With("task_id", task.ID, "repo", task.Owner+"/"+task.Repo, "pr", task.PRNumber)

	if task.Kind == KindReview && c.superseded(task) {
		logger.Info("dropping superseded task", "head", task.HeadSHA)
		c.ack(raw)
		return
	}

	if task.Kind == KindReview && !c.acquireLock(task) {
		// An earlier task for the same (repo, pr) is still running;
		// serialize by re-queueing with a short delay.
		logger.Info("serialization lock held, delaying task")
		c.requeueDelayed(raw, task, time.Now().Add(serializeRequeueDelay))
		return
	}

	hardCtx, cancelHard := context.WithTimeout(ctx, c.hardDeadline)
	softCtx, cancelSoft := context.WithTimeout(hardCtx, c.softDeadline)
	defer cancelHard()
	defer cancelSoft()

	start := time.Now()
	err = c.handler.Handle(softCtx, task)
	if task.Kind == KindReview {
		c.releaseLock(task)
	}

	switch {
	case err == nil:
		logger.Info("task completed", "duration", time.Since(start).Round(time.Millisecond))
		c.ack(raw)

	case errors.Is(err, ErrSuperseded):
		logger.Info("task cancelled, newer head supersedes")
		c.ack(raw)

	case faults.Retryable(err) && task.Attempt < c.retry.MaxRetries:
		next := task.Attempt + 1
		delay := c.retry.Delay(next)
		if resetAt := faults.ResetAt(err); !resetAt.IsZero() {
			if until := time.Until(resetAt); until > delay {
				delay = until
			}
		}
		logger.Warn("task failed, retrying",
			"attempt", next,
			"max_retries", c.retry.MaxRetries,
			"delay", delay.Round(time.Second),
			"error", err,
		)
		retryTask := *task
		retryTask.Attempt = next
		c.requeueDelayed(raw, &retryTask, time.Now().Add(delay))

	default:
		logger.Error("task moved to dead-letter",
			"attempt", task.Attempt,
			"fault", faults.KindOf(err).String(),
			"error", err,
		)
		c.settle(raw, nil, deadLetterKey)
	}
}

// superseded reports whether a newer head for the same PR has been enqueued.
func (c *Consumer) superseded(task *Task) bool {
	conn := c.pool.Get()
	defer conn.Close()
	latest, err := redis.String(conn.Do("GET", fmt.Sprintf(latestHeadFmt, task.RepoID, task.PRNumber)))
	if err != nil {
		return false
	}
	return latest != "" && latest != task.HeadSHA
}

func (c *Consumer) acquireLock(task *Task) bool {
	conn := c.pool.Get()
	defer conn.Close()
	reply, err := redis.String(conn.Do("SET", task.SerializationKey(), task.ID, "NX", "EX", int(c.hardDeadline.Seconds())+60))
	if err == redis.ErrNil {
		// SET NX replies nil when the key already exists.
		return false
	}
	if err != nil {
		// Prefer duplicate serialization over a stalled lane when the lock
		// store hiccups; idempotency still protects the side-effects.
		return true
	}
	return reply == "OK"
}

func (c *Consumer) releaseLock(task *Task) {
	conn := c.pool.Get()
	defer conn.Close()
	_, _ = conn.Do("DEL", task.SerializationKey())
}

// ack removes the entry from the processing list.
func (c *Consumer) ack(raw []byte) {
	conn := c.pool.Get()
	defer conn.Close()
	_, _ = conn.Do("LREM", fmt.Sprintf(processingKeyFmt, c.lane), 1, raw)
}

// requeueDelayed acks the current entry and schedules the (possibly
// re-attempted) task for later delivery.
func (c *Consumer) requeueDelayed(raw []byte, task *Task, readyAt time.Time) {
	encoded, err := task.Encode()
	if err != nil {
		c.logger.Error("failed to encode retry task", "error", err)
		c.settle(raw, nil, deadLetterKey)
		return
	}
	conn := c.pool.Get()
	defer conn.Close()
	_ = conn.Send("ZADD", fmt.Sprintf(delayedKeyFmt, c.lane), readyAt.Unix(), encoded)
	_ = conn.Send("LREM", fmt.Sprintf(processingKeyFmt, c.lane), 1, raw)
	_ = conn.Flush()
	_, _ = conn.Receive()
	_, _ = conn.Receive()
}

// settle acks raw and optionally pushes it (or replacement) to dest.
func (c *Consumer) settle(raw, replacement []byte, dest string) {
	if replacement == nil {
		replacement = raw
	}
	conn := c.pool.Get()
	defer conn.Close()
	_ = conn.Send("LPUSH", dest, replacement)
	_ = conn.Send("LREM", fmt.Sprintf(processingKeyFmt, c.lane), 1, raw)
	_ = conn.Flush()
	_, _ = conn.Receive()
	_, _ = conn.Receive()
}

// runDelayedPump moves due entries from the delayed set back onto the
// pending list.
func (c *Consumer) runDelayedPump(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pumpDelayed()
		}
	}
}

func (c *Consumer) pumpDelayed() {
	conn := c.pool.Get()
	defer conn.Close()

	delayed := fmt.Sprintf(delayedKeyFmt, c.lane)
	due, err := redis.ByteSlices(conn.Do("ZRANGEBYSCORE", delayed, "-inf", time.Now().Unix(), "LIMIT", 0, 100))
	if err != nil || len(due) == 0 {
		return
	}
	for _, raw := range due {
		removed, err := redis.Int(conn.Do("ZREM", delayed, raw))
		if err != nil || removed == 0 {
			continue // another pump claimed it
		}
		if _, err := conn.Do("LPUSH", fmt.Sprintf(pendingKeyFmt, c.lane), raw); err != nil {
			c.logger.Warn("failed to promote delayed task", "error", err)
		}
	}
}
