package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mifumohq/dispatch/internal/models"
)

// promoteScript atomically moves ripe members of the delayed set onto the
// ready list. A separate ZRANGEBYSCORE followed by LPUSH/ZREM would race
// with other promoters.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, task in ipairs(due) do
  redis.call('LPUSH', KEYS[2], task)
  redis.call('ZREM', KEYS[1], task)
end
return #due
`)

const promoteBatchSize = 256

// redisClient implements Client using a Redis list for ready tasks and a
// sorted set (scored by ready time) for delayed tasks.
type redisClient struct {
	client     *redis.Client
	queueName  string
	delayedKey string
	clock      clockwork.Clock
	logger     *slog.Logger
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL       string
	QueueName string
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(cfg RedisConfig, clock clockwork.Clock, logger *slog.Logger) (Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		slog.String("addr", opts.Addr),
		slog.String("queue", cfg.QueueName),
	)

	return &redisClient{
		client:     client,
		queueName:  cfg.QueueName,
		delayedKey: cfg.QueueName + ":delayed",
		clock:      clock,
		logger:     logger,
	}, nil
}

// Publish places a send task on the ready queue.
func (c *redisClient) Publish(ctx context.Context, task *models.SendTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := c.client.LPush(ctx, c.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push task to queue: %w", err)
	}

	c.logger.Debug("task published",
		slog.String("message_id", task.OutboundMessageID.String()),
	)
	return nil
}

// PublishIn schedules a task to become ready after the delay.
func (c *redisClient) PublishIn(ctx context.Context, task *models.SendTask, delay time.Duration) error {
	if delay <= 0 {
		return c.Publish(ctx, task)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	readyAt := delayScore(c.clock.Now(), delay)
	if err := c.client.ZAdd(ctx, c.delayedKey, redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to schedule delayed task: %w", err)
	}

	c.logger.Debug("task scheduled",
		slog.String("message_id", task.OutboundMessageID.String()),
		slog.Duration("delay", delay),
	)
	return nil
}

// delayScore is the sorted-set score of a task becoming ready delay from
// now: milliseconds since the Unix epoch. PromoteDue compares against the
// same clock, so a promoted task is never ahead of its ready time.
func delayScore(now time.Time, delay time.Duration) float64 {
	return float64(now.Add(delay).UnixMilli())
}

// PromoteDue moves ripe delayed tasks onto the ready queue.
func (c *redisClient) PromoteDue(ctx context.Context) (int64, error) {
	now := c.clock.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, c.client,
		[]string{c.delayedKey, c.queueName},
		now, promoteBatchSize,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed tasks: %w", err)
	}
	if n > 0 {
		c.logger.Debug("promoted delayed tasks", slog.Int64("count", n))
	}
	return n, nil
}

// Consume receives tasks from the ready queue and processes them with the
// handler, at most concurrency at a time.
func (c *redisClient) Consume(ctx context.Context, handler TaskHandler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	c.logger.Info("starting queue consumer",
		slog.String("queue", c.queueName),
		slog.Int("concurrency", concurrency),
	)

	semaphore := make(chan struct{}, concurrency)

	drain := func() {
		for i := 0; i < concurrency; i++ {
			semaphore <- struct{}{}
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped, waiting for in-flight tasks")
			drain()
			return ctx.Err()

		default:
			result, err := c.client.BRPop(ctx, 1*time.Second, c.queueName).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					c.logger.Info("consumer stopped, waiting for in-flight tasks")
					drain()
					return err
				}
				c.logger.Error("failed to pop from queue", slog.String("error", err.Error()))
				time.Sleep(1 * time.Second)
				continue
			}

			// BRPOP returns [queueName, value]
			if len(result) < 2 {
				c.logger.Error("unexpected BRPOP result format")
				continue
			}

			var task models.SendTask
			if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
				c.logger.Error("failed to unmarshal task",
					slog.String("error", err.Error()),
					slog.String("data", result[1]),
				)
				continue
			}

			semaphore <- struct{}{}

			go func(task models.SendTask) {
				defer func() { <-semaphore }()

				if err := handler(ctx, &task); err != nil {
					c.logger.Error("handler failed to process task",
						slog.String("message_id", task.OutboundMessageID.String()),
						slog.String("error", err.Error()),
					)
				}
			}(task)
		}
	}
}

// Close closes the Redis connection
func (c *redisClient) Close() error {
	c.logger.Info("closing Redis connection")
	return c.client.Close()
}

// Health checks if Redis is healthy
func (c *redisClient) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
