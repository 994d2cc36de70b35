package queue

import (
	"context"
	"time"

	"github.com/mifumohq/dispatch/internal/models"
)

// Client defines the interface for send-task queue operations. Delivery is
// at least once: consumers must tolerate duplicate tasks.
type Client interface {
	// Publish places a send task on the ready queue.
	Publish(ctx context.Context, task *models.SendTask) error

	// PublishIn schedules a send task to become ready after the delay.
	// This is the suspension point for retries and rate-limit pacing;
	// workers never sleep in place.
	PublishIn(ctx context.Context, task *models.SendTask, delay time.Duration) error

	// PromoteDue moves tasks whose delay has elapsed onto the ready queue
	// and returns how many were promoted.
	PromoteDue(ctx context.Context) (int64, error)

	// Consume receives tasks from the ready queue and processes them with
	// the handler. concurrency controls how many tasks are in flight at
	// once within this process.
	Consume(ctx context.Context, handler TaskHandler, concurrency int) error

	// Close closes the queue connection.
	Close() error

	// Health checks if the queue is healthy.
	Health(ctx context.Context) error
}

// TaskHandler is a function that processes one send task.
type TaskHandler func(ctx context.Context, task *models.SendTask) error
