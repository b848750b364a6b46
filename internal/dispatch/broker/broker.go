// Package broker abstracts the queueing backend of the dispatcher: priority
// queues, task status records, worker heartbeats, replay nonces and the
// result channel. RedisBroker is the production implementation.
package broker

import (
	"context"
	"errors"
	"time"

	"lotpilot/internal/models"
)

var ErrStatusNotFound = errors.New("task status not found")

// Broker is the dispatcher's persistence and messaging boundary.
type Broker interface {
	// Push appends an opaque envelope to the named priority queue.
	Push(ctx context.Context, priority models.TaskPriority, envelope string) error
	// Pop removes one envelope, draining queues in priority order. The
	// second return is false when every queue is empty.
	Pop(ctx context.Context) (string, bool, error)
	QueueLengths(ctx context.Context) (map[models.TaskPriority]int64, error)

	SetStatus(ctx context.Context, rec *models.TaskStatusRecord, ttl time.Duration) error
	GetStatus(ctx context.Context, taskID string) (*models.TaskStatusRecord, error)
	DeleteStatus(ctx context.Context, taskID string) error
	// EachStatus visits up to limit status records. Iteration stops early
	// when fn returns an error.
	EachStatus(ctx context.Context, limit int, fn func(*models.TaskStatusRecord) error) error

	// Heartbeat records a worker's liveness report with a TTL.
	Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat, ttl time.Duration) error
	// Heartbeats returns up to limit liveness reports; zero means no cap.
	Heartbeats(ctx context.Context, limit int) ([]models.WorkerHeartbeat, error)

	// ClaimNonce returns true exactly once per nonce within the TTL. A
	// false return means the nonce was already claimed: a replay.
	ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// PublishResult sends a result message onto the result channel.
	PublishResult(ctx context.Context, result *models.TaskResult) error
	// SubscribeResults returns a stream of raw result payloads. The
	// channel closes when ctx is cancelled.
	SubscribeResults(ctx context.Context) (<-chan []byte, error)

	Close() error
}
