package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lotpilot/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	queueKeyPrefix  = "lotpilot:queue:"
	statusKeyPrefix = "lotpilot:task:"
	workerKeyPrefix = "lotpilot:worker:"
	nonceKeyPrefix  = "lotpilot:nonce:"

	scanBatch = 200
)

// RedisBroker implements Broker on a single Redis instance. Envelopes are
// LPUSHed and RPOPed so each queue is FIFO; status records, heartbeats and
// nonces are plain keys with TTLs.
type RedisBroker struct {
	rdb           *redis.Client
	resultChannel string
}

func NewRedisBroker(rdb *redis.Client, resultChannel string) *RedisBroker {
	return &RedisBroker{rdb: rdb, resultChannel: resultChannel}
}

func queueKey(p models.TaskPriority) string {
	return queueKeyPrefix + string(p)
}

func (b *RedisBroker) Push(ctx context.Context, priority models.TaskPriority, envelope string) error {
	if !models.ValidPriority(priority) {
		return fmt.Errorf("unknown priority %q", priority)
	}
	return b.rdb.LPush(ctx, queueKey(priority), envelope).Err()
}

func (b *RedisBroker) Pop(ctx context.Context) (string, bool, error) {
	for _, p := range models.Priorities {
		val, err := b.rdb.RPop(ctx, queueKey(p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return val, true, nil
	}
	return "", false, nil
}

func (b *RedisBroker) QueueLengths(ctx context.Context) (map[models.TaskPriority]int64, error) {
	out := make(map[models.TaskPriority]int64, len(models.Priorities))
	for _, p := range models.Priorities {
		n, err := b.rdb.LLen(ctx, queueKey(p)).Result()
		if err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}

func (b *RedisBroker) SetStatus(ctx context.Context, rec *models.TaskStatusRecord, ttl time.Duration) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status record: %w", err)
	}
	return b.rdb.Set(ctx, statusKeyPrefix+rec.TaskID, body, ttl).Err()
}

func (b *RedisBroker) GetStatus(ctx context.Context, taskID string) (*models.TaskStatusRecord, error) {
	val, err := b.rdb.Get(ctx, statusKeyPrefix+taskID).Result()
	if err == redis.Nil {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec models.TaskStatusRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("decode status record: %w", err)
	}
	return &rec, nil
}

func (b *RedisBroker) DeleteStatus(ctx context.Context, taskID string) error {
	return b.rdb.Del(ctx, statusKeyPrefix+taskID).Err()
}

// EachStatus SCANs status keys in bounded batches so a large backlog never
// blocks Redis the way KEYS would.
func (b *RedisBroker) EachStatus(ctx context.Context, limit int, fn func(*models.TaskStatusRecord) error) error {
	var cursor uint64
	seen := 0
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, statusKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if limit > 0 && seen >= limit {
				return nil
			}
			val, err := b.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			var rec models.TaskStatusRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				continue
			}
			seen++
			if err := fn(&rec); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (b *RedisBroker) Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat, ttl time.Duration) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return b.rdb.Set(ctx, workerKeyPrefix+hb.WorkerID, body, ttl).Err()
}

// Heartbeats SCANs the worker keyspace in bounded batches and stops after
// limit entries, so a huge fleet never turns a stats call into a full
// keyspace walk.
func (b *RedisBroker) Heartbeats(ctx context.Context, limit int) ([]models.WorkerHeartbeat, error) {
	var out []models.WorkerHeartbeat
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, workerKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			val, err := b.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			var hb models.WorkerHeartbeat
			if err := json.Unmarshal([]byte(val), &hb); err != nil {
				continue
			}
			out = append(out, hb)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (b *RedisBroker) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, nonceKeyPrefix+nonce, 1, ttl).Result()
}

func (b *RedisBroker) PublishResult(ctx context.Context, result *models.TaskResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return b.rdb.Publish(ctx, b.resultChannel, body).Err()
}

func (b *RedisBroker) SubscribeResults(ctx context.Context) (<-chan []byte, error) {
	sub := b.rdb.Subscribe(ctx, b.resultChannel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	return nil
}
