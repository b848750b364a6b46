package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lotpilot/internal/models"
)

// MemoryBroker is an in-process Broker for tests and single-node runs.
// TTLs are honored lazily: expired entries are dropped on read.
type MemoryBroker struct {
	mu sync.Mutex

	queues      map[models.TaskPriority][]string
	statuses    map[string]expiringStatus
	heartbeats  map[string]expiringHeartbeat
	nonces      map[string]time.Time
	subscribers []chan []byte
}

type expiringStatus struct {
	rec       models.TaskStatusRecord
	expiresAt time.Time
}

type expiringHeartbeat struct {
	hb        models.WorkerHeartbeat
	expiresAt time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:     make(map[models.TaskPriority][]string),
		statuses:   make(map[string]expiringStatus),
		heartbeats: make(map[string]expiringHeartbeat),
		nonces:     make(map[string]time.Time),
	}
}

func (b *MemoryBroker) Push(_ context.Context, priority models.TaskPriority, envelope string) error {
	if !models.ValidPriority(priority) {
		return fmt.Errorf("unknown priority %q", priority)
	}
	b.mu.Lock()
	b.queues[priority] = append(b.queues[priority], envelope)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Pop(_ context.Context) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range models.Priorities {
		q := b.queues[p]
		if len(q) == 0 {
			continue
		}
		envelope := q[0]
		b.queues[p] = q[1:]
		return envelope, true, nil
	}
	return "", false, nil
}

func (b *MemoryBroker) QueueLengths(_ context.Context) (map[models.TaskPriority]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.TaskPriority]int64, len(models.Priorities))
	for _, p := range models.Priorities {
		out[p] = int64(len(b.queues[p]))
	}
	return out, nil
}

func (b *MemoryBroker) SetStatus(_ context.Context, rec *models.TaskStatusRecord, ttl time.Duration) error {
	b.mu.Lock()
	b.statuses[rec.TaskID] = expiringStatus{rec: *rec, expiresAt: time.Now().Add(ttl)}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) GetStatus(_ context.Context, taskID string) (*models.TaskStatusRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.statuses[taskID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(b.statuses, taskID)
		return nil, ErrStatusNotFound
	}
	rec := entry.rec
	return &rec, nil
}

func (b *MemoryBroker) DeleteStatus(_ context.Context, taskID string) error {
	b.mu.Lock()
	delete(b.statuses, taskID)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) EachStatus(_ context.Context, limit int, fn func(*models.TaskStatusRecord) error) error {
	b.mu.Lock()
	now := time.Now()
	recs := make([]models.TaskStatusRecord, 0, len(b.statuses))
	for id, entry := range b.statuses {
		if now.After(entry.expiresAt) {
			delete(b.statuses, id)
			continue
		}
		recs = append(recs, entry.rec)
	}
	b.mu.Unlock()

	for i := range recs {
		if limit > 0 && i >= limit {
			return nil
		}
		if err := fn(&recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBroker) Heartbeat(_ context.Context, hb *models.WorkerHeartbeat, ttl time.Duration) error {
	b.mu.Lock()
	b.heartbeats[hb.WorkerID] = expiringHeartbeat{hb: *hb, expiresAt: time.Now().Add(ttl)}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Heartbeats(_ context.Context, limit int) ([]models.WorkerHeartbeat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out []models.WorkerHeartbeat
	for id, entry := range b.heartbeats {
		if now.After(entry.expiresAt) {
			delete(b.heartbeats, id)
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, entry.hb)
	}
	return out, nil
}

func (b *MemoryBroker) ClaimNonce(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if expiresAt, ok := b.nonces[nonce]; ok && now.Before(expiresAt) {
		return false, nil
	}
	b.nonces[nonce] = now.Add(ttl)
	return true, nil
}

func (b *MemoryBroker) PublishResult(_ context.Context, result *models.TaskResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	b.mu.Lock()
	subs := make([]chan []byte, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, ch := range subs {
		ch <- body
	}
	return nil
}

func (b *MemoryBroker) SubscribeResults(ctx context.Context) (<-chan []byte, error) {
	sub := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.dropSubscriber(sub)
				return
			case msg := <-sub:
				select {
				case out <- msg:
				case <-ctx.Done():
					b.dropSubscriber(sub)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) dropSubscriber(sub chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *MemoryBroker) Close() error {
	return nil
}
