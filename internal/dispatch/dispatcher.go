// Package dispatch owns the task lifecycle: enqueueing signed envelopes,
// handing tasks to workers, correlating asynchronous results, retries and
// cleanup.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lotpilot/internal/config"
	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/events"
	"lotpilot/internal/models"
	"lotpilot/internal/signing"
	"lotpilot/pkg/circuitbreaker"
	"lotpilot/pkg/logger"
)

// EnqueueRequest describes a task to dispatch.
type EnqueueRequest struct {
	Type     models.TaskType        `json:"type"`
	TenantID string                 `json:"tenantId"`
	Payload  map[string]interface{} `json:"payload"`
	Priority models.TaskPriority    `json:"priority"`
}

// Dispatcher coordinates the queue, the status records and the result
// channel. It is safe for concurrent use.
type Dispatcher struct {
	broker  broker.Broker
	codec   *signing.Codec
	bus     *events.Bus
	log     *logger.Logger
	breaker circuitbreaker.CircuitBreaker

	signingEnabled bool
	statusTTL      time.Duration
	nonceTTL       time.Duration
	maxRetries     int
	cleanupBatch   int
}

// New creates a Dispatcher. codec may be nil only when signing is disabled.
func New(b broker.Broker, codec *signing.Codec, bus *events.Bus, log *logger.Logger, cfg config.DispatchConfig, signingCfg config.SigningConfig) (*Dispatcher, error) {
	if signingCfg.Enabled && codec == nil {
		return nil, fmt.Errorf("signing is enabled but no codec was provided")
	}
	return &Dispatcher{
		broker:         b,
		codec:          codec,
		bus:            bus,
		log:            log,
		signingEnabled: signingCfg.Enabled,
		statusTTL:      time.Duration(cfg.StatusTTLDays) * 24 * time.Hour,
		nonceTTL:       time.Duration(signingCfg.NonceTTL) * time.Second,
		maxRetries:     cfg.MaxRetries,
		cleanupBatch:   cfg.CleanupBatchSize,
	}, nil
}

// UseSigningBreaker puts a circuit breaker in front of the signing codec.
// When a broken key store or HSM makes every signature fail, the breaker
// fails enqueues fast instead of hammering it.
func (d *Dispatcher) UseSigningBreaker(cb circuitbreaker.CircuitBreaker) {
	d.breaker = cb
}

// Enqueue validates, signs and queues a task, returning its id. The empty
// string is returned alongside any error.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !models.ValidTaskType(req.Type) {
		return "", fmt.Errorf("unknown task type %q", req.Type)
	}
	if err := signing.ValidateTenantID(req.TenantID); err != nil {
		return "", err
	}
	if err := signing.ValidatePayload(req.Payload); err != nil {
		return "", err
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !models.ValidPriority(priority) {
		return "", fmt.Errorf("unknown priority %q", priority)
	}

	task := &models.WorkerTask{
		ID:        signing.GenerateTaskID(),
		Type:      req.Type,
		TenantID:  req.TenantID,
		Payload:   req.Payload,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	envelope, err := d.envelope(task)
	if err != nil {
		return "", err
	}

	if err := d.broker.Push(ctx, priority, envelope); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	rec := &models.TaskStatusRecord{
		TaskID:    task.ID,
		Status:    models.TaskStatusPending,
		TenantID:  task.TenantID,
		Type:      task.Type,
		Priority:  priority,
		CreatedAt: task.CreatedAt,
		Signed:    d.signingEnabled,
		Envelope:  envelope,
	}
	if err := d.broker.SetStatus(ctx, rec, d.statusTTL); err != nil {
		return "", fmt.Errorf("record task status: %w", err)
	}

	d.bus.Publish(events.TaskEvent{
		Type:     events.EventEnqueued,
		TaskID:   task.ID,
		TenantID: task.TenantID,
		TaskType: task.Type,
		Priority: priority,
	})
	return task.ID, nil
}

// envelope serializes the task for the queue, signing it when signing is
// on. Dispatching unsigned is permitted but loudly logged: it should only
// ever happen in development environments.
func (d *Dispatcher) envelope(task *models.WorkerTask) (string, error) {
	if d.signingEnabled {
		sign := func() (interface{}, error) {
			envelope, _, err := d.codec.SignTask(task)
			return envelope, err
		}
		var signed interface{}
		var err error
		if d.breaker != nil {
			signed, err = d.breaker.Execute(sign)
		} else {
			signed, err = sign()
		}
		if err != nil {
			return "", fmt.Errorf("sign task: %w", err)
		}
		return signed.(string), nil
	}

	d.log.WithPayload(map[string]interface{}{
		"taskId":   task.ID,
		"tenantId": task.TenantID,
	}).Warn("SIGNING DISABLED: dispatching unsigned task, workers cannot verify its origin")

	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(body), nil
}

// Dequeue hands the next task to a worker, draining queues in priority
// order. Signed envelopes are verified and their nonce claimed; a replayed
// or tampered envelope is dropped and the next one is tried. A nil task
// with a nil error means every queue is empty.
func (d *Dispatcher) Dequeue(ctx context.Context, workerID string) (*models.WorkerTask, error) {
	for {
		envelope, ok, err := d.broker.Pop(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		task, err := d.openEnvelope(ctx, envelope)
		if err != nil {
			d.securityDrop("", err.Error())
			continue
		}

		if err := d.markProcessing(ctx, task, workerID); err != nil {
			d.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "dispatch"}).
				WithPayload(map[string]interface{}{"taskId": task.ID}).
				Warn("failed to mark task processing")
		}
		return task, nil
	}
}

func (d *Dispatcher) openEnvelope(ctx context.Context, envelope string) (*models.WorkerTask, error) {
	if !d.signingEnabled {
		var task models.WorkerTask
		if err := json.Unmarshal([]byte(envelope), &task); err != nil {
			return nil, fmt.Errorf("malformed unsigned envelope")
		}
		return &task, nil
	}

	task, nonce, err := d.codec.OpenTask(envelope)
	if err != nil {
		return nil, fmt.Errorf("envelope rejected: %w", err)
	}
	fresh, err := d.broker.ClaimNonce(ctx, nonce, d.nonceTTL)
	if err != nil {
		return nil, fmt.Errorf("claim nonce: %w", err)
	}
	if !fresh {
		return nil, fmt.Errorf("replayed envelope for task %s", task.ID)
	}
	return task, nil
}

func (d *Dispatcher) markProcessing(ctx context.Context, task *models.WorkerTask, workerID string) error {
	rec, err := d.broker.GetStatus(ctx, task.ID)
	if err != nil {
		return err
	}
	if rec.Status != models.TaskStatusPending {
		return fmt.Errorf("task %s is %s, not pending", task.ID, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = models.TaskStatusProcessing
	rec.WorkerID = workerID
	rec.StartedAt = &now
	if err := d.broker.SetStatus(ctx, rec, d.statusTTL); err != nil {
		return err
	}
	d.bus.Publish(events.TaskEvent{
		Type:     events.EventStarted,
		TaskID:   task.ID,
		TenantID: task.TenantID,
		TaskType: task.Type,
		Priority: task.Priority,
		WorkerID: workerID,
	})
	return nil
}

// HandleResult processes one raw result message from the result channel.
// Invalid signatures, unknown tasks and illegal transitions are dropped,
// never propagated: a malicious or confused worker must not be able to
// corrupt task state.
func (d *Dispatcher) HandleResult(ctx context.Context, payload []byte) {
	var result models.TaskResult
	if err := json.Unmarshal(payload, &result); err != nil {
		d.securityDrop("", "malformed result message")
		return
	}
	if err := signing.ValidateTaskID(result.TaskID); err != nil {
		d.securityDrop(result.TaskID, "result carries an invalid task id")
		return
	}

	if d.signingEnabled {
		if err := d.codec.VerifyResult(&result); err != nil {
			d.securityDrop(result.TaskID, "result signature verification failed")
			return
		}
	}

	rec, err := d.broker.GetStatus(ctx, result.TaskID)
	if err != nil {
		d.securityDrop(result.TaskID, "result for unknown task")
		return
	}

	if rec.Status.Terminal() {
		// Duplicate delivery of a finished task: idempotent, but logged
		// since repeats can indicate a replay attempt.
		d.securityDrop(result.TaskID, fmt.Sprintf("result for already-%s task", rec.Status))
		return
	}
	if !transitionAllowed(rec.Status, result.Status) {
		d.securityDrop(result.TaskID, fmt.Sprintf("illegal transition %s -> %s", rec.Status, result.Status))
		return
	}

	switch result.Status {
	case models.TaskStatusProcessing:
		d.applyProcessing(ctx, rec, &result)
	case models.TaskStatusCompleted:
		d.applyCompleted(ctx, rec, &result)
	case models.TaskStatusFailed:
		d.applyFailed(ctx, rec, &result)
	case models.TaskStatusRetry:
		d.applyRetry(ctx, rec, &result)
	}
}

// transitionAllowed encodes the task lifecycle: pending -> processing ->
// {completed, failed, retry}. Everything else is rejected.
func transitionAllowed(from models.TaskStatus, to models.TaskStatus) bool {
	switch from {
	case models.TaskStatusPending:
		return to == models.TaskStatusProcessing
	case models.TaskStatusProcessing:
		return to == models.TaskStatusCompleted || to == models.TaskStatusFailed || to == models.TaskStatusRetry
	default:
		return false
	}
}

func (d *Dispatcher) applyProcessing(ctx context.Context, rec *models.TaskStatusRecord, result *models.TaskResult) {
	now := time.Now().UTC()
	rec.Status = models.TaskStatusProcessing
	rec.WorkerID = result.WorkerID
	if result.StartedAt != nil {
		rec.StartedAt = result.StartedAt
	} else {
		rec.StartedAt = &now
	}
	d.saveStatus(ctx, rec)
	d.bus.Publish(events.TaskEvent{
		Type:     events.EventStarted,
		TaskID:   rec.TaskID,
		TenantID: rec.TenantID,
		TaskType: rec.Type,
		Priority: rec.Priority,
		WorkerID: result.WorkerID,
	})
}

func (d *Dispatcher) applyCompleted(ctx context.Context, rec *models.TaskStatusRecord, result *models.TaskResult) {
	rec.Status = models.TaskStatusCompleted
	rec.WorkerID = result.WorkerID
	rec.CompletedAt = completionTime(result)
	if result.Data != nil {
		if b, err := json.Marshal(result.Data); err == nil {
			rec.Result = string(b)
		}
	}
	d.saveStatus(ctx, rec)
	d.bus.Publish(events.TaskEvent{
		Type:     events.EventCompleted,
		TaskID:   rec.TaskID,
		TenantID: rec.TenantID,
		TaskType: rec.Type,
		Priority: rec.Priority,
		WorkerID: result.WorkerID,
	})
}

func (d *Dispatcher) applyFailed(ctx context.Context, rec *models.TaskStatusRecord, result *models.TaskResult) {
	rec.Status = models.TaskStatusFailed
	rec.WorkerID = result.WorkerID
	rec.CompletedAt = completionTime(result)
	rec.Error = result.Error
	d.saveStatus(ctx, rec)
	d.bus.Publish(events.TaskEvent{
		Type:     events.EventFailed,
		TaskID:   rec.TaskID,
		TenantID: rec.TenantID,
		TaskType: rec.Type,
		Priority: rec.Priority,
		WorkerID: result.WorkerID,
		Error:    result.Error,
	})
}

// applyRetry re-enqueues the task until the retry budget is spent, then
// fails it for good. The envelope is re-signed so the retry carries a fresh
// nonce; pushing the original envelope back would trip replay protection.
func (d *Dispatcher) applyRetry(ctx context.Context, rec *models.TaskStatusRecord, result *models.TaskResult) {
	if rec.RetryCount >= d.maxRetries {
		result.Error = fmt.Sprintf("retry budget exhausted after %d attempts: %s", rec.RetryCount, result.Error)
		d.applyFailed(ctx, rec, result)
		return
	}

	envelope, err := d.retryEnvelope(rec)
	if err != nil {
		d.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "dispatch"}).
			WithPayload(map[string]interface{}{"taskId": rec.TaskID}).
			Error("failed to rebuild envelope for retry")
		result.Error = "re-enqueue failed: " + result.Error
		d.applyFailed(ctx, rec, result)
		return
	}

	if err := d.broker.Push(ctx, rec.Priority, envelope); err != nil {
		d.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "dispatch"}).
			WithPayload(map[string]interface{}{"taskId": rec.TaskID}).
			Error("failed to re-enqueue task for retry")
		result.Error = "re-enqueue failed: " + result.Error
		d.applyFailed(ctx, rec, result)
		return
	}

	rec.Status = models.TaskStatusPending
	rec.RetryCount++
	rec.WorkerID = ""
	rec.StartedAt = nil
	rec.Error = result.Error
	rec.Envelope = envelope
	d.saveStatus(ctx, rec)
	d.bus.Publish(events.TaskEvent{
		Type:       events.EventRetried,
		TaskID:     rec.TaskID,
		TenantID:   rec.TenantID,
		TaskType:   rec.Type,
		Priority:   rec.Priority,
		RetryCount: rec.RetryCount,
		Error:      result.Error,
	})
}

// retryEnvelope rebuilds the queue payload from the stored one, bumping
// the task's retry count and, in signed mode, minting a fresh nonce.
func (d *Dispatcher) retryEnvelope(rec *models.TaskStatusRecord) (string, error) {
	var task *models.WorkerTask
	if d.signingEnabled {
		opened, _, err := d.codec.OpenTask(rec.Envelope)
		if err != nil {
			return "", fmt.Errorf("open stored envelope: %w", err)
		}
		task = opened
	} else {
		var t models.WorkerTask
		if err := json.Unmarshal([]byte(rec.Envelope), &t); err != nil {
			return "", fmt.Errorf("decode stored envelope: %w", err)
		}
		task = &t
	}

	task.RetryCount = rec.RetryCount + 1

	if d.signingEnabled {
		envelope, _, err := d.codec.SignTask(task)
		if err != nil {
			return "", fmt.Errorf("re-sign task: %w", err)
		}
		return envelope, nil
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(body), nil
}

func completionTime(result *models.TaskResult) *time.Time {
	if result.CompletedAt != nil {
		return result.CompletedAt
	}
	now := time.Now().UTC()
	return &now
}

func (d *Dispatcher) saveStatus(ctx context.Context, rec *models.TaskStatusRecord) {
	if err := d.broker.SetStatus(ctx, rec, d.statusTTL); err != nil {
		d.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "dispatch"}).
			WithPayload(map[string]interface{}{"taskId": rec.TaskID}).
			Error("failed to persist task status")
	}
}

// securityDrop records a dropped message. These lines are the audit trail
// for replay and forgery attempts.
func (d *Dispatcher) securityDrop(taskID, reason string) {
	d.log.WithError(models.ErrorInfo{Message: reason, Type: "security"}).
		WithPayload(map[string]interface{}{"taskId": taskID}).
		Warn("dropping result message")
	d.bus.Publish(events.TaskEvent{Type: events.EventDropped, TaskID: taskID, Error: reason})
}

// GetTaskStatus returns the status record for one task.
func (d *Dispatcher) GetTaskStatus(ctx context.Context, taskID string) (*models.TaskStatusRecord, error) {
	if err := signing.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	rec, err := d.broker.GetStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// The envelope is queue plumbing, not status.
	rec.Envelope = ""
	return rec, nil
}

// QueueStats reports the depth of each priority queue.
func (d *Dispatcher) QueueStats(ctx context.Context) (map[models.TaskPriority]int64, error) {
	return d.broker.QueueLengths(ctx)
}

// CleanupOldTasks deletes terminal status records whose completion is older
// than the retention window. Pending and processing records are never
// touched, whatever their age. Returns the number deleted.
func (d *Dispatcher) CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	err := d.broker.EachStatus(ctx, d.cleanupBatch, func(rec *models.TaskStatusRecord) error {
		if !rec.Status.Terminal() {
			return nil
		}
		if rec.CompletedAt == nil || rec.CompletedAt.After(cutoff) {
			return nil
		}
		if err := d.broker.DeleteStatus(ctx, rec.TaskID); err != nil {
			return err
		}
		deleted++
		return nil
	})
	return deleted, err
}
