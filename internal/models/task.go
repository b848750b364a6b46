package models

import (
	"time"
)

// TaskStatus 定义了远程任务的几种可能状态。
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetry      TaskStatus = "retry"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskType 枚举了工作进程支持的自动化操作。
type TaskType string

const (
	TaskTypePostVehicle       TaskType = "post_vehicle"
	TaskTypeUpdateListing     TaskType = "update_listing"
	TaskTypeRemoveListing     TaskType = "remove_listing"
	TaskTypeRefreshSession    TaskType = "refresh_session"
	TaskTypeCaptureScreenshot TaskType = "capture_screenshot"
)

// ValidTaskType reports whether t is one of the supported operations.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypePostVehicle, TaskTypeUpdateListing, TaskTypeRemoveListing,
		TaskTypeRefreshSession, TaskTypeCaptureScreenshot:
		return true
	}
	return false
}

// TaskPriority 决定任务进入哪一条派发队列。
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Priorities lists the queues in dispatch order: a worker pulling from
// "any available queue" drains them in this order.
var Priorities = []TaskPriority{PriorityHigh, PriorityNormal, PriorityLow}

// ValidPriority reports whether p names one of the three queues.
func ValidPriority(p TaskPriority) bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// WorkerTask is a unit of remote automation work. It is immutable once
// enqueued; progress lives in the out-of-band status record.
type WorkerTask struct {
	ID         string                 `json:"id"`
	Type       TaskType               `json:"type"`
	TenantID   string                 `json:"tenantId"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   TaskPriority           `json:"priority"`
	CreatedAt  time.Time              `json:"createdAt"`
	RetryCount int                    `json:"retryCount"`
}

// TaskResult is the message a worker publishes back on the result channel.
type TaskResult struct {
	TaskID      string                 `json:"taskId"`
	Status      TaskStatus             `json:"status"`
	WorkerID    string                 `json:"workerId,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Signature   string                 `json:"signature,omitempty"`
}

// TaskStatusRecord mirrors the broker-held status hash for one task id.
type TaskStatusRecord struct {
	TaskID      string       `json:"taskId"`
	Status      TaskStatus   `json:"status"`
	TenantID    string       `json:"tenantId"`
	Type        TaskType     `json:"type"`
	Priority    TaskPriority `json:"priority"`
	WorkerID    string       `json:"workerId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	RetryCount  int          `json:"retryCount"`
	Error       string       `json:"error,omitempty"`
	Result      string       `json:"result,omitempty"`
	Signed      bool         `json:"signed"`
	// Envelope is the current queue payload for the task, kept so a retry
	// can rebuild and re-sign it without the original request.
	Envelope string `json:"envelope,omitempty"`
}
