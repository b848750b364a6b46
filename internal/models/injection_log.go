package models

import (
	"time"

	"gorm.io/datatypes"
)

// InjectionStatus 定义了一次注入执行的生命周期状态。
type InjectionStatus string

const (
	InjectionStatusRunning InjectionStatus = "running"
	InjectionStatusSuccess InjectionStatus = "success"
	InjectionStatusFailure InjectionStatus = "failure"
)

// InjectionLog is an immutable execution record: created when an injection
// starts, sealed exactly once when it completes. Audit queries and aggregate
// statistics read these rows instead of the pattern's rolling counters.
type InjectionLog struct {
	ID          string          `gorm:"primarykey;size:64" json:"id"`
	ContainerID uint            `gorm:"index;not null" json:"containerId"`
	PatternID   uint            `gorm:"index;not null" json:"patternId"`
	InstanceID  string          `gorm:"size:64;index" json:"instanceId,omitempty"`
	MissionID   string          `gorm:"size:64" json:"missionId,omitempty"`
	TaskID      string          `gorm:"size:64;index" json:"taskId,omitempty"`
	Status      InjectionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Input       datatypes.JSON  `json:"input,omitempty"`
	Output      datatypes.JSON  `json:"output,omitempty"`
	Error       string          `gorm:"size:1024" json:"error,omitempty"`
	StartedAt   time.Time       `gorm:"not null" json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  int64           `gorm:"default:0" json:"durationMs"`
}

func (InjectionLog) TableName() string {
	return "injection_logs"
}
