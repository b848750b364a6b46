package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// CodeType 定义了模式脚本体的几种可能形态。
type CodeType string

const (
	CodeTypeData       CodeType = "data"       // 纯数据：执行时原样返回解析后的 JSON
	CodeTypeWorkflow   CodeType = "workflow"   // 流程描述：返回解析后的步骤列表，不执行
	CodeTypeExecutable CodeType = "executable" // 可执行脚本：在受限沙箱中运行
)

// FailureAction 定义了模式执行失败后的处理方式。
type FailureAction string

const (
	FailureActionNone     FailureAction = "none"
	FailureActionRetry    FailureAction = "retry"
	FailureActionFallback FailureAction = "fallback"
	FailureActionEscalate FailureAction = "escalate"
)

// Pattern is a versioned, executable behavior unit owned by exactly one
// container. Selection strategies read Priority and Weight; the rolling
// statistics block is mutated only by the registry's stats-update path.
type Pattern struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	ContainerID uint           `gorm:"not null;index" json:"containerId"`
	Name        string         `gorm:"not null;size:255;index:idx_container_name,unique,composite:container_name" json:"name"`
	Code        string         `gorm:"type:text" json:"code"`
	CodeType    CodeType       `gorm:"type:varchar(20);default:'executable';not null" json:"codeType"`
	Version     string         `gorm:"size:64;default:'1.0.0'" json:"version"`
	IsActive    bool           `gorm:"default:true;index" json:"isActive"`
	IsDefault   bool           `gorm:"default:false" json:"isDefault"`
	Priority    int            `gorm:"default:0" json:"priority"`
	Weight      int            `gorm:"default:1" json:"weight"`
	TimeoutMs   int            `gorm:"default:30000" json:"timeoutMs"`
	RetryCount  int            `gorm:"default:0" json:"retryCount"`

	FailureAction  FailureAction  `gorm:"type:varchar(20);default:'none'" json:"failureAction"`
	Preconditions  datatypes.JSON `json:"preconditions,omitempty"`
	Postconditions datatypes.JSON `json:"postconditions,omitempty"`
	Tags           datatypes.JSON `json:"tags,omitempty"`

	// Rolling statistics. Success/failure counts may lag TotalExecutions
	// while an execution is in flight; the four counters plus the running
	// mean are updated together as a unit when an execution finalizes.
	TotalExecutions int64      `gorm:"default:0" json:"totalExecutions"`
	SuccessCount    int64      `gorm:"default:0" json:"successCount"`
	FailureCount    int64      `gorm:"default:0" json:"failureCount"`
	AvgExecutionMs  float64    `gorm:"default:0" json:"avgExecutionMs"`
	LastExecutedAt  *time.Time `json:"lastExecutedAt,omitempty"`
	LastSuccessAt   *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt   *time.Time `json:"lastFailureAt,omitempty"`
	LastError       string     `gorm:"size:1024" json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Pattern) TableName() string {
	return "patterns"
}

// TagList decodes the Tags JSON column into a string slice.
func (p *Pattern) TagList() []string {
	if len(p.Tags) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(p.Tags, &tags); err != nil {
		return nil
	}
	return tags
}
