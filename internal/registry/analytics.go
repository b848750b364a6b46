package registry

import (
	"context"
	"time"

	"lotpilot/internal/models"
	"lotpilot/internal/registry/store"
)

// PatternStats is the per-pattern slice of a container analytics report.
type PatternStats struct {
	PatternID       uint     `json:"patternId"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	IsActive        bool     `json:"isActive"`
	IsDefault       bool     `json:"isDefault"`
	TotalExecutions int64    `json:"totalExecutions"`
	SuccessCount    int64    `json:"successCount"`
	FailureCount    int64    `json:"failureCount"`
	SuccessRate     float64  `json:"successRate"`
	AvgExecutionMs  float64  `json:"avgExecutionMs"`
	LastError       string   `json:"lastError,omitempty"`
}

// FailureSample is one recent failed injection, for triage.
type FailureSample struct {
	LogID      string    `json:"logId"`
	PatternID  uint      `json:"patternId"`
	InstanceID string    `json:"instanceId,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	Error      string    `json:"error"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// ContainerAnalytics aggregates a container's execution history.
type ContainerAnalytics struct {
	ContainerID     uint            `json:"containerId"`
	ContainerName   string          `json:"containerName"`
	Category        string          `json:"category"`
	PatternCount    int             `json:"patternCount"`
	ActivePatterns  int             `json:"activePatterns"`
	TotalExecutions int64           `json:"totalExecutions"`
	SuccessCount    int64           `json:"successCount"`
	FailureCount    int64           `json:"failureCount"`
	SuccessRate     float64         `json:"successRate"`
	Patterns        []PatternStats  `json:"patterns"`
	RecentFailures  []FailureSample `json:"recentFailures"`
}

// Analytics builds the aggregate report for one container from its
// patterns' rolling statistics.
func (r *Registry) Analytics(ctx context.Context, containerID uint) (*ContainerAnalytics, error) {
	container, err := r.store.GetContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	patterns, _, err := r.store.ListPatterns(ctx, store.PatternFilter{ContainerID: containerID})
	if err != nil {
		return nil, err
	}

	report := &ContainerAnalytics{
		ContainerID:   container.ID,
		ContainerName: container.Name,
		Category:      container.Category,
		PatternCount:  len(patterns),
		Patterns:      make([]PatternStats, 0, len(patterns)),
	}
	for _, p := range patterns {
		if p.IsActive {
			report.ActivePatterns++
		}
		report.TotalExecutions += p.TotalExecutions
		report.SuccessCount += p.SuccessCount
		report.FailureCount += p.FailureCount
		report.Patterns = append(report.Patterns, PatternStats{
			PatternID:       p.ID,
			Name:            p.Name,
			Version:         p.Version,
			IsActive:        p.IsActive,
			IsDefault:       p.IsDefault,
			TotalExecutions: p.TotalExecutions,
			SuccessCount:    p.SuccessCount,
			FailureCount:    p.FailureCount,
			SuccessRate:     successRate(p.SuccessCount, p.FailureCount),
			AvgExecutionMs:  p.AvgExecutionMs,
			LastError:       p.LastError,
		})
	}
	report.SuccessRate = successRate(report.SuccessCount, report.FailureCount)

	failures, _, err := r.store.ListInjectionLogs(ctx, store.LogFilter{
		ContainerID: containerID,
		Status:      models.InjectionStatusFailure,
		Limit:       10,
	})
	if err != nil {
		return nil, err
	}
	report.RecentFailures = make([]FailureSample, 0, len(failures))
	for _, f := range failures {
		report.RecentFailures = append(report.RecentFailures, FailureSample{
			LogID:      f.ID,
			PatternID:  f.PatternID,
			InstanceID: f.InstanceID,
			TaskID:     f.TaskID,
			Error:      f.Error,
			StartedAt:  f.StartedAt,
			DurationMs: f.DurationMs,
		})
	}
	return report, nil
}

// successRate is computed over finalized executions only, so in-flight
// runs do not drag the rate down.
func successRate(success, failure int64) float64 {
	finalized := success + failure
	if finalized == 0 {
		return 0
	}
	return float64(success) / float64(finalized)
}
