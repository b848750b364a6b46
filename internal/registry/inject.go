package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lotpilot/internal/models"
	"lotpilot/internal/registry/store"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// InjectOptions describes one injection request. The target container is
// resolved in order: ContainerID, ContainerName, then the default container
// of Category. PatternID, when set, bypasses strategy selection.
type InjectOptions struct {
	ContainerID   uint
	ContainerName string
	Category      string
	PatternID     uint
	Strategy      Strategy
	InstanceID    string
	MissionID     string
	TaskID        string
	Input         map[string]interface{}
	TimeoutMs     int
}

// InjectionResult reports a completed injection.
type InjectionResult struct {
	LogID        string      `json:"logId"`
	ContainerID  uint        `json:"containerId"`
	PatternID    uint        `json:"patternId"`
	PatternName  string      `json:"patternName"`
	Output       interface{} `json:"output,omitempty"`
	DurationMs   int64       `json:"durationMs"`
	FromFallback bool        `json:"fromFallback"`
	Attempts     int         `json:"attempts"`
}

// Inject resolves a container and pattern, executes the pattern, and
// finalizes its statistics and audit log exactly once. On failure the
// pattern's FailureAction decides what happens next: retry re-runs the same
// pattern up to its RetryCount, fallback hands over to the container's
// default pattern (one level, never chained), escalate and none return the
// error as-is.
func (r *Registry) Inject(ctx context.Context, opts InjectOptions) (*InjectionResult, error) {
	container, err := r.resolveContainer(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !container.IsActive {
		return nil, fmt.Errorf("container %q is not active", container.Name)
	}

	pattern, err := r.resolvePattern(ctx, container.ID, opts)
	if err != nil {
		return nil, err
	}

	result, runErr := r.executeWithRetry(ctx, container, pattern, opts)
	if runErr == nil {
		return result, nil
	}

	switch pattern.FailureAction {
	case models.FailureActionFallback:
		fb, fbErr := r.fallbackPattern(ctx, container.ID, pattern.ID)
		if fbErr != nil {
			return nil, fmt.Errorf("pattern %q failed and no fallback is available: %w", pattern.Name, runErr)
		}
		r.log.WithPayload(map[string]interface{}{
			"container": container.Name,
			"failed":    pattern.Name,
			"fallback":  fb.Name,
		}).Warn("pattern failed, using fallback")

		// One level only. The fallback's own failure action is ignored.
		fbResult, fbRunErr := r.executeOnce(ctx, container, fb, opts)
		if fbRunErr != nil {
			return nil, fmt.Errorf("pattern %q and fallback %q both failed: %w", pattern.Name, fb.Name, fbRunErr)
		}
		fbResult.FromFallback = true
		return fbResult, nil
	case models.FailureActionEscalate:
		r.log.WithError(models.ErrorInfo{Message: runErr.Error(), Type: "pattern_escalation"}).
			WithPayload(map[string]interface{}{
				"container": container.Name,
				"pattern":   pattern.Name,
				"taskId":    opts.TaskID,
			}).Error("pattern failure escalated")
		return nil, runErr
	default:
		return nil, runErr
	}
}

// executeWithRetry runs the pattern, honoring its RetryCount when its
// failure action is retry. Every attempt is individually logged and counted.
func (r *Registry) executeWithRetry(ctx context.Context, container *models.Container, pattern *models.Pattern, opts InjectOptions) (*InjectionResult, error) {
	attempts := 1
	if pattern.FailureAction == models.FailureActionRetry && pattern.RetryCount > 0 {
		attempts += pattern.RetryCount
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := r.executeOnce(ctx, container, pattern, opts)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// executeOnce is the single-execution path: open a running log row, run the
// code under its deadline, then seal the row and fold the outcome into the
// pattern's rolling statistics. Seal and fold happen exactly once whether
// the run succeeds, fails, or times out.
func (r *Registry) executeOnce(ctx context.Context, container *models.Container, pattern *models.Pattern, opts InjectOptions) (*InjectionResult, error) {
	timeout := time.Duration(pattern.TimeoutMs) * time.Millisecond
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.DefaultTimeoutMs) * time.Millisecond
	}

	logRow := &models.InjectionLog{
		ID:          uuid.NewString(),
		ContainerID: container.ID,
		PatternID:   pattern.ID,
		InstanceID:  opts.InstanceID,
		MissionID:   opts.MissionID,
		TaskID:      opts.TaskID,
		Status:      models.InjectionStatusRunning,
		StartedAt:   time.Now(),
	}
	if opts.Input != nil {
		if b, err := json.Marshal(opts.Input); err == nil {
			logRow.Input = datatypes.JSON(b)
		}
	}
	if err := r.store.CreateInjectionLog(ctx, logRow); err != nil {
		return nil, fmt.Errorf("open injection log: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	output, runErr := r.execute(runCtx, pattern, opts)
	duration := time.Since(started).Milliseconds()
	completed := time.Now()

	if errors.Is(runErr, ErrExecutionTimeout) {
		runErr = fmt.Errorf("%w after %dms", ErrExecutionTimeout, timeout.Milliseconds())
	}
	r.finalize(pattern.ID, logRow.ID, output, runErr, completed, duration)

	if runErr != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern.Name, runErr)
	}
	return &InjectionResult{
		LogID:       logRow.ID,
		ContainerID: container.ID,
		PatternID:   pattern.ID,
		PatternName: pattern.Name,
		Output:      output,
		DurationMs:  duration,
		Attempts:    1,
	}, nil
}

// execute dispatches on the pattern's code type.
func (r *Registry) execute(ctx context.Context, pattern *models.Pattern, opts InjectOptions) (interface{}, error) {
	switch pattern.CodeType {
	case models.CodeTypeData, models.CodeTypeWorkflow:
		// Data and workflow bodies are returned parsed, never executed.
		var out interface{}
		if err := json.Unmarshal([]byte(pattern.Code), &out); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", pattern.CodeType, err)
		}
		return out, nil
	case models.CodeTypeExecutable:
		env := map[string]interface{}{
			"pattern":    pattern.Name,
			"instanceId": opts.InstanceID,
			"missionId":  opts.MissionID,
			"taskId":     opts.TaskID,
			"startedAt":  time.Now().UTC().Format(time.RFC3339),
		}
		return r.sandbox.run(ctx, pattern.Name, pattern.Code, opts.Input, env)
	default:
		return nil, fmt.Errorf("unknown code type %q", pattern.CodeType)
	}
}

// finalize seals the log row and applies the stats delta. It deliberately
// uses a background context: a finalization must land even when the caller's
// context is already past its deadline.
func (r *Registry) finalize(patternID uint, logID string, output interface{}, runErr error, completed time.Time, durationMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := models.InjectionStatusSuccess
	errMsg := ""
	if runErr != nil {
		status = models.InjectionStatusFailure
		errMsg = runErr.Error()
	}

	var outputJSON []byte
	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			outputJSON = b
		}
	}

	if err := r.store.SealInjectionLog(ctx, logID, status, outputJSON, errMsg, completed, durationMs); err != nil {
		r.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "injection_log"}).
			Warn("failed to seal injection log")
	}
	if err := r.store.ApplyStats(ctx, patternID, store.StatsDelta{
		Success:    runErr == nil,
		DurationMs: durationMs,
		Error:      errMsg,
		At:         completed,
	}); err != nil {
		r.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "pattern_stats"}).
			Warn("failed to update pattern statistics")
	}
}

// resolveContainer picks the target container from the request options.
func (r *Registry) resolveContainer(ctx context.Context, opts InjectOptions) (*models.Container, error) {
	switch {
	case opts.ContainerID != 0:
		return r.store.GetContainer(ctx, opts.ContainerID)
	case opts.ContainerName != "":
		return r.store.GetContainerByName(ctx, opts.ContainerName)
	case opts.Category != "":
		return r.store.DefaultContainer(ctx, opts.Category)
	default:
		return nil, fmt.Errorf("injection target is required: container id, name, or category")
	}
}

// resolvePattern honors an explicit pattern id, otherwise selects by
// strategy over the container's active set.
func (r *Registry) resolvePattern(ctx context.Context, containerID uint, opts InjectOptions) (*models.Pattern, error) {
	if opts.PatternID != 0 {
		p, err := r.store.GetPattern(ctx, opts.PatternID)
		if err != nil {
			return nil, err
		}
		if p.ContainerID != containerID {
			return nil, fmt.Errorf("pattern %d does not belong to container %d", opts.PatternID, containerID)
		}
		if !p.IsActive {
			return nil, fmt.Errorf("pattern %q is not active", p.Name)
		}
		return p, nil
	}
	return r.SelectPattern(ctx, containerID, opts.Strategy)
}

// fallbackPattern resolves the container's default pattern, excluding the
// one that just failed.
func (r *Registry) fallbackPattern(ctx context.Context, containerID, failedID uint) (*models.Pattern, error) {
	candidates, _, err := r.store.ListPatterns(ctx, store.PatternFilter{
		ContainerID: containerID,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].IsDefault && candidates[i].ID != failedID {
			return &candidates[i], nil
		}
	}
	return nil, fmt.Errorf("container has no fallback pattern")
}
