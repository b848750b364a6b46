// Package slot gives each browser instance a single injection slot: the one
// pattern currently driving that instance, hot-swappable without touching
// the instance itself.
package slot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lotpilot/internal/models"
	"lotpilot/internal/registry"
	"lotpilot/internal/registry/store"
	"lotpilot/pkg/logger"
)

// FallbackSuffix marks results produced by the container default after the
// loaded pattern failed.
const FallbackSuffix = " (fallback)"

// Stats are slot-local counters, independent of the registry's per-pattern
// rolling statistics.
type Stats struct {
	Executions int64      `json:"executions"`
	Successes  int64      `json:"successes"`
	Failures   int64      `json:"failures"`
	Fallbacks  int64      `json:"fallbacks"`
	Swaps      int64      `json:"swaps"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// View is a read-only snapshot of a slot.
type View struct {
	InstanceID        string     `json:"instanceId"`
	ContainerID       uint       `json:"containerId"`
	PatternID         uint       `json:"patternId"`
	PatternName       string     `json:"patternName"`
	Loaded            bool       `json:"loaded"`
	LoadedAt          *time.Time `json:"loadedAt,omitempty"`
	FallbackEnabled   bool       `json:"fallbackEnabled"`
	FallbackPatternID uint       `json:"fallbackPatternId,omitempty"`
	Stats             Stats      `json:"stats"`
}

// Slot holds at most one loaded pattern for one instance. A single mutex
// guards the loaded identity and the counters; execution itself runs outside
// the lock so a slow script never blocks a swap.
type Slot struct {
	reg *registry.Registry
	log *logger.Logger

	mu                sync.Mutex
	instanceID        string
	containerID       uint
	patternID         uint
	patternName       string
	loadedAt          *time.Time
	fallbackEnabled   bool
	fallbackPatternID uint
	stats             Stats
}

func newSlot(reg *registry.Registry, log *logger.Logger, instanceID string, containerID uint) *Slot {
	return &Slot{
		reg:             reg,
		log:             log,
		instanceID:      instanceID,
		containerID:     containerID,
		fallbackEnabled: true,
	}
}

// SetFallback configures where a failing execution goes next. With a
// pattern id set, the slot re-invokes that fixed pattern; with zero it
// uses the container's default. enabled=false turns fallback off and a
// failing execution is final.
func (s *Slot) SetFallback(ctx context.Context, patternID uint, enabled bool) error {
	if patternID != 0 {
		p, err := s.reg.GetPattern(ctx, patternID)
		if err != nil {
			return err
		}
		if p.ContainerID != s.containerID {
			return fmt.Errorf("fallback pattern %d does not belong to container %d", patternID, s.containerID)
		}
		if !p.IsActive {
			return fmt.Errorf("fallback pattern %q is not active", p.Name)
		}
	}
	s.mu.Lock()
	s.fallbackPatternID = patternID
	s.fallbackEnabled = enabled
	s.mu.Unlock()
	return nil
}

// Load binds a pattern into the slot, replacing whatever was loaded. The
// pattern must be an active member of the slot's container.
func (s *Slot) Load(ctx context.Context, patternID uint) error {
	p, err := s.reg.GetPattern(ctx, patternID)
	if err != nil {
		return err
	}
	if p.ContainerID != s.containerID {
		return fmt.Errorf("pattern %d does not belong to container %d", patternID, s.containerID)
	}
	if !p.IsActive {
		return fmt.Errorf("pattern %q is not active", p.Name)
	}

	now := time.Now()
	s.mu.Lock()
	s.patternID = p.ID
	s.patternName = p.Name
	s.loadedAt = &now
	s.mu.Unlock()
	return nil
}

// Swap replaces the loaded pattern and returns the id of the one it
// displaced. Swapping an empty slot is an error; use Load.
func (s *Slot) Swap(ctx context.Context, patternID uint) (uint, error) {
	s.mu.Lock()
	old := s.patternID
	s.mu.Unlock()
	if old == 0 {
		return 0, fmt.Errorf("slot %s has no pattern loaded", s.instanceID)
	}

	if err := s.Load(ctx, patternID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.stats.Swaps++
	s.mu.Unlock()
	return old, nil
}

// Unload empties the slot. Counters survive unloading.
func (s *Slot) Unload() {
	s.mu.Lock()
	s.patternID = 0
	s.patternName = ""
	s.loadedAt = nil
	s.mu.Unlock()
}

// Snapshot returns the slot's current state.
func (s *Slot) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		InstanceID:        s.instanceID,
		ContainerID:       s.containerID,
		PatternID:         s.patternID,
		PatternName:       s.patternName,
		Loaded:            s.patternID != 0,
		LoadedAt:          s.loadedAt,
		FallbackEnabled:   s.fallbackEnabled,
		FallbackPatternID: s.fallbackPatternID,
		Stats:             s.stats,
	}
}

// Execute runs the loaded pattern against the input, inheriting the
// pattern's timeout unless timeoutMs overrides it. An empty slot first
// auto-loads the container's selected pattern. If the loaded pattern fails
// and fallback is enabled, the configured fallback pattern (or the
// container default when none is pinned) runs once and the result's
// pattern name carries the fallback suffix; a failing fallback is final.
//
// The loaded identity is captured before execution, so a swap landing
// mid-run neither changes what runs nor corrupts the attribution of the
// outcome.
func (s *Slot) Execute(ctx context.Context, taskID string, input map[string]interface{}, timeoutMs int) (*registry.InjectionResult, error) {
	s.mu.Lock()
	patternID := s.patternID
	patternName := s.patternName
	s.mu.Unlock()

	if patternID == 0 {
		if err := s.autoLoad(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		patternID = s.patternID
		patternName = s.patternName
		s.mu.Unlock()
	}

	result, err := s.reg.Inject(ctx, registry.InjectOptions{
		ContainerID: s.containerID,
		PatternID:   patternID,
		InstanceID:  s.instanceID,
		TaskID:      taskID,
		Input:       input,
		TimeoutMs:   timeoutMs,
	})
	if err == nil {
		s.record(true, false)
		return result, nil
	}

	fbResult, fbErr := s.fallback(ctx, patternID, taskID, input, timeoutMs)
	if fbErr != nil {
		s.record(false, false)
		s.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "slot_execution"}).
			WithPayload(map[string]interface{}{
				"instanceId": s.instanceID,
				"pattern":    patternName,
			}).Error("slot execution failed with no usable fallback")
		return nil, err
	}

	s.record(true, true)
	fbResult.PatternName += FallbackSuffix
	fbResult.FromFallback = true
	return fbResult, nil
}

// autoLoad fills an empty slot with the container's strategy-selected
// pattern.
func (s *Slot) autoLoad(ctx context.Context) error {
	p, err := s.reg.SelectPattern(ctx, s.containerID, registry.StrategyPriority)
	if err != nil {
		return fmt.Errorf("slot %s auto-load: %w", s.instanceID, err)
	}
	return s.Load(ctx, p.ID)
}

// fallback runs the configured fallback once: the pinned pattern when one
// is set, the container default otherwise. It refuses to run when fallback
// is disabled or when the target is the pattern that just failed; fallback
// never chains.
func (s *Slot) fallback(ctx context.Context, failedID uint, taskID string, input map[string]interface{}, timeoutMs int) (*registry.InjectionResult, error) {
	s.mu.Lock()
	enabled := s.fallbackEnabled
	pinned := s.fallbackPatternID
	s.mu.Unlock()

	if !enabled {
		return nil, fmt.Errorf("fallback is disabled for slot %s", s.instanceID)
	}

	fbID := pinned
	if fbID == 0 {
		def, err := s.defaultPattern(ctx, failedID)
		if err != nil {
			return nil, err
		}
		fbID = def
	}
	if fbID == failedID {
		return nil, fmt.Errorf("fallback pattern is the one that failed")
	}

	return s.reg.Inject(ctx, registry.InjectOptions{
		ContainerID: s.containerID,
		PatternID:   fbID,
		InstanceID:  s.instanceID,
		TaskID:      taskID,
		Input:       input,
		TimeoutMs:   timeoutMs,
	})
}

// defaultPattern resolves the container's default, excluding failedID.
func (s *Slot) defaultPattern(ctx context.Context, failedID uint) (uint, error) {
	patterns, _, err := s.reg.ListPatterns(ctx, store.PatternFilter{
		ContainerID: s.containerID,
		ActiveOnly:  true,
	})
	if err != nil {
		return 0, err
	}
	for i := range patterns {
		if patterns[i].IsDefault && patterns[i].ID != failedID {
			return patterns[i].ID, nil
		}
	}
	return 0, fmt.Errorf("no fallback pattern available")
}

func (s *Slot) record(success, usedFallback bool) {
	now := time.Now()
	s.mu.Lock()
	s.stats.Executions++
	if success {
		s.stats.Successes++
	} else {
		s.stats.Failures++
	}
	if usedFallback {
		s.stats.Fallbacks++
	}
	s.stats.LastUsedAt = &now
	s.mu.Unlock()
}
