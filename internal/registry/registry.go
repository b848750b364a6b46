// Package registry manages pattern containers, the patterns inside them,
// selection strategies, and the sandboxed execution path that produces
// injection logs and rolling statistics.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lotpilot/internal/config"
	"lotpilot/internal/models"
	"lotpilot/internal/registry/store"
	"lotpilot/pkg/logger"
)

// Registry is the pattern registry service.
type Registry struct {
	store    store.Store
	log      *logger.Logger
	cfg      config.RegistryConfig
	selector *selector
	sandbox  *sandbox

	// defaultMu serializes clear-then-set default swaps so two concurrent
	// swaps cannot leave a scope with two defaults.
	defaultMu sync.Mutex
}

// New creates a Registry backed by the given store.
func New(st store.Store, log *logger.Logger, cfg config.RegistryConfig) *Registry {
	return &Registry{
		store:    st,
		log:      log,
		cfg:      cfg,
		selector: newSelector(time.Now().UnixNano(), cfg.RandomBias),
		sandbox:  newSandbox(log),
	}
}

// CreateContainer validates and persists a new container. A container
// flagged as default displaces any existing default in its category.
func (r *Registry) CreateContainer(ctx context.Context, c *models.Container) error {
	if c.Name == "" {
		return fmt.Errorf("container name is required")
	}
	if c.Category == "" {
		return fmt.Errorf("container category is required")
	}
	if len(c.Config) > 0 && !json.Valid(c.Config) {
		return fmt.Errorf("container config must be valid JSON")
	}

	if c.IsDefault {
		r.defaultMu.Lock()
		defer r.defaultMu.Unlock()
		if err := r.store.ClearContainerDefault(ctx, c.Category); err != nil {
			return err
		}
	}
	return r.store.CreateContainer(ctx, c)
}

func (r *Registry) GetContainer(ctx context.Context, id uint) (*models.Container, error) {
	return r.store.GetContainer(ctx, id)
}

func (r *Registry) GetContainerByName(ctx context.Context, name string) (*models.Container, error) {
	return r.store.GetContainerByName(ctx, name)
}

func (r *Registry) ListContainers(ctx context.Context, f store.ContainerFilter) ([]models.Container, int64, error) {
	return r.store.ListContainers(ctx, f)
}

// UpdateContainer persists changes to a container; flipping IsDefault on
// routes through the same clear-then-set path as SetDefaultContainer.
func (r *Registry) UpdateContainer(ctx context.Context, c *models.Container) error {
	if c.Name == "" {
		return fmt.Errorf("container name is required")
	}
	if c.Category == "" {
		return fmt.Errorf("container category is required")
	}
	if c.IsDefault {
		r.defaultMu.Lock()
		defer r.defaultMu.Unlock()
		if err := r.store.ClearContainerDefault(ctx, c.Category); err != nil {
			return err
		}
	}
	return r.store.UpdateContainer(ctx, c)
}

// DeleteContainer removes a container and its patterns.
func (r *Registry) DeleteContainer(ctx context.Context, id uint) error {
	return r.store.DeleteContainer(ctx, id)
}

// SetDefaultContainer makes the container the single default of its
// category. The clear and the set run under the swap lock, so at no point
// can a reader observe two defaults in one category.
func (r *Registry) SetDefaultContainer(ctx context.Context, id uint) error {
	c, err := r.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}

	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	if err := r.store.ClearContainerDefault(ctx, c.Category); err != nil {
		return err
	}
	c.IsDefault = true
	return r.store.UpdateContainer(ctx, c)
}

// DefaultContainer resolves the default container for a category.
func (r *Registry) DefaultContainer(ctx context.Context, category string) (*models.Container, error) {
	return r.store.DefaultContainer(ctx, category)
}

// CreatePattern validates and persists a new pattern under its container.
func (r *Registry) CreatePattern(ctx context.Context, p *models.Pattern) error {
	if err := r.validatePattern(ctx, p); err != nil {
		return err
	}
	if p.TimeoutMs <= 0 {
		p.TimeoutMs = r.cfg.DefaultTimeoutMs
	}
	if p.Version == "" {
		p.Version = "1.0.0"
	}

	if p.IsDefault {
		r.defaultMu.Lock()
		defer r.defaultMu.Unlock()
		if err := r.store.ClearPatternDefault(ctx, p.ContainerID); err != nil {
			return err
		}
	}
	return r.store.CreatePattern(ctx, p)
}

func (r *Registry) GetPattern(ctx context.Context, id uint) (*models.Pattern, error) {
	return r.store.GetPattern(ctx, id)
}

func (r *Registry) ListPatterns(ctx context.Context, f store.PatternFilter) ([]models.Pattern, int64, error) {
	return r.store.ListPatterns(ctx, f)
}

func (r *Registry) UpdatePattern(ctx context.Context, p *models.Pattern) error {
	if err := r.validatePattern(ctx, p); err != nil {
		return err
	}
	if p.IsDefault {
		r.defaultMu.Lock()
		defer r.defaultMu.Unlock()
		if err := r.store.ClearPatternDefault(ctx, p.ContainerID); err != nil {
			return err
		}
	}
	return r.store.UpdatePattern(ctx, p)
}

func (r *Registry) DeletePattern(ctx context.Context, id uint) error {
	return r.store.DeletePattern(ctx, id)
}

// SetDefaultPattern makes the pattern the single default of its container.
func (r *Registry) SetDefaultPattern(ctx context.Context, id uint) error {
	p, err := r.store.GetPattern(ctx, id)
	if err != nil {
		return err
	}

	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	if err := r.store.ClearPatternDefault(ctx, p.ContainerID); err != nil {
		return err
	}
	p.IsDefault = true
	return r.store.UpdatePattern(ctx, p)
}

// SelectPattern applies a strategy over a container's active patterns. A
// container with a single active pattern short-circuits every strategy.
func (r *Registry) SelectPattern(ctx context.Context, containerID uint, strategy Strategy) (*models.Pattern, error) {
	if strategy != "" && !ValidStrategy(strategy) {
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
	candidates, _, err := r.store.ListPatterns(ctx, store.PatternFilter{
		ContainerID: containerID,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	return r.selector.pick(containerID, candidates, strategy)
}

// ListInjectionLogs exposes the audit trail.
func (r *Registry) ListInjectionLogs(ctx context.Context, f store.LogFilter) ([]models.InjectionLog, int64, error) {
	return r.store.ListInjectionLogs(ctx, f)
}

// validatePattern checks the fields a pattern must carry before it is
// accepted, including that the code body matches its declared type.
func (r *Registry) validatePattern(ctx context.Context, p *models.Pattern) error {
	if p.Name == "" {
		return fmt.Errorf("pattern name is required")
	}
	if p.ContainerID == 0 {
		return fmt.Errorf("pattern container is required")
	}
	if _, err := r.store.GetContainer(ctx, p.ContainerID); err != nil {
		return fmt.Errorf("pattern container: %w", err)
	}
	if p.Code == "" {
		return fmt.Errorf("pattern code is required")
	}
	if p.Weight < 0 {
		return fmt.Errorf("pattern weight must not be negative")
	}

	switch p.CodeType {
	case models.CodeTypeData, models.CodeTypeWorkflow:
		if !json.Valid([]byte(p.Code)) {
			return fmt.Errorf("%s pattern code must be valid JSON", p.CodeType)
		}
	case models.CodeTypeExecutable, "":
		p.CodeType = models.CodeTypeExecutable
	default:
		return fmt.Errorf("unknown code type %q", p.CodeType)
	}

	switch p.FailureAction {
	case models.FailureActionNone, models.FailureActionRetry,
		models.FailureActionFallback, models.FailureActionEscalate, "":
		if p.FailureAction == "" {
			p.FailureAction = models.FailureActionNone
		}
	default:
		return fmt.Errorf("unknown failure action %q", p.FailureAction)
	}

	for _, field := range []struct {
		name string
		body []byte
	}{
		{"preconditions", p.Preconditions},
		{"postconditions", p.Postconditions},
		{"tags", p.Tags},
	} {
		if len(field.body) > 0 && !json.Valid(field.body) {
			return fmt.Errorf("pattern %s must be valid JSON", field.name)
		}
	}
	return nil
}
