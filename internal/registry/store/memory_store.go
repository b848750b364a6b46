package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"lotpilot/internal/models"

	"github.com/gobwas/glob"
	"gorm.io/datatypes"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu sync.RWMutex

	containers map[uint]*models.Container
	patterns   map[uint]*models.Pattern
	logs       map[string]*models.InjectionLog

	nextContainerID uint
	nextPatternID   uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers:      make(map[uint]*models.Container),
		patterns:        make(map[uint]*models.Pattern),
		logs:            make(map[string]*models.InjectionLog),
		nextContainerID: 1,
		nextPatternID:   1,
	}
}

func (s *MemoryStore) CreateContainer(_ context.Context, c *models.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.containers {
		if other.Name == c.Name {
			return ErrDuplicateName
		}
	}
	c.ID = s.nextContainerID
	s.nextContainerID++
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.containers[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContainer(_ context.Context, id uint) (*models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetContainerByName(_ context.Context, name string) (*models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.containers {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListContainers(_ context.Context, f ContainerFilter) ([]models.Container, int64, error) {
	var g glob.Glob
	if f.NamePattern != "" {
		var err error
		if g, err = glob.Compile(f.NamePattern); err != nil {
			return nil, 0, err
		}
	}

	s.mu.RLock()
	var out []models.Container
	for _, c := range s.containers {
		if f.Category != "" && c.Category != f.Category {
			continue
		}
		if f.ActiveOnly && !c.IsActive {
			continue
		}
		if g != nil && !g.Match(c.Name) {
			continue
		}
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	total := int64(len(out))
	return paginate(out, f.Offset, f.Limit), total, nil
}

func (s *MemoryStore) UpdateContainer(_ context.Context, c *models.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.containers[c.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range s.containers {
		if other.ID != c.ID && other.Name == c.Name {
			return ErrDuplicateName
		}
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	cp := *c
	s.containers[c.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteContainer(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[id]; !ok {
		return ErrNotFound
	}
	delete(s.containers, id)
	for pid, p := range s.patterns {
		if p.ContainerID == id {
			delete(s.patterns, pid)
		}
	}
	return nil
}

func (s *MemoryStore) ClearContainerDefault(_ context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.containers {
		if c.Category == category && c.IsDefault {
			c.IsDefault = false
			c.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *MemoryStore) DefaultContainer(_ context.Context, category string) (*models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fallback *models.Container
	for _, c := range s.containers {
		if c.Category != category || !c.IsActive {
			continue
		}
		if c.IsDefault {
			cp := *c
			return &cp, nil
		}
		if fallback == nil || c.Priority > fallback.Priority ||
			(c.Priority == fallback.Priority && c.ID < fallback.ID) {
			fallback = c
		}
	}
	if fallback == nil {
		return nil, ErrNotFound
	}
	cp := *fallback
	return &cp, nil
}

func (s *MemoryStore) CreatePattern(_ context.Context, p *models.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.patterns {
		if other.ContainerID == p.ContainerID && other.Name == p.Name {
			return ErrDuplicateName
		}
	}
	p.ID = s.nextPatternID
	s.nextPatternID++
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.patterns[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPattern(_ context.Context, id uint) (*models.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPatterns(_ context.Context, f PatternFilter) ([]models.Pattern, int64, error) {
	var g glob.Glob
	if f.TagPattern != "" {
		var err error
		if g, err = glob.Compile(f.TagPattern); err != nil {
			return nil, 0, err
		}
	}

	s.mu.RLock()
	var out []models.Pattern
	for _, p := range s.patterns {
		if f.ContainerID != 0 && p.ContainerID != f.ContainerID {
			continue
		}
		if f.CodeType != "" && p.CodeType != f.CodeType {
			continue
		}
		if f.ActiveOnly && !p.IsActive {
			continue
		}
		if g != nil && !matchesAnyTag(g, p.TagList()) {
			continue
		}
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	total := int64(len(out))
	return paginate(out, f.Offset, f.Limit), total, nil
}

func (s *MemoryStore) UpdatePattern(_ context.Context, p *models.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.patterns[p.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range s.patterns {
		if other.ID != p.ID && other.ContainerID == p.ContainerID && other.Name == p.Name {
			return ErrDuplicateName
		}
	}
	// Preserve the rolling statistics block; UpdatePattern never touches it.
	p.TotalExecutions = existing.TotalExecutions
	p.SuccessCount = existing.SuccessCount
	p.FailureCount = existing.FailureCount
	p.AvgExecutionMs = existing.AvgExecutionMs
	p.LastExecutedAt = existing.LastExecutedAt
	p.LastSuccessAt = existing.LastSuccessAt
	p.LastFailureAt = existing.LastFailureAt
	p.LastError = existing.LastError
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	cp := *p
	s.patterns[p.ID] = &cp
	return nil
}

func (s *MemoryStore) DeletePattern(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[id]; !ok {
		return ErrNotFound
	}
	delete(s.patterns, id)
	return nil
}

func (s *MemoryStore) ClearPatternDefault(_ context.Context, containerID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patterns {
		if p.ContainerID == containerID && p.IsDefault {
			p.IsDefault = false
			p.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *MemoryStore) ApplyStats(_ context.Context, patternID uint, d StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[patternID]
	if !ok {
		return ErrNotFound
	}
	applyDelta(p, d)
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateInjectionLog(_ context.Context, l *models.InjectionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.logs[l.ID] = &cp
	return nil
}

func (s *MemoryStore) SealInjectionLog(_ context.Context, id string, status models.InjectionStatus, output []byte, errMsg string, completedAt time.Time, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.Status != models.InjectionStatusRunning {
		return ErrNotFound
	}
	l.Status = status
	l.Error = errMsg
	at := completedAt
	l.CompletedAt = &at
	l.DurationMs = durationMs
	if len(output) > 0 {
		l.Output = datatypes.JSON(output)
	}
	return nil
}

func (s *MemoryStore) ListInjectionLogs(_ context.Context, f LogFilter) ([]models.InjectionLog, int64, error) {
	s.mu.RLock()
	var out []models.InjectionLog
	for _, l := range s.logs {
		if f.ContainerID != 0 && l.ContainerID != f.ContainerID {
			continue
		}
		if f.PatternID != 0 && l.PatternID != f.PatternID {
			continue
		}
		if f.InstanceID != "" && l.InstanceID != f.InstanceID {
			continue
		}
		if f.TaskID != "" && l.TaskID != f.TaskID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && l.StartedAt.Before(f.Since) {
			continue
		}
		out = append(out, *l)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	total := int64(len(out))
	return paginate(out, f.Offset, f.Limit), total, nil
}
