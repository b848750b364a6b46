package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"lotpilot/internal/models"

	"github.com/gobwas/glob"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists the registry in MySQL through GORM.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the registry tables.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&models.Container{}, &models.Pattern{}, &models.InjectionLog{})
}

func (s *GormStore) CreateContainer(ctx context.Context, c *models.Container) error {
	err := s.db.WithContext(ctx).Create(c).Error
	if err != nil && isDuplicateErr(err) {
		return ErrDuplicateName
	}
	return err
}

func (s *GormStore) GetContainer(ctx context.Context, id uint) (*models.Container, error) {
	var c models.Container
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) GetContainerByName(ctx context.Context, name string) (*models.Container, error) {
	var c models.Container
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) ListContainers(ctx context.Context, f ContainerFilter) ([]models.Container, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Container{})
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var containers []models.Container
	if err := q.Order("priority DESC, id ASC").Find(&containers).Error; err != nil {
		return nil, 0, err
	}

	// The name pattern is a glob, matched in memory so the same syntax
	// works on every backend.
	if f.NamePattern != "" {
		g, err := glob.Compile(f.NamePattern)
		if err != nil {
			return nil, 0, err
		}
		filtered := containers[:0]
		for _, c := range containers {
			if g.Match(c.Name) {
				filtered = append(filtered, c)
			}
		}
		containers = filtered
	}

	total := int64(len(containers))
	return paginate(containers, f.Offset, f.Limit), total, nil
}

func (s *GormStore) UpdateContainer(ctx context.Context, c *models.Container) error {
	res := s.db.WithContext(ctx).Model(&models.Container{}).
		Where("id = ?", c.ID).
		Select("name", "category", "description", "is_active", "is_default", "priority", "config").
		Updates(c)
	if res.Error != nil {
		if isDuplicateErr(res.Error) {
			return ErrDuplicateName
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteContainer(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("container_id = ?", id).Delete(&models.Pattern{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Container{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) ClearContainerDefault(ctx context.Context, category string) error {
	return s.db.WithContext(ctx).Model(&models.Container{}).
		Where("category = ? AND is_default = ?", category, true).
		Update("is_default", false).Error
}

func (s *GormStore) DefaultContainer(ctx context.Context, category string) (*models.Container, error) {
	var c models.Container
	err := s.db.WithContext(ctx).
		Where("category = ? AND is_active = ? AND is_default = ?", category, true, true).
		First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// No flagged default: the highest-priority active container stands in.
	err = s.db.WithContext(ctx).
		Where("category = ? AND is_active = ?", category, true).
		Order("priority DESC, id ASC").
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) CreatePattern(ctx context.Context, p *models.Pattern) error {
	err := s.db.WithContext(ctx).Create(p).Error
	if err != nil && isDuplicateErr(err) {
		return ErrDuplicateName
	}
	return err
}

func (s *GormStore) GetPattern(ctx context.Context, id uint) (*models.Pattern, error) {
	var p models.Pattern
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) ListPatterns(ctx context.Context, f PatternFilter) ([]models.Pattern, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Pattern{})
	if f.ContainerID != 0 {
		q = q.Where("container_id = ?", f.ContainerID)
	}
	if f.CodeType != "" {
		q = q.Where("code_type = ?", f.CodeType)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var patterns []models.Pattern
	if err := q.Order("priority DESC, id ASC").Find(&patterns).Error; err != nil {
		return nil, 0, err
	}

	if f.TagPattern != "" {
		g, err := glob.Compile(f.TagPattern)
		if err != nil {
			return nil, 0, err
		}
		filtered := patterns[:0]
		for _, p := range patterns {
			if matchesAnyTag(g, p.TagList()) {
				filtered = append(filtered, p)
			}
		}
		patterns = filtered
	}

	total := int64(len(patterns))
	return paginate(patterns, f.Offset, f.Limit), total, nil
}

func (s *GormStore) UpdatePattern(ctx context.Context, p *models.Pattern) error {
	res := s.db.WithContext(ctx).Model(&models.Pattern{}).
		Where("id = ?", p.ID).
		Select("name", "code", "code_type", "version", "is_active", "is_default",
			"priority", "weight", "timeout_ms", "retry_count", "failure_action",
			"preconditions", "postconditions", "tags").
		Updates(p)
	if res.Error != nil {
		if isDuplicateErr(res.Error) {
			return ErrDuplicateName
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeletePattern(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Pattern{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ClearPatternDefault(ctx context.Context, containerID uint) error {
	return s.db.WithContext(ctx).Model(&models.Pattern{}).
		Where("container_id = ? AND is_default = ?", containerID, true).
		Update("is_default", false).Error
}

func (s *GormStore) ApplyStats(ctx context.Context, patternID uint, d StatsDelta) error {
	// Row lock keeps the counters and the running mean consistent under
	// concurrent finalizations.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Pattern
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, patternID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		applyDelta(&p, d)

		return tx.Model(&models.Pattern{}).Where("id = ?", patternID).
			Select("total_executions", "success_count", "failure_count",
				"avg_execution_ms", "last_executed_at", "last_success_at",
				"last_failure_at", "last_error").
			Updates(&p).Error
	})
}

func (s *GormStore) CreateInjectionLog(ctx context.Context, l *models.InjectionLog) error {
	return s.db.WithContext(ctx).Create(l).Error
}

func (s *GormStore) SealInjectionLog(ctx context.Context, id string, status models.InjectionStatus, output []byte, errMsg string, completedAt time.Time, durationMs int64) error {
	updates := map[string]interface{}{
		"status":       status,
		"error":        errMsg,
		"completed_at": completedAt,
		"duration_ms":  durationMs,
	}
	if len(output) > 0 {
		updates["output"] = datatypes.JSON(output)
	}
	res := s.db.WithContext(ctx).Model(&models.InjectionLog{}).
		Where("id = ? AND status = ?", id, models.InjectionStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListInjectionLogs(ctx context.Context, f LogFilter) ([]models.InjectionLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.InjectionLog{})
	if f.ContainerID != 0 {
		q = q.Where("container_id = ?", f.ContainerID)
	}
	if f.PatternID != 0 {
		q = q.Where("pattern_id = ?", f.PatternID)
	}
	if f.InstanceID != "" {
		q = q.Where("instance_id = ?", f.InstanceID)
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []models.InjectionLog
	q = q.Order("started_at DESC")
	if f.Limit > 0 {
		q = q.Offset(f.Offset).Limit(f.Limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// applyDelta folds one finalized execution into a pattern's rolling block.
// Shared between backends so both compute the same running mean.
func applyDelta(p *models.Pattern, d StatsDelta) {
	at := d.At
	p.TotalExecutions++
	p.LastExecutedAt = &at
	if d.Success {
		p.SuccessCount++
		p.LastSuccessAt = &at
	} else {
		p.FailureCount++
		p.LastFailureAt = &at
		p.LastError = d.Error
	}
	// Incremental mean over all executions.
	p.AvgExecutionMs += (float64(d.DurationMs) - p.AvgExecutionMs) / float64(p.TotalExecutions)
}

func matchesAnyTag(g glob.Glob, tags []string) bool {
	for _, t := range tags {
		if g.Match(t) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
