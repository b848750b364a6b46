// Package store persists pattern containers, patterns and injection logs.
// The GormStore is the production implementation; MemoryStore backs tests
// and single-process deployments without MySQL.
package store

import (
	"context"
	"errors"
	"time"

	"lotpilot/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateName = errors.New("name already in use")
)

// ContainerFilter narrows ListContainers. Zero values mean "no constraint".
// NamePattern accepts glob syntax ("session_*").
type ContainerFilter struct {
	Category    string
	NamePattern string
	ActiveOnly  bool
	Offset      int
	Limit       int
}

// PatternFilter narrows ListPatterns. TagPattern matches any one of a
// pattern's tags using glob syntax.
type PatternFilter struct {
	ContainerID uint
	CodeType    models.CodeType
	TagPattern  string
	ActiveOnly  bool
	Offset      int
	Limit       int
}

// LogFilter narrows ListInjectionLogs.
type LogFilter struct {
	ContainerID uint
	PatternID   uint
	InstanceID  string
	TaskID      string
	Status      models.InjectionStatus
	Since       time.Time
	Offset      int
	Limit       int
}

// StatsDelta is one finalized execution, folded into a pattern's rolling
// statistics as a single unit.
type StatsDelta struct {
	Success    bool
	DurationMs int64
	Error      string
	At         time.Time
}

// Store is the persistence boundary of the pattern registry.
type Store interface {
	CreateContainer(ctx context.Context, c *models.Container) error
	GetContainer(ctx context.Context, id uint) (*models.Container, error)
	GetContainerByName(ctx context.Context, name string) (*models.Container, error)
	ListContainers(ctx context.Context, f ContainerFilter) ([]models.Container, int64, error)
	UpdateContainer(ctx context.Context, c *models.Container) error
	DeleteContainer(ctx context.Context, id uint) error
	// ClearContainerDefault drops the default flag from every container in
	// the category. Callers set the new default afterwards.
	ClearContainerDefault(ctx context.Context, category string) error
	// DefaultContainer returns the active default for a category, falling
	// back to the highest-priority active container when none is flagged.
	DefaultContainer(ctx context.Context, category string) (*models.Container, error)

	CreatePattern(ctx context.Context, p *models.Pattern) error
	GetPattern(ctx context.Context, id uint) (*models.Pattern, error)
	ListPatterns(ctx context.Context, f PatternFilter) ([]models.Pattern, int64, error)
	UpdatePattern(ctx context.Context, p *models.Pattern) error
	DeletePattern(ctx context.Context, id uint) error
	ClearPatternDefault(ctx context.Context, containerID uint) error
	// ApplyStats folds one execution into the pattern's rolling statistics.
	// The read-modify-write happens inside the store so concurrent
	// finalizations never lose counts.
	ApplyStats(ctx context.Context, patternID uint, d StatsDelta) error

	CreateInjectionLog(ctx context.Context, l *models.InjectionLog) error
	// SealInjectionLog writes the terminal fields of a running log row.
	SealInjectionLog(ctx context.Context, id string, status models.InjectionStatus, output []byte, errMsg string, completedAt time.Time, durationMs int64) error
	ListInjectionLogs(ctx context.Context, f LogFilter) ([]models.InjectionLog, int64, error)
}
