package models

import (
	"time"

	"gorm.io/datatypes"
)

// Container is a named, categorized group of interchangeable patterns.
// At most one container per category may be the default; the registry
// enforces this with a clear-then-set swap under a scope lock.
type Container struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	Name        string         `gorm:"unique;not null;size:255" json:"name"`
	Category    string         `gorm:"size:64;index;not null" json:"category"`
	Description string         `gorm:"size:1024" json:"description,omitempty"`
	IsActive    bool           `gorm:"default:true;index" json:"isActive"`
	IsDefault   bool           `gorm:"default:false" json:"isDefault"`
	Priority    int            `gorm:"default:0" json:"priority"`
	Config      datatypes.JSON `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (Container) TableName() string {
	return "pattern_containers"
}
