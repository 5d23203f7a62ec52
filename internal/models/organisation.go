package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Organisation is the tenant every survey belongs to. Its slug namespaces
// storage keys.
type Organisation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Slug      string    `gorm:"size:64;not null;uniqueIndex" json:"slug"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `gorm:"type:timestamptz" json:"created_at"`
}

func (o *Organisation) BeforeCreate(tx *gorm.DB) (err error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return
}
