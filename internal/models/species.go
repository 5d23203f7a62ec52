package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Species is a row of the canonical species catalogue. The pipeline only reads it.
type Species struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ScientificName string    `gorm:"size:255;not null;uniqueIndex" json:"scientific_name"`
	CommonName     string    `gorm:"size:255" json:"common_name"`
	CreatedAt      time.Time `gorm:"type:timestamptz" json:"created_at"`
}

func (Species) TableName() string { return "species" }

func (s *Species) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return
}
