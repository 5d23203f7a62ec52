package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Detection is one species hypothesis for a media item. Rows are written in a
// single batch when an attempt completes and never updated afterwards.
type Detection struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MediaItemID uuid.UUID  `gorm:"type:uuid;not null;index" json:"media_item_id"`
	SpeciesID   *uuid.UUID `gorm:"type:uuid;index" json:"species_id"`

	Label          string  `gorm:"size:255" json:"label"`
	SpeciesName    string  `gorm:"size:255" json:"species_name"`
	ScientificName string  `gorm:"size:255;index" json:"scientific_name"`
	Confidence     float64 `gorm:"not null" json:"confidence"`

	// Audio only, seconds from the start of the recording
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`

	// Image only
	IsPrimary      bool    `gorm:"default:false" json:"is_primary"`
	TaxonomicLevel *string `gorm:"size:32" json:"taxonomic_level,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (d *Detection) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return
}

// AllModels is the AutoMigrate set in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Organisation{},
		&Survey{},
		&Species{},
		&MediaItem{},
		&Detection{},
	}
}
