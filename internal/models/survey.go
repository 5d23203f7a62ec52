package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"gorm.io/gorm"
)

const wgs84SRID = 4326

type Survey struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	OrganisationID uuid.UUID    `gorm:"type:uuid;not null;index" json:"organisation_id"`
	Organisation   Organisation `gorm:"foreignKey:OrganisationID" json:"-"`
	Name           string       `gorm:"size:255;not null" json:"name"`

	// Survey site, SRID 4326. Optional.
	Location EWKBPoint `json:"-"`

	CreatedAt time.Time `gorm:"type:timestamptz" json:"created_at"`
}

func (s *Survey) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return
}

// SetLocation stores the survey site as a lon/lat point.
func (s *Survey) SetLocation(lat, lon float64) error {
	p := geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(wgs84SRID)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return eris.Wrap(err, "survey: encode location")
	}
	s.Location = data
	return nil
}

// Coordinates decodes the stored point. ok is false when no usable location is set.
func (s *Survey) Coordinates() (lat, lon float64, ok bool) {
	if len(s.Location) == 0 {
		return 0, 0, false
	}
	g, err := ewkb.Unmarshal(s.Location)
	if err != nil {
		return 0, 0, false
	}
	p, isPoint := g.(*geom.Point)
	if !isPoint || p.Empty() {
		return 0, 0, false
	}
	return p.Y(), p.X(), true
}
