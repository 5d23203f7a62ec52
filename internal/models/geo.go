package models

import (
	"database/sql/driver"
	"encoding/hex"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// EWKBPoint holds a point in extended WKB. It travels to and from the database
// as hex text, which PostGIS accepts for geometry input and emits on output.
type EWKBPoint []byte

func (p *EWKBPoint) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return errors.New("type assertion to string failed")
	}
	if raw == "" {
		*p = nil
		return nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return err
	}
	*p = b
	return nil
}

func (p EWKBPoint) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return hex.EncodeToString(p), nil
}

func (EWKBPoint) GormDataType() string {
	return "geometry"
}

func (EWKBPoint) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "geometry(Point,4326)"
	}
	return "text"
}
