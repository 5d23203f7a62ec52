package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindImage MediaKind = "image"
)

var acceptedExtensions = map[MediaKind][]string{
	MediaKindAudio: {".wav", ".flac"},
	MediaKindImage: {".jpg", ".jpeg", ".png"},
}

// ParseMediaKind accepts both the singular kind and the plural route segment.
func ParseMediaKind(s string) (MediaKind, bool) {
	switch strings.ToLower(s) {
	case "audio":
		return MediaKindAudio, true
	case "image", "images":
		return MediaKindImage, true
	}
	return "", false
}

// Accepts reports whether ext (with leading dot, any case) is allowed for the kind.
func (k MediaKind) Accepts(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range acceptedExtensions[k] {
		if e == ext {
			return true
		}
	}
	return false
}

func (k MediaKind) Extensions() []string {
	return append([]string(nil), acceptedExtensions[k]...)
}

// RoutePrefix is the plural path segment used by the HTTP API.
func (k MediaKind) RoutePrefix() string {
	if k == MediaKindImage {
		return "images"
	}
	return "audio"
}

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// TriggerableStatuses lists the states a new attempt may start from.
func TriggerableStatuses(force bool) []ProcessingStatus {
	if force {
		return []ProcessingStatus{StatusPending, StatusFailed, StatusCompleted}
	}
	return []ProcessingStatus{StatusPending, StatusFailed}
}

func (s ProcessingStatus) CanTrigger(force bool) bool {
	for _, t := range TriggerableStatuses(force) {
		if s == t {
			return true
		}
	}
	return false
}

func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type MediaItem struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SurveyID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_media_survey_filename" json:"survey_id"`
	Survey   Survey    `gorm:"foreignKey:SurveyID" json:"-"`
	Kind     MediaKind `gorm:"type:varchar(10);not null;index" json:"kind"`

	Filename    string `gorm:"size:255;not null;uniqueIndex:idx_media_survey_filename" json:"filename"`
	StorageKey  string `gorm:"type:text;not null;uniqueIndex" json:"storage_key"`
	ContentType string `gorm:"size:100" json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`

	// Parsed from SERIAL_YYYYMMDD_HHMMSS filenames, nil otherwise
	DeviceSerial *string    `gorm:"size:64" json:"device_serial"`
	CapturedAt   *time.Time `json:"captured_at"`

	ProcessingStatus      ProcessingStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"processing_status"`
	ProcessingAttempt     *uuid.UUID       `gorm:"type:uuid" json:"-"`
	ProcessingStartedAt   *time.Time       `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time       `json:"processing_completed_at"`
	ProcessingError       *string          `gorm:"type:text" json:"processing_error"`

	NeedsReview      bool            `gorm:"default:false;index" json:"needs_review"`
	ReviewReason     *string         `gorm:"type:text" json:"review_reason"`
	UnmatchedSpecies JSONStringArray `gorm:"type:jsonb" json:"unmatched_species"`

	Detections []Detection `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"detections,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *MediaItem) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ProcessingStatus == "" {
		m.ProcessingStatus = StatusPending
	}
	return
}
