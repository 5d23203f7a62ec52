package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gorm.io/gorm"

	"wildlife-backend/internal/models"
)

type SurveyRepository struct {
	db *gorm.DB
}

func NewSurveyRepository(db *gorm.DB) *SurveyRepository {
	return &SurveyRepository{db: db}
}

func (r *SurveyRepository) GetForOrganisation(ctx context.Context, orgID, surveyID uuid.UUID) (*models.Survey, error) {
	var s models.Survey
	err := r.db.WithContext(ctx).First(&s, "id = ? AND organisation_id = ?", surveyID, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSurveyNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "survey: get")
	}
	return &s, nil
}

type OrganisationRepository struct {
	db *gorm.DB
}

func NewOrganisationRepository(db *gorm.DB) *OrganisationRepository {
	return &OrganisationRepository{db: db}
}

func (r *OrganisationRepository) GetBySlug(ctx context.Context, slug string) (*models.Organisation, error) {
	var o models.Organisation
	err := r.db.WithContext(ctx).First(&o, "slug = ?", strings.ToLower(strings.TrimSpace(slug))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrganisationNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "organisation: get")
	}
	return &o, nil
}

func (r *OrganisationRepository) Get(ctx context.Context, id uuid.UUID) (*models.Organisation, error) {
	var o models.Organisation
	err := r.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrganisationNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "organisation: get")
	}
	return &o, nil
}

type SpeciesRepository struct {
	db *gorm.DB
}

func NewSpeciesRepository(db *gorm.DB) *SpeciesRepository {
	return &SpeciesRepository{db: db}
}

// FindByScientificName is an exact, case-insensitive match. A miss returns (nil, nil).
func (r *SpeciesRepository) FindByScientificName(ctx context.Context, name string) (*models.Species, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	var s models.Species
	err := r.db.WithContext(ctx).
		Where("LOWER(scientific_name) = ?", strings.ToLower(name)).
		Limit(1).
		Find(&s).Error
	if err != nil {
		return nil, eris.Wrap(err, "species: find")
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}
