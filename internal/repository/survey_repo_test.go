package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wildlife-backend/internal/models"
)

func TestSurveyScopedToOrganisation(t *testing.T) {
	f := setup(t)
	repo := NewSurveyRepository(f.db)

	s, err := repo.GetForOrganisation(context.Background(), f.org.ID, f.survey.ID)
	require.NoError(t, err)
	lat, lon, ok := s.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 57.1, lat, 1e-9)
	assert.InDelta(t, -3.7, lon, 1e-9)

	_, err = repo.GetForOrganisation(context.Background(), uuid.New(), f.survey.ID)
	assert.ErrorIs(t, err, ErrSurveyNotFound)
}

func TestOrganisationBySlug(t *testing.T) {
	f := setup(t)
	repo := NewOrganisationRepository(f.db)

	o, err := repo.GetBySlug(context.Background(), " Cairngorms ")
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, o.ID)

	_, err = repo.GetBySlug(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrOrganisationNotFound)
}

func TestSpeciesExactMatch(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.db.Create(&models.Species{ScientificName: "Vulpes vulpes", CommonName: "Red fox"}).Error)
	repo := NewSpeciesRepository(f.db)

	s, err := repo.FindByScientificName(context.Background(), "vulpes vulpes")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "Red fox", s.CommonName)

	s, err = repo.FindByScientificName(context.Background(), "Vulpes")
	require.NoError(t, err)
	assert.Nil(t, s)
}
