package services

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"wildlife-backend/internal/models"
	"wildlife-backend/internal/repository"
)

// CatalogService resolves predicted scientific names against the species
// catalog. Misses are cached too, since most unmatched names repeat.
type CatalogService struct {
	species *repository.SpeciesRepository
	cache   *cache.Cache
}

func NewCatalogService(species *repository.SpeciesRepository, ttl time.Duration) *CatalogService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CatalogService{
		species: species,
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Lookup returns nil, nil when the name is not in the catalog.
func (s *CatalogService) Lookup(ctx context.Context, scientificName string) (*models.Species, error) {
	key := strings.ToLower(strings.TrimSpace(scientificName))
	if key == "" {
		return nil, nil
	}
	if v, ok := s.cache.Get(key); ok {
		return v.(*models.Species), nil
	}

	sp, err := s.species.FindByScientificName(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, sp)
	return sp, nil
}

// Flush drops every cached lookup, e.g. after the catalog was edited.
func (s *CatalogService) Flush() {
	s.cache.Flush()
}
