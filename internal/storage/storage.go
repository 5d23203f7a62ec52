// Package storage wraps the S3-compatible object store that holds raw survey media.
package storage

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/google/uuid"

	"wildlife-backend/internal/models"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the subset of object storage the media pipeline needs.
type ObjectStore interface {
	Upload(ctx context.Context, body []byte, key, contentType string) (string, error)
	Download(ctx context.Context, key, localPath string) error
	// Delete returns nil when the object was removed or did not exist.
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// Key namespaces an object by organisation, media kind and survey. The media
// id keeps keys unique even when two uploads race on the same filename.
func Key(orgSlug string, kind models.MediaKind, surveyID, mediaID uuid.UUID, filename string) string {
	return path.Join(orgSlug, string(kind), surveyID.String(), mediaID.String(), path.Base(filename))
}
