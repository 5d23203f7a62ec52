// Package inference defines the boundary to the species classification models.
// Adapters are pure: one call maps a media file to a ranked prediction list and
// nothing is retried here.
package inference

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupportedFormat means the adapter cannot read this kind of file at all.
	ErrUnsupportedFormat = errors.New("unsupported media format")
	// ErrUndecodable means the file claims a supported format but is corrupt.
	ErrUndecodable = errors.New("media could not be decoded")
	// ErrRejected means the model service refused the input; repeating the call will not help.
	ErrRejected = errors.New("classifier rejected input")
)

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrUndecodable) ||
		errors.Is(err, ErrRejected)
}

type Prediction struct {
	Label          string
	ScientificName string
	CommonName     string
	Confidence     float64
	// Start and End bound the audio segment in seconds; nil for images.
	Start *float64
	End   *float64
	// TaxonomicLevel is reported by the image classifier (species, genus, family...).
	TaxonomicLevel string
}

type AudioOptions struct {
	Latitude  float64
	Longitude float64
	// Date picks the week for the location filter.
	Date              time.Time
	LocationThreshold float64
	MinConfidence     float64
	Sensitivity       float64
	Overlap           float64
}

type AudioClassifier interface {
	Classify(ctx context.Context, path string, opts AudioOptions) ([]Prediction, error)
}

type ImageClassifier interface {
	Classify(ctx context.Context, path string) ([]Prediction, error)
}
