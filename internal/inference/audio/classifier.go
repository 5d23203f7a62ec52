// Package audio identifies bird species in field recordings with a BirdNET
// style acoustic model, narrowed by a location prior.
package audio

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"wildlife-backend/internal/inference"
)

type Classifier struct {
	model    Model
	location *locationFilter
	guard    *inference.Guard
}

// NewClassifier wires an acoustic model and an optional range model. The guard
// serialises access to both since they share one interpreter runtime.
func NewClassifier(model Model, rangeModel RangeModel, guard *inference.Guard) *Classifier {
	c := &Classifier{model: model, guard: guard}
	if rangeModel != nil {
		c.location = newLocationFilter(rangeModel, model.Labels())
	}
	if c.guard == nil {
		c.guard = inference.NewGuard(1)
	}
	return c
}

func sigmoid(x, sensitivity float64) float64 {
	return 1.0 / (1.0 + math.Exp(-sensitivity*x))
}

func (c *Classifier) Classify(ctx context.Context, path string, opts inference.AudioOptions) ([]inference.Prediction, error) {
	samples, err := Decode(path)
	if err != nil {
		return nil, err
	}
	chunks := Split(samples, opts.Overlap)
	if len(chunks) == 0 {
		return nil, nil
	}

	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}
	sensitivity := opts.Sensitivity
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	labels := c.model.Labels()
	step := ChunkSeconds - opts.Overlap

	var predictions []inference.Prediction
	err = c.guard.Do(ctx, func() error {
		allow, err := c.location.allowed(opts.Latitude, opts.Longitude, Week(date), opts.LocationThreshold)
		if err != nil {
			return err
		}

		for idx, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "audio: classification interrupted")
			}
			logits, err := c.model.Predict(chunk)
			if err != nil {
				return eris.Wrapf(err, "audio: predict chunk %d", idx)
			}
			if len(logits) != len(labels) {
				return eris.Errorf("audio: model returned %d scores for %d labels", len(logits), len(labels))
			}

			start := float64(idx) * step
			end := start + ChunkSeconds
			for i, logit := range logits {
				confidence := sigmoid(float64(logit), sensitivity)
				if confidence < opts.MinConfidence {
					continue
				}
				if allow != nil {
					if _, ok := allow[labels[i]]; !ok {
						continue
					}
				}
				scientific, common := ParseLabel(labels[i])
				s, e := start, end
				predictions = append(predictions, inference.Prediction{
					Label:          labels[i],
					ScientificName: scientific,
					CommonName:     common,
					Confidence:     confidence,
					Start:          &s,
					End:            &e,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Confidence > predictions[j].Confidence
	})

	zap.L().Debug("audio classified",
		zap.String("path", path),
		zap.Int("chunks", len(chunks)),
		zap.Int("predictions", len(predictions)))
	return predictions, nil
}
