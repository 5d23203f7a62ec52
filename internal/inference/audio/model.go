package audio

// Model scores one ChunkSeconds window and returns raw logits, one per label.
type Model interface {
	Predict(chunk []float32) ([]float32, error)
	Labels() []string
}

// RangeModel returns per-label occurrence probabilities for a place and week.
// Its output is aligned with the acoustic model's labels.
type RangeModel interface {
	Predict(lat, lon, week float32) ([]float32, error)
}
