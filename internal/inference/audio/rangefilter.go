package audio

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
)

// Week maps a date onto the range model's 48-week year: four weeks per month,
// the first starting on the 1st.
func Week(t time.Time) float32 {
	month := int(t.Month())
	day := t.Day()
	return float32((month-1)*4 + (day-1)/7 + 1)
}

// locationFilter memoises allow-lists per (lat, lon, week).
type locationFilter struct {
	model  RangeModel
	labels []string
	cache  *cache.Cache
}

func newLocationFilter(model RangeModel, labels []string) *locationFilter {
	return &locationFilter{
		model:  model,
		labels: labels,
		cache:  cache.New(24*time.Hour, time.Hour),
	}
}

// allowed returns the labels whose range score meets threshold. A nil map
// means no filtering applies.
func (f *locationFilter) allowed(lat, lon float64, week float32, threshold float64) (map[string]struct{}, error) {
	if f == nil || f.model == nil || (lat == 0 && lon == 0) {
		return nil, nil
	}

	key := fmt.Sprintf("%.4f:%.4f:%.0f:%.4f", lat, lon, week, threshold)
	if v, ok := f.cache.Get(key); ok {
		return v.(map[string]struct{}), nil
	}

	scores, err := f.model.Predict(float32(lat), float32(lon), week)
	if err != nil {
		return nil, eris.Wrap(err, "audio: range model")
	}
	if len(scores) != len(f.labels) {
		return nil, eris.Errorf("audio: range model returned %d scores for %d labels", len(scores), len(f.labels))
	}

	allow := make(map[string]struct{})
	for i, score := range scores {
		if float64(score) >= threshold {
			allow[f.labels[i]] = struct{}{}
		}
	}
	f.cache.Set(key, allow, cache.DefaultExpiration)
	return allow, nil
}
