package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Review.ConfidenceThreshold)
	assert.Equal(t, 0.4, cfg.Review.ReviewThreshold)
	assert.Equal(t, 0.25, cfg.Audio.MinConfidence)
	assert.Equal(t, 0.03, cfg.Audio.LocationThreshold)
	assert.Equal(t, 5, cfg.Image.TopK)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Processing.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Processing.StaleAfter)
	assert.Equal(t, time.Hour, cfg.S3.URLExpiry)
	assert.NotZero(t, cfg.Audio.Latitude, "the location filter needs a default site")
	assert.NotZero(t, cfg.Audio.Longitude)
	assert.Same(t, cfg, Cfg)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("REVIEW_CONFIDENCE_THRESHOLD", "0.8")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("DB_DSN", "file:survey.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Review.ConfidenceThreshold)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.False(t, cfg.RedisEnabled())
	assert.Equal(t, "file:survey.db", cfg.DatabaseDSN())
}

func TestLoadConfigRejectsInvalidThresholds(t *testing.T) {
	t.Setenv("REVIEW_REVIEW_THRESHOLD", "0.9")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "review.review_threshold")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Review: ReviewConfig{ConfidenceThreshold: 0.7, ReviewThreshold: 0.4},
			Audio:  AudioConfig{
				RangeModelPath:    "models/range.tflite",
				Latitude:          57.1,
				Longitude:         -3.7,
				MinConfidence:     0.25,
				LocationThreshold: 0.03,
			},
			Image:      ImageConfig{TopK: 5},
			Queue:      QueueConfig{MaxAttempts: 3, MaxBackoff: 5 * time.Minute},
			Processing: ProcessingConfig{Timeout: 10 * time.Minute, StaleAfter: 30 * time.Minute},
			Inference:  InferenceConfig{MaxConcurrent: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"confidence above one", func(c *Config) { c.Review.ConfidenceThreshold = 1.2 }, "review.confidence_threshold"},
		{"negative review threshold", func(c *Config) { c.Review.ReviewThreshold = -0.1 }, "review.review_threshold"},
		{"review above confidence", func(c *Config) { c.Review.ReviewThreshold = 0.8 }, "must not exceed"},
		{"min confidence", func(c *Config) { c.Audio.MinConfidence = 2 }, "audio.min_confidence"},
		{"overlap", func(c *Config) { c.Audio.Overlap = 3 }, "audio.overlap"},
		{"top k", func(c *Config) { c.Image.TopK = 0 }, "image.top_k"},
		{"max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"max concurrent", func(c *Config) { c.Inference.MaxConcurrent = 0 }, "inference.max_concurrent"},
		{"range model without site", func(c *Config) {
			c.Audio.RangeModelPath = "models/range.tflite"
			c.Audio.Latitude, c.Audio.Longitude = 0, 0
		}, "audio.range_model_path"},
		{"range model off without site", func(c *Config) {
			c.Audio.RangeModelPath = ""
			c.Audio.Latitude, c.Audio.Longitude = 0, 0
		}, ""},
		{"latitude", func(c *Config) { c.Audio.Latitude = 91 }, "audio.latitude"},
		{"stale before timeout", func(c *Config) { c.Processing.StaleAfter = 10 * time.Minute }, "processing.stale_after"},
		{"stale within retry delay", func(c *Config) { c.Processing.StaleAfter = 14 * time.Minute }, "queue.max_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDatabaseDSNFromFields(t *testing.T) {
	c := Config{DB: DBConfig{User: "u", Password: "p", Host: "db", Port: "5432", Name: "survey", SSLMode: "disable"}}
	assert.Equal(t, "postgres://u:p@db:5432/survey?sslmode=disable", c.DatabaseDSN())
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
