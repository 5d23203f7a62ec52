package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	S3         S3Config         `mapstructure:"s3"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Review     ReviewConfig     `mapstructure:"review"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Image      ImageConfig      `mapstructure:"image"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Log        LogConfig        `mapstructure:"log"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

type AppConfig struct {
	Env  string `mapstructure:"env"`
	Port string `mapstructure:"port"`
	Name string `mapstructure:"name"`
	// TenantHeader lets development clients pick an organisation without a token.
	TenantHeader bool `mapstructure:"tenant_header"`
	// OperatorOrganisations may call the global admin routes.
	OperatorOrganisations []string `mapstructure:"operator_organisations"`
}

type DBConfig struct {
	// DSN wins over the discrete fields when set (sqlite file paths included).
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	// Enabled false runs the work queue in-process.
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Storage (S3/R2/MinIO)
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	// URLExpiry is the lifetime of presigned download links.
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type QueueConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         float64       `mapstructure:"jitter"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type ProcessingConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ScratchDir        string        `mapstructure:"scratch_dir"`
}

type ReviewConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	ReviewThreshold     float64 `mapstructure:"review_threshold"`
}

type AudioConfig struct {
	ModelPath         string  `mapstructure:"model_path"`
	LabelsPath        string  `mapstructure:"labels_path"`
	RangeModelPath    string  `mapstructure:"range_model_path"`
	Latitude          float64 `mapstructure:"latitude"`
	Longitude         float64 `mapstructure:"longitude"`
	LocationThreshold float64 `mapstructure:"location_threshold"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
	Sensitivity       float64 `mapstructure:"sensitivity"`
	Overlap           float64 `mapstructure:"overlap"`
	Threads           int     `mapstructure:"threads"`
}

type ImageConfig struct {
	ClassifierURL string        `mapstructure:"classifier_url"`
	TopK          int           `mapstructure:"top_k"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// RateLimit is requests per second against the classifier; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type InferenceConfig struct {
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

var Cfg *Config

// LoadConfig reads .env, an optional config.yaml and the environment, in
// increasing order of precedence.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (for local non-docker dev)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Cfg = &cfg
	return Cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.name", "Wildlife Survey API")
	v.SetDefault("app.tenant_header", false)
	v.SetDefault("app.operator_organisations", []string{})

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "survey")
	v.SetDefault("db.password", "survey")
	v.SetDefault("db.name", "survey_db")
	v.SetDefault("db.ssl_mode", "disable")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("s3.endpoint", "localhost:9000")
	v.SetDefault("s3.access_key", "minioadmin")
	v.SetDefault("s3.secret_key", "minioadmin")
	v.SetDefault("s3.use_ssl", false)
	v.SetDefault("s3.region", "auto")
	v.SetDefault("s3.bucket", "survey-media")
	v.SetDefault("s3.url_expiry", "1h")

	v.SetDefault("jwt.secret", "secret")

	v.SetDefault("queue.prefix", "media_processing")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.initial_backoff", "5s")
	v.SetDefault("queue.max_backoff", "5m")
	v.SetDefault("queue.multiplier", 2.0)
	v.SetDefault("queue.jitter", 0.2)
	v.SetDefault("queue.poll_interval", "1s")

	v.SetDefault("processing.timeout", "10m")
	v.SetDefault("processing.stale_after", "30m")
	v.SetDefault("processing.reconcile_interval", "1m")
	v.SetDefault("processing.scratch_dir", "")

	v.SetDefault("review.confidence_threshold", 0.7)
	v.SetDefault("review.review_threshold", 0.4)

	v.SetDefault("audio.model_path", "models/BirdNET_GLOBAL_6K_V2.4_Model_FP32.tflite")
	v.SetDefault("audio.labels_path", "models/BirdNET_GLOBAL_6K_V2.4_Labels.txt")
	v.SetDefault("audio.range_model_path", "models/BirdNET_GLOBAL_6K_V2.4_MData_Model_V2_FP16.tflite")
	// Fallback site for surveys without a stored location (Cairngorms).
	v.SetDefault("audio.latitude", 57.1)
	v.SetDefault("audio.longitude", -3.7)
	v.SetDefault("audio.location_threshold", 0.03)
	v.SetDefault("audio.min_confidence", 0.25)
	v.SetDefault("audio.sensitivity", 1.0)
	v.SetDefault("audio.overlap", 0.0)
	v.SetDefault("audio.threads", 0)

	v.SetDefault("image.classifier_url", "http://localhost:8501")
	v.SetDefault("image.top_k", 5)
	v.SetDefault("image.timeout", "2m")
	v.SetDefault("image.rate_limit", 0.0)

	v.SetDefault("inference.max_concurrent", 1)

	v.SetDefault("catalog.cache_ttl", "10m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sentry.dsn", "")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 1 {
		return fmt.Errorf("review.confidence_threshold must be within [0,1], got %v", c.Review.ConfidenceThreshold)
	}
	if c.Review.ReviewThreshold < 0 || c.Review.ReviewThreshold > 1 {
		return fmt.Errorf("review.review_threshold must be within [0,1], got %v", c.Review.ReviewThreshold)
	}
	if c.Review.ReviewThreshold > c.Review.ConfidenceThreshold {
		return fmt.Errorf("review.review_threshold (%v) must not exceed review.confidence_threshold (%v)",
			c.Review.ReviewThreshold, c.Review.ConfidenceThreshold)
	}
	if c.Audio.MinConfidence < 0 || c.Audio.MinConfidence > 1 {
		return fmt.Errorf("audio.min_confidence must be within [0,1], got %v", c.Audio.MinConfidence)
	}
	if c.Audio.LocationThreshold < 0 || c.Audio.LocationThreshold > 1 {
		return fmt.Errorf("audio.location_threshold must be within [0,1], got %v", c.Audio.LocationThreshold)
	}
	if c.Audio.Overlap < 0 || c.Audio.Overlap >= 3 {
		return fmt.Errorf("audio.overlap must be within [0,3), got %v", c.Audio.Overlap)
	}
	if c.Audio.Latitude < -90 || c.Audio.Latitude > 90 || c.Audio.Longitude < -180 || c.Audio.Longitude > 180 {
		return fmt.Errorf("audio.latitude/longitude out of range: %v, %v", c.Audio.Latitude, c.Audio.Longitude)
	}
	if c.Audio.RangeModelPath != "" && c.Audio.Latitude == 0 && c.Audio.Longitude == 0 {
		return fmt.Errorf("audio.latitude/longitude must name the survey region when audio.range_model_path is set; " +
			"clear audio.range_model_path to run without a location filter")
	}
	if c.Image.TopK < 1 {
		return fmt.Errorf("image.top_k must be at least 1, got %d", c.Image.TopK)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Inference.MaxConcurrent < 1 {
		return fmt.Errorf("inference.max_concurrent must be at least 1, got %d", c.Inference.MaxConcurrent)
	}
	// A try restarts the attempt clock, so the longest quiet spell of a live
	// attempt is one try plus the longest retry delay.
	if c.Processing.StaleAfter > 0 && c.Processing.StaleAfter <= c.Processing.Timeout+c.Queue.MaxBackoff {
		return fmt.Errorf("processing.stale_after (%v) must exceed processing.timeout (%v) plus queue.max_backoff (%v)",
			c.Processing.StaleAfter, c.Processing.Timeout, c.Queue.MaxBackoff)
	}
	return nil
}

// DatabaseDSN returns the configured DSN or a postgres URL assembled from the
// discrete fields.
func (c *Config) DatabaseDSN() string {
	if c.DB.DSN != "" {
		return c.DB.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) RedisEnabled() bool {
	return c.Redis.Enabled && c.Redis.Host != ""
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
