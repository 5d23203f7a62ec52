package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wildlife-backend/config"
	"wildlife-backend/internal/models"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// ConnectDB opens PostgreSQL for postgres:// DSNs and SQLite for anything else.
func ConnectDB(cfg *config.Config) (*gorm.DB, error) {
	dsn := cfg.DatabaseDSN()
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := gorm.Open(postgres.Open(dsn), gormConfig())
		if err != nil {
			return nil, eris.Wrap(err, "database: connect postgres")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, eris.Wrap(err, "database: pool")
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		zap.L().Info("connected to PostgreSQL", zap.String("host", cfg.DB.Host), zap.String("database", cfg.DB.Name))
		return db, nil
	}

	db, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	zap.L().Info("using SQLite database", zap.String("dsn", dsn))
	return db, nil
}

// OpenSQLite opens a single-connection SQLite database with foreign keys on.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, eris.Wrap(err, "database: connect sqlite")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, eris.Wrap(err, "database: pool")
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, eris.Wrap(err, "database: enable foreign keys")
	}
	return db, nil
}

// Migrate creates or updates the pipeline tables. PostGIS is required on
// PostgreSQL for the survey location column.
func Migrate(db *gorm.DB) error {
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS postgis").Error; err != nil {
			return eris.Wrap(err, "database: enable postgis")
		}
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return eris.Wrap(err, "database: migrate")
	}
	// Catalog lookups compare scientific names case-insensitively.
	if err := db.Exec("CREATE INDEX IF NOT EXISTS " + SpeciesLookupIndex +
		" ON species (LOWER(scientific_name))").Error; err != nil {
		return eris.Wrap(err, "database: species lookup index")
	}
	return nil
}

const SpeciesLookupIndex = "idx_species_scientific_name_lower"

// ConnectRedis returns nil without error when Redis is disabled.
func ConnectRedis(cfg *config.Config) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		zap.L().Info("redis disabled, using in-process queue")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "database: connect redis")
	}
	zap.L().Info("connected to Redis", zap.String("addr", rdb.Options().Addr))
	return rdb, nil
}
