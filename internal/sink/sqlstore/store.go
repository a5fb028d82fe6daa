// Package sqlstore keeps an offline copy of the feature table in a SQL
// database through gorm.
package sqlstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const defaultBatchSize = 500

// Config selects the database and the feature group rows are filed under.
type Config struct {
	Driver       string `mapstructure:"driver" validate:"oneof=sqlite postgres mysql"`
	DSN          string `mapstructure:"dsn" validate:"required"`
	FeatureGroup string `mapstructure:"feature_group"`
	Version      int    `mapstructure:"version"`
	BatchSize    int    `mapstructure:"batch_size"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// FeatureRecord is the persisted form of a weather.FeatureRow.
type FeatureRecord struct {
	FeatureGroup      string    `gorm:"primaryKey;size:128"`
	Version           int       `gorm:"primaryKey"`
	CityName          string    `gorm:"primaryKey;size:128"`
	BaseTime          time.Time `gorm:"primaryKey"`
	ForecastHr        int
	Temperature       *float64
	RelativeHumidity  *float64
	WeatherCode       int
	WindSpeed         *float64
	WindDirection     *float64
	IndexColumn       int
	Hour              int
	Day               int
	TemperatureDiff   *float64
	WindSpeedCategory *string `gorm:"size:16"`
	WrittenAt         time.Time
}

func (FeatureRecord) TableName() string { return "weather_features" }

// Open connects using the configured driver.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported sql driver %q", weather.ErrInvalidInput, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// in-memory sqlite databases are per connection
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

// Store is a weather.Sink that upserts rows keyed on feature group, version,
// city and base time, so rewriting the same run is idempotent.
type Store struct {
	db  *gorm.DB
	cfg Config
	log *zap.SugaredLogger
	now func() time.Time
}

var _ weather.Sink = (*Store)(nil)

// New wraps an open database. Zero values in cfg take the default feature
// group, version 1 and the default batch size. Call Migrate before the first Write.
func New(db *gorm.DB, cfg Config, log *zap.SugaredLogger) *Store {
	if cfg.FeatureGroup == "" {
		cfg.FeatureGroup = "weather_feature_group"
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, cfg: cfg, log: log, now: time.Now}
}

// Migrate creates or updates the weather_features table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&FeatureRecord{}); err != nil {
		return fmt.Errorf("migrate weather_features: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "sql" }

// Write upserts every row, keyed by feature group, version, city and base time,
// so re-running the same dates replaces earlier values.
func (s *Store) Write(ctx context.Context, features weather.FeatureTable) error {
	if len(features) == 0 {
		return nil
	}
	written := s.now().UTC()
	records := make([]FeatureRecord, 0, len(features))
	for _, row := range features {
		records = append(records, s.toRecord(row, written))
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "feature_group"}, {Name: "version"}, {Name: "city_name"}, {Name: "base_time"},
			},
			UpdateAll: true,
		}).
		CreateInBatches(records, s.cfg.BatchSize)
	if result.Error != nil {
		return fmt.Errorf("%w: upsert %d rows into weather_features: %w", weather.ErrSinkFailure, len(records), result.Error)
	}
	s.log.Debugw("upserted feature rows", "rows", result.RowsAffected, "feature_group", s.cfg.FeatureGroup)
	return nil
}

// Load returns the stored rows for city ordered by base time.
func (s *Store) Load(ctx context.Context, city string) ([]FeatureRecord, error) {
	var out []FeatureRecord
	err := s.db.WithContext(ctx).
		Where("feature_group = ? AND version = ? AND city_name = ?", s.cfg.FeatureGroup, s.cfg.Version, city).
		Order("base_time").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", city, err)
	}
	return out, nil
}

func (s *Store) toRecord(row weather.FeatureRow, written time.Time) FeatureRecord {
	rec := FeatureRecord{
		FeatureGroup:     s.cfg.FeatureGroup,
		Version:          s.cfg.Version,
		CityName:         row.CityName,
		BaseTime:         row.BaseTime.UTC(),
		ForecastHr:       row.ForecastHr,
		Temperature:      floatPtr(row.Temperature),
		RelativeHumidity: floatPtr(row.RelativeHumidity),
		WeatherCode:      row.WeatherCode,
		WindSpeed:        floatPtr(row.WindSpeed),
		WindDirection:    floatPtr(row.WindDirection),
		IndexColumn:      row.IndexColumn,
		Hour:             row.Hour,
		Day:              row.Day,
		TemperatureDiff:  row.TemperatureDiff,
		WrittenAt:        written,
	}
	if row.WindSpeedCategory.Defined() {
		c := string(row.WindSpeedCategory)
		rec.WindSpeedCategory = &c
	}
	return rec
}

func floatPtr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
