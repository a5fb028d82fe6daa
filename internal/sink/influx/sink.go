// Package influx writes feature rows as InfluxDB points.
package influx

import (
	"context"
	"fmt"
	"math"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	client "github.com/influxdata/influxdb/client/v2"
	"go.uber.org/zap"
)

// Config points the sink at an InfluxDB 1.x HTTP endpoint.
type Config struct {
	Addr        string `mapstructure:"addr" validate:"required,url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database" validate:"required"`
	Measurement string `mapstructure:"measurement"`
	Precision   string `mapstructure:"precision"`
}

// Sink is a weather.Sink backed by an InfluxDB client.
type Sink struct {
	c   client.Client
	cfg Config
	log *zap.SugaredLogger
}

var _ weather.Sink = (*Sink)(nil)

// New creates the HTTP client. Close releases it.
func New(cfg Config, log *zap.SugaredLogger) (*Sink, error) {
	if cfg.Measurement == "" {
		cfg.Measurement = "weather_features"
	}
	if cfg.Precision == "" {
		cfg.Precision = "s"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("influx client: %w", err)
	}
	return &Sink{c: c, cfg: cfg, log: log}, nil
}

func (s *Sink) Name() string { return "influx" }

func (s *Sink) Close() error { return s.c.Close() }

func (s *Sink) Write(ctx context.Context, features weather.FeatureTable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.cfg.Database,
		Precision: s.cfg.Precision,
	})
	if err != nil {
		return fmt.Errorf("%w: influx batch: %w", weather.ErrSinkFailure, err)
	}

	for _, row := range features {
		pt, err := toPoint(s.cfg.Measurement, row)
		if err != nil {
			return fmt.Errorf("%w: influx point for %s at %s: %w", weather.ErrSinkFailure, row.CityName, row.BaseTime, err)
		}
		bp.AddPoint(pt)
	}

	if err := s.c.Write(bp); err != nil {
		return fmt.Errorf("%w: influx write %d points: %w", weather.ErrSinkFailure, len(features), err)
	}
	s.log.Debugw("wrote influx points", "points", len(features), "database", s.cfg.Database)
	return nil
}

func toPoint(measurement string, row weather.FeatureRow) (*client.Point, error) {
	tags := map[string]string{"city_name": row.CityName}
	if row.WindSpeedCategory.Defined() {
		tags["wind_speed_category"] = string(row.WindSpeedCategory)
	}

	fields := map[string]interface{}{
		"forecast_hr":  row.ForecastHr,
		"weather_code": row.WeatherCode,
		"index_column": row.IndexColumn,
		"hour":         row.Hour,
		"day":          row.Day,
	}
	addFloat(fields, "temperature", row.Temperature)
	addFloat(fields, "relative_humidity", row.RelativeHumidity)
	addFloat(fields, "wind_speed", row.WindSpeed)
	addFloat(fields, "wind_direction", row.WindDirection)
	if row.TemperatureDiff != nil {
		addFloat(fields, "temperature_diff", *row.TemperatureDiff)
	}

	return client.NewPoint(measurement, tags, fields, row.BaseTime)
}

// addFloat skips NaN; line protocol has no null.
func addFloat(fields map[string]interface{}, name string, v float64) {
	if !math.IsNaN(v) {
		fields[name] = v
	}
}
