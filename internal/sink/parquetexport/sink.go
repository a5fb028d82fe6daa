// Package parquetexport encodes feature tables as Parquet and uploads them to
// object storage in a dt= partitioned layout.
package parquetexport

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"
)

const contentType = "application/x-parquet"

// featureRecord is the Parquet schema of one feature row.
type featureRecord struct {
	CityName          string   `parquet:"name=city_name,type=BYTE_ARRAY,convertedtype=UTF8"`
	BaseTime          int64    `parquet:"name=base_time,type=INT64,convertedtype=TIMESTAMP_MILLIS"`
	ForecastHr        int32    `parquet:"name=forecast_hr,type=INT32"`
	Temperature       *float64 `parquet:"name=temperature,type=DOUBLE,repetitiontype=OPTIONAL"`
	RelativeHumidity  *float64 `parquet:"name=relative_humidity,type=DOUBLE,repetitiontype=OPTIONAL"`
	WeatherCode       int32    `parquet:"name=weather_code,type=INT32"`
	WindSpeed         *float64 `parquet:"name=wind_speed,type=DOUBLE,repetitiontype=OPTIONAL"`
	WindDirection     *float64 `parquet:"name=wind_direction,type=DOUBLE,repetitiontype=OPTIONAL"`
	IndexColumn       int64    `parquet:"name=index_column,type=INT64"`
	Hour              int32    `parquet:"name=hour,type=INT32"`
	Day               int32    `parquet:"name=day,type=INT32"`
	TemperatureDiff   *float64 `parquet:"name=temperature_diff,type=DOUBLE,repetitiontype=OPTIONAL"`
	WindSpeedCategory *string  `parquet:"name=wind_speed_category,type=BYTE_ARRAY,convertedtype=UTF8,repetitiontype=OPTIONAL"`
}

// Sink is a weather.Sink writing one Parquet object per run.
type Sink struct {
	uploader Uploader
	prefix   string
	log      *zap.SugaredLogger
}

var _ weather.Sink = (*Sink)(nil)

// NewSink writes objects under prefix through uploader.
func NewSink(uploader Uploader, prefix string, log *zap.SugaredLogger) *Sink {
	if prefix == "" {
		prefix = "weather_features"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sink{uploader: uploader, prefix: prefix, log: log}
}

func (s *Sink) Name() string { return "parquet" }

func (s *Sink) Close() error { return s.uploader.Close() }

// ObjectPath is <prefix>/dt=<first row date>/features_<runID>.parquet.
func (s *Sink) ObjectPath(runID string, features weather.FeatureTable) string {
	dt := "unknown"
	if len(features) > 0 {
		dt = features[0].BaseTime.Format(weather.DateLayout)
	}
	return fmt.Sprintf("%s/dt=%s/features_%s.parquet", s.prefix, dt, runID)
}

// Write encodes the table and uploads it to ObjectPath for the current run.
func (s *Sink) Write(ctx context.Context, features weather.FeatureTable) error {
	if len(features) == 0 {
		return nil
	}
	buf, err := Encode(features)
	if err != nil {
		return fmt.Errorf("%w: %w", weather.ErrSinkFailure, err)
	}

	runID, ok := weather.RunIDFromContext(ctx)
	if !ok {
		runID = uuid.NewString()
	}
	path := s.ObjectPath(runID, features)
	size := int64(buf.Len())
	if err := s.uploader.Upload(ctx, path, buf, size, contentType); err != nil {
		return fmt.Errorf("%w: upload %s: %w", weather.ErrSinkFailure, path, err)
	}
	s.log.Infow("exported parquet", "path", path, "rows", len(features), "bytes", size)
	return nil
}

// Encode writes the table as a Snappy-compressed Parquet file.
func Encode(features weather.FeatureTable) (buf *bytes.Buffer, err error) {
	buf = new(bytes.Buffer)
	pw, err := writer.NewParquetWriterFromWriter(buf, new(featureRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range features {
		if err := pw.Write(toRecord(row)); err != nil {
			return nil, fmt.Errorf("write parquet record %d: %w", row.IndexColumn, err)
		}
	}

	// WriteStop can panic on inconsistent schemas.
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("stop parquet writer: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("stop parquet writer: %w", err)
	}
	return buf, nil
}

func toRecord(row weather.FeatureRow) featureRecord {
	rec := featureRecord{
		CityName:         row.CityName,
		BaseTime:         row.BaseTime.UnixMilli(),
		ForecastHr:       int32(row.ForecastHr),
		Temperature:      optional(row.Temperature),
		RelativeHumidity: optional(row.RelativeHumidity),
		WeatherCode:      int32(row.WeatherCode),
		WindSpeed:        optional(row.WindSpeed),
		WindDirection:    optional(row.WindDirection),
		IndexColumn:      int64(row.IndexColumn),
		Hour:             int32(row.Hour),
		Day:              int32(row.Day),
		TemperatureDiff:  row.TemperatureDiff,
	}
	if row.WindSpeedCategory.Defined() {
		c := string(row.WindSpeedCategory)
		rec.WindSpeedCategory = &c
	}
	return rec
}

func optional(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
