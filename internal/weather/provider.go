package weather

import (
	"context"
	"time"
)

// HourlyPayload is the "hourly" object of an Open-Meteo response. Nullable
// numeric entries decode to nil. UTCOffsetSeconds is copied from the response
// envelope; the wall-clock times in Time are at that fixed offset.
type HourlyPayload struct {
	UTCOffsetSeconds   *int       `json:"utc_offset_seconds,omitempty"`
	Time               []string   `json:"time"`
	Temperature2m      []*float64 `json:"temperature_2m"`
	RelativeHumidity2m []*float64 `json:"relativehumidity_2m"`
	WeatherCode        []*float64 `json:"weathercode"`
	WindSpeed10m       []*float64 `json:"windspeed_10m"`
	WindDirection10m   []*float64 `json:"winddirection_10m"`
}

// Fetcher retrieves hourly observations for one city. Implementations return
// rows already reshaped and stamped with the city name.
type Fetcher interface {
	FetchHourly(ctx context.Context, city CityCoordinate, dates DateRange) (WeatherTable, error)
}

// Sink is a destination for the enriched table.
type Sink interface {
	Name() string
	Write(ctx context.Context, features FeatureTable) error
}

// RunStore is the contract the in-memory run store (and any future persistent store) must satisfy.
type RunStore interface {
	SaveRun(report RunReport)
	SaveFeatures(runID string, features FeatureTable)
	Latest() (RunReport, error)
	List() []RunReport
	LatestFeatures(city string) (FeatureTable, error)
}

// Recorder receives pipeline measurements. A nil Recorder is valid and
// discards everything.
type Recorder interface {
	RunFinished(status RunStatus, rows int, elapsed time.Duration)
	SinkWrite(sink string, rows int, err error)
}
