package weather

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar date format used by the upstream API and the CLI.
const DateLayout = "2006-01-02"

// CityCoordinate is one entry of the city table the pipeline iterates over.
type CityCoordinate struct {
	Name      string  `json:"city_name" mapstructure:"name" validate:"required"`
	Latitude  float64 `json:"latitude" mapstructure:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" mapstructure:"longitude" validate:"gte=-180,lte=180"`
}

// CityTable is an ordered list of cities. Its order is the order rows appear in
// the aggregated table.
type CityTable []CityCoordinate

// DefaultCities returns the built-in city table.
func DefaultCities() CityTable {
	return CityTable{
		{Name: "London", Latitude: 51.51, Longitude: -0.13},
		{Name: "Paris", Latitude: 48.85, Longitude: 2.35},
		{Name: "Stockholm", Latitude: 59.33, Longitude: 18.07},
		{Name: "New York", Latitude: 40.71, Longitude: -74.01},
		{Name: "Los Angeles", Latitude: 34.05, Longitude: -118.24},
		{Name: "Singapore", Latitude: 1.36, Longitude: 103.82},
		{Name: "Sydney", Latitude: -33.87, Longitude: 151.21},
		{Name: "Hong Kong", Latitude: 22.28, Longitude: 114.16},
		{Name: "Rome", Latitude: 41.89, Longitude: 12.48},
		{Name: "Kyiv", Latitude: 50.45, Longitude: 30.52},
	}
}

// Names returns the city names in table order.
func (t CityTable) Names() []string {
	names := make([]string, 0, len(t))
	for _, c := range t {
		names = append(names, c.Name)
	}
	return names
}

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange parses start and end (YYYY-MM-DD). An empty end defaults to start.
func NewDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: invalid start date %q", ErrInvalidInput, start)
	}
	e := s
	if end != "" {
		e, err = time.Parse(DateLayout, end)
		if err != nil {
			return DateRange{}, fmt.Errorf("%w: invalid end date %q", ErrInvalidInput, end)
		}
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidInput, end, start)
	}
	return DateRange{Start: s, End: e}, nil
}

// SingleDay returns a range covering only the calendar day of t.
func SingleDay(t time.Time) DateRange {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return DateRange{Start: d, End: d}
}

// StartString and EndString format the range ends as YYYY-MM-DD.
func (r DateRange) StartString() string { return r.Start.Format(DateLayout) }
func (r DateRange) EndString() string   { return r.End.Format(DateLayout) }

func (r DateRange) String() string {
	return r.StartString() + ".." + r.EndString()
}

// IsZero reports whether the range was never set.
func (r DateRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// MarshalJSON writes the range as start_date and end_date strings.
func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Start string `json:"start_date"`
		End   string `json:"end_date"`
	}{r.StartString(), r.EndString()})
}

// ObservationColumns is the column order of a reshaped WeatherTable.
var ObservationColumns = []string{
	"base_time",
	"temperature",
	"relative_humidity",
	"weather_code",
	"wind_speed",
	"wind_direction",
	"city_name",
	"forecast_hr",
}

// FeatureColumns is the column order written to the feature collection.
var FeatureColumns = []string{
	"city_name",
	"base_time",
	"forecast_hr",
	"temperature",
	"relative_humidity",
	"weather_code",
	"wind_speed",
	"wind_direction",
	"index_column",
	"hour",
	"day",
	"temperature_diff",
	"wind_speed_category",
}

// ObservationRow is one hourly reading for one city. Missing upstream values are
// NaN for floats and -1 for the weather code.
type ObservationRow struct {
	BaseTime         time.Time `json:"base_time"`
	Temperature      float64   `json:"temperature"`
	RelativeHumidity float64   `json:"relative_humidity"`
	WeatherCode      int       `json:"weather_code"`
	WindSpeed        float64   `json:"wind_speed"`
	WindDirection    float64   `json:"wind_direction"`
	CityName         string    `json:"city_name"`
	ForecastHr       int       `json:"forecast_hr"`
}

// Values returns the row in ObservationColumns order.
func (r ObservationRow) Values() []any {
	return []any{
		r.BaseTime,
		r.Temperature,
		r.RelativeHumidity,
		r.WeatherCode,
		r.WindSpeed,
		r.WindDirection,
		r.CityName,
		r.ForecastHr,
	}
}

// WeatherTable is the concatenation of reshaped rows across cities.
type WeatherTable []ObservationRow

// WindSpeedCategory is the binned wind speed label. The empty value means the
// speed fell outside every bin.
type WindSpeedCategory string

const (
	WindSpeedUndefined WindSpeedCategory = ""
	WindSpeedLow       WindSpeedCategory = "Low"
	WindSpeedModerate  WindSpeedCategory = "Moderate"
	WindSpeedHigh      WindSpeedCategory = "High"
	WindSpeedVeryHigh  WindSpeedCategory = "Very High"
)

// Defined reports whether a category was assigned.
func (c WindSpeedCategory) Defined() bool { return c != WindSpeedUndefined }

// FeatureRow is an ObservationRow plus the derived feature columns.
type FeatureRow struct {
	ObservationRow
	IndexColumn       int               `json:"index_column"`
	Hour              int               `json:"hour"`
	Day               int               `json:"day"`
	TemperatureDiff   *float64          `json:"temperature_diff"`
	WindSpeedCategory WindSpeedCategory `json:"wind_speed_category"`
}

// Values returns the row in FeatureColumns order. Undefined values are nil and
// NaN floats are reported as nil.
func (r FeatureRow) Values() []any {
	var diff, category any
	if r.TemperatureDiff != nil {
		diff = *r.TemperatureDiff
	}
	if r.WindSpeedCategory.Defined() {
		category = string(r.WindSpeedCategory)
	}
	return []any{
		r.CityName,
		r.BaseTime,
		r.ForecastHr,
		nullableFloat(r.Temperature),
		nullableFloat(r.RelativeHumidity),
		r.WeatherCode,
		nullableFloat(r.WindSpeed),
		nullableFloat(r.WindDirection),
		r.IndexColumn,
		r.Hour,
		r.Day,
		diff,
		category,
	}
}

// MarshalJSON writes the row as an object keyed by FeatureColumns, in that
// order. NaN values are written as null.
func (r FeatureRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range r.Values() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(FeatureColumns[i])
		buf.Write(key)
		buf.WriteByte(':')
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FeatureTable is the enriched table handed to sinks.
type FeatureTable []FeatureRow

// Cities returns the distinct city names in first-appearance order.
func (t FeatureTable) Cities() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range t {
		if _, ok := seen[r.CityName]; ok {
			continue
		}
		seen[r.CityName] = struct{}{}
		out = append(out, r.CityName)
	}
	return out
}

// ForCity returns the rows belonging to city, preserving order.
func (t FeatureTable) ForCity(city string) FeatureTable {
	var out FeatureTable
	for _, r := range t {
		if r.CityName == city {
			out = append(out, r)
		}
	}
	return out
}

func nullableFloat(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}
