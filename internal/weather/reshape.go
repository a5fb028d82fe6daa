package weather

import (
	"fmt"
	"math"
	"time"
)

// apiTimeLayout is the local-time format Open-Meteo uses for hourly timestamps.
const apiTimeLayout = "2006-01-02T15:04"

// Reshape converts an hourly payload into rows with the canonical column names,
// stamped with city and forecast_hr 0. API row order is preserved. Timestamps
// are read at the payload's UTC offset when it carries one, so hour and day
// match the API's wall clock and every row keeps a distinct instant across DST
// changes. Otherwise they are interpreted in loc.
func Reshape(city string, hourly HourlyPayload, loc *time.Location) (WeatherTable, error) {
	if loc == nil {
		loc = time.UTC
	}
	if hourly.UTCOffsetSeconds != nil {
		loc = time.FixedZone(loc.String(), *hourly.UTCOffsetSeconds)
	}
	n := len(hourly.Time)
	columns := map[string][]*float64{
		"temperature_2m":      hourly.Temperature2m,
		"relativehumidity_2m": hourly.RelativeHumidity2m,
		"weathercode":         hourly.WeatherCode,
		"windspeed_10m":       hourly.WindSpeed10m,
		"winddirection_10m":   hourly.WindDirection10m,
	}
	for name, col := range columns {
		if len(col) != n {
			return nil, fmt.Errorf("%w: column %s has %d values, time has %d", ErrMalformedResponse, name, len(col), n)
		}
	}

	table := make(WeatherTable, 0, n)
	for i, raw := range hourly.Time {
		ts, err := parseBaseTime(raw, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedResponse, i, err)
		}
		table = append(table, ObservationRow{
			BaseTime:         ts,
			Temperature:      floatOrNaN(hourly.Temperature2m[i]),
			RelativeHumidity: floatOrNaN(hourly.RelativeHumidity2m[i]),
			WeatherCode:      weatherCode(hourly.WeatherCode[i]),
			WindSpeed:        floatOrNaN(hourly.WindSpeed10m[i]),
			WindDirection:    floatOrNaN(hourly.WindDirection10m[i]),
			CityName:         city,
			ForecastHr:       0,
		})
	}
	return table, nil
}

func parseBaseTime(raw string, loc *time.Location) (time.Time, error) {
	if ts, err := time.ParseInLocation(apiTimeLayout, raw, loc); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable time %q", raw)
	}
	return ts.In(loc), nil
}

func floatOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func weatherCode(v *float64) int {
	if v == nil || math.IsNaN(*v) {
		return -1
	}
	return int(*v)
}
