package weather

import "math"

// Wind speed bin upper bounds, right-inclusive.
const (
	windLowMax      = 2.5
	windModerateMax = 5.0
	windHighMax     = 7.5
)

// DeriveFeatures enriches the aggregated table. It is pure: the input is not
// modified and the same input always yields the same output.
//
// temperature_diff is computed against the previous row of the same city in
// table order, so it assumes rows are chronological within a city.
func DeriveFeatures(table WeatherTable) FeatureTable {
	out := make(FeatureTable, 0, len(table))
	prevTemp := make(map[string]float64, 16)

	for i, row := range table {
		f := FeatureRow{
			ObservationRow:    row,
			IndexColumn:       i,
			Hour:              row.BaseTime.Hour(),
			Day:               row.BaseTime.Day(),
			WindSpeedCategory: CategorizeWindSpeed(row.WindSpeed),
		}
		if prev, ok := prevTemp[row.CityName]; ok {
			if !math.IsNaN(prev) && !math.IsNaN(row.Temperature) {
				d := row.Temperature - prev
				f.TemperatureDiff = &d
			}
		}
		prevTemp[row.CityName] = row.Temperature
		out = append(out, f)
	}
	return out
}

// CategorizeWindSpeed bins a speed into (0,2.5], (2.5,5], (5,7.5] and (7.5,inf).
// Zero, negative and NaN speeds are undefined.
func CategorizeWindSpeed(speed float64) WindSpeedCategory {
	switch {
	case math.IsNaN(speed) || speed <= 0:
		return WindSpeedUndefined
	case speed <= windLowMax:
		return WindSpeedLow
	case speed <= windModerateMax:
		return WindSpeedModerate
	case speed <= windHighMax:
		return WindSpeedHigh
	default:
		return WindSpeedVeryHigh
	}
}
