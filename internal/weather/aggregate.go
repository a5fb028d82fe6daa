package weather

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/i474232898/weather-feature-pipeline/internal/weather")

// Aggregate fetches every city in table order, one at a time, and concatenates
// the results. The first failing city aborts the aggregation; its error is
// returned as a *CityFetchError.
func Aggregate(ctx context.Context, fetcher Fetcher, cities CityTable, dates DateRange) (WeatherTable, error) {
	ctx, span := tracer.Start(ctx, "weather.Aggregate", trace.WithAttributes(
		attribute.Int("cities", len(cities)),
		attribute.String("dates", dates.String()),
	))
	defer span.End()

	if len(cities) == 0 {
		err := fmt.Errorf("%w: no cities configured", ErrInvalidInput)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log := zap.S()
	var table WeatherTable
	for _, city := range cities {
		if err := ctx.Err(); err != nil {
			return nil, &CityFetchError{City: city.Name, Err: err}
		}
		rows, err := fetcher.FetchHourly(ctx, city, dates)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return nil, &CityFetchError{City: city.Name, Err: err}
		}
		if i := firstOutOfOrder(rows); i >= 0 {
			log.Warnw("timestamps not strictly increasing; temperature_diff follows row order",
				"city", city.Name, "row", i, "base_time", rows[i].BaseTime)
		}
		table = append(table, rows...)
	}

	span.SetAttributes(attribute.Int("rows", len(table)))
	return table, nil
}

// firstOutOfOrder returns the index of the first row whose timestamp is not
// after its predecessor, or -1.
func firstOutOfOrder(rows WeatherTable) int {
	for i := 1; i < len(rows); i++ {
		if !rows[i].BaseTime.After(rows[i-1].BaseTime) {
			return i
		}
	}
	return -1
}
