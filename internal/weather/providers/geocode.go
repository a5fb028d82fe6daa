package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/kelvins/geocoder"
)

// CitySpec is a configured city. Coordinates may be omitted when a geocoder
// is available to resolve them.
type CitySpec struct {
	Name      string   `mapstructure:"name" validate:"required"`
	Country   string   `mapstructure:"country"`
	Latitude  *float64 `mapstructure:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `mapstructure:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

func (c CitySpec) hasCoordinates() bool { return c.Latitude != nil && c.Longitude != nil }

// Geocoder resolves a city name to coordinates.
type Geocoder interface {
	Lookup(ctx context.Context, city, country string) (lat, lon float64, err error)
}

var errNoGeocoder = errors.New("coordinates missing and no geocoder configured")

// GoogleGeocoder resolves cities through the Google Geocoding API.
type GoogleGeocoder struct {
	apiKey string
}

// geocoderMu guards the package-level API key the geocoder library reads.
var geocoderMu sync.Mutex

// NewGoogleGeocoder returns a geocoder that authenticates with apiKey.
func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	return &GoogleGeocoder{apiKey: apiKey}
}

// Lookup returns the latitude and longitude of city in country. Calls are
// serialized because the underlying library reads a package-level key.
func (g *GoogleGeocoder) Lookup(ctx context.Context, city, country string) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	geocoderMu.Lock()
	defer geocoderMu.Unlock()

	geocoder.ApiKey = g.apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{City: city, Country: country})
	if err != nil {
		return 0, 0, fmt.Errorf("geocode %s: %w", city, err)
	}
	return loc.Latitude, loc.Longitude, nil
}

// ResolveCities turns configured specs into a city table, looking up missing
// coordinates with g. Every unresolved city is reported, not only the first.
func ResolveCities(ctx context.Context, specs []CitySpec, g Geocoder) (weather.CityTable, error) {
	table := make(weather.CityTable, 0, len(specs))
	var result *multierror.Error

	for _, spec := range specs {
		if spec.hasCoordinates() {
			table = append(table, weather.CityCoordinate{Name: spec.Name, Latitude: *spec.Latitude, Longitude: *spec.Longitude})
			continue
		}
		if g == nil {
			result = multierror.Append(result, fmt.Errorf("city %s: %w", spec.Name, errNoGeocoder))
			continue
		}
		lat, lon, err := g.Lookup(ctx, spec.Name, spec.Country)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("city %s: %w", spec.Name, err))
			continue
		}
		table = append(table, weather.CityCoordinate{Name: spec.Name, Latitude: lat, Longitude: lon})
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %v", weather.ErrInvalidInput, err)
	}
	return table, nil
}
