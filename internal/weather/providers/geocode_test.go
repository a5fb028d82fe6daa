package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGeocoder struct {
	known map[string][2]float64
	calls int
}

func (g *fakeGeocoder) Lookup(_ context.Context, city, _ string) (float64, float64, error) {
	g.calls++
	c, ok := g.known[city]
	if !ok {
		return 0, 0, errors.New("ZERO_RESULTS")
	}
	return c[0], c[1], nil
}

func coord(v float64) *float64 { return &v }

func TestResolveCities(t *testing.T) {
	g := &fakeGeocoder{known: map[string][2]float64{"Oslo": {59.91, 10.75}}}
	specs := []CitySpec{
		{Name: "London", Latitude: coord(51.51), Longitude: coord(-0.13)},
		{Name: "Oslo", Country: "Norway"},
	}

	table, err := ResolveCities(context.Background(), specs, g)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, "London", table[0].Name)
	assert.Equal(t, 59.91, table[1].Latitude)
	assert.Equal(t, 1, g.calls, "cities with coordinates are not geocoded")
}

func TestResolveCities_ReportsEveryFailure(t *testing.T) {
	specs := []CitySpec{{Name: "Atlantis"}, {Name: "Lemuria"}}

	_, err := ResolveCities(context.Background(), specs, &fakeGeocoder{})
	require.Error(t, err)
	assert.ErrorIs(t, err, weather.ErrInvalidInput)
	assert.Contains(t, err.Error(), "Atlantis")
	assert.Contains(t, err.Error(), "Lemuria")
}

func TestResolveCities_NoGeocoder(t *testing.T) {
	_, err := ResolveCities(context.Background(), []CitySpec{{Name: "Oslo"}}, nil)
	assert.ErrorIs(t, err, weather.ErrInvalidInput)
	assert.Contains(t, err.Error(), errNoGeocoder.Error())
}
