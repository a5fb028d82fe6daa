package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const londonBody = `{
	"latitude": 51.5,
	"longitude": -0.12,
	"timezone": "Europe/London",
	"utc_offset_seconds": 0,
	"hourly": {
		"time": ["2024-01-05T00:00", "2024-01-05T01:00", "2024-01-05T02:00"],
		"temperature_2m": [10.0, 10.5, 9.8],
		"relativehumidity_2m": [81, 82, 84],
		"weathercode": [3, 3, 61],
		"windspeed_10m": [1.0, 3.0, 6.0],
		"winddirection_10m": [200, 210, 220]
	}
}`

var london = weather.CityCoordinate{Name: "London", Latitude: 51.51, Longitude: -0.13}

func jsonServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// closedURL returns the address of a server that is no longer listening.
func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func newTestProvider(t *testing.T, forecastURL, archiveURL string, mutate ...func(*OpenMeteoConfig)) *OpenMeteoProvider {
	t.Helper()
	cfg := OpenMeteoConfig{
		ForecastURL: forecastURL,
		ArchiveURL:  archiveURL,
		Client:      &http.Client{Timeout: 5 * time.Second},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewOpenMeteoProvider(cfg)
	require.NoError(t, err)
	return p
}

func testDates(t *testing.T) weather.DateRange {
	t.Helper()
	d, err := weather.NewDateRange("2024-01-05", "")
	require.NoError(t, err)
	return d
}

func TestFetchHourly_QueryParameters(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(londonBody))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, closedURL(t))
	_, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)

	require.NotNil(t, got)
	q := got.URL.Query()
	assert.Equal(t, "51.51", q.Get("latitude"))
	assert.Equal(t, "-0.13", q.Get("longitude"))
	assert.Equal(t, hourlyVariables, q.Get("hourly"))
	assert.Equal(t, "2024-01-05", q.Get("start_date"))
	assert.Equal(t, "2024-01-05", q.Get("end_date"))
	assert.Equal(t, "Europe/London", q.Get("timezone"))
}

func TestFetchHourly_ReshapesAndStamps(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, londonBody, nil)
	p := newTestProvider(t, srv.URL, closedURL(t))

	rows, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, "London", r.CityName)
		assert.Equal(t, 0, r.ForecastHr)
		assert.Equal(t, i, r.BaseTime.Hour())
		assert.Equal(t, 5, r.BaseTime.Day())
	}
	assert.Equal(t, 61, rows[2].WeatherCode)
	assert.Equal(t, 6.0, rows[2].WindSpeed)
}

func TestFetchHourly_FallsBackToArchiveOnConnectionFailure(t *testing.T) {
	var archiveHits int32
	archive := jsonServer(t, http.StatusOK, londonBody, &archiveHits)
	p := newTestProvider(t, closedURL(t), archive.URL)

	rows, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.EqualValues(t, 1, atomic.LoadInt32(&archiveHits))
}

func TestFetchHourly_FallbackMatchesDirectFetch(t *testing.T) {
	forecast := jsonServer(t, http.StatusOK, londonBody, nil)
	direct, err := newTestProvider(t, forecast.URL, closedURL(t)).FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)

	archive := jsonServer(t, http.StatusOK, londonBody, nil)
	fallback, err := newTestProvider(t, closedURL(t), archive.URL).FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)

	assert.Equal(t, direct, fallback)
	assert.Equal(t, weather.DeriveFeatures(direct), weather.DeriveFeatures(fallback))
}

func TestFetchHourly_ClockChangeDay(t *testing.T) {
	// Europe/London skips 01:00 on 2023-03-26; the API still reports it at
	// the response's fixed offset.
	body := `{
		"timezone": "Europe/London",
		"utc_offset_seconds": 0,
		"hourly": {
			"time": ["2023-03-26T00:00", "2023-03-26T01:00", "2023-03-26T02:00"],
			"temperature_2m": [6.1, 5.9, 5.6],
			"relativehumidity_2m": [90, 91, 92],
			"weathercode": [3, 3, 3],
			"windspeed_10m": [2.0, 2.2, 2.4],
			"winddirection_10m": [240, 240, 250]
		}
	}`
	srv := jsonServer(t, http.StatusOK, body, nil)
	p := newTestProvider(t, srv.URL, closedURL(t))

	d, err := weather.NewDateRange("2023-03-26", "")
	require.NoError(t, err)
	rows, err := p.FetchHourly(context.Background(), london, d)
	require.NoError(t, err)

	features := weather.DeriveFeatures(rows)
	require.Len(t, features, 3)
	seen := map[time.Time]bool{}
	for i, f := range features {
		assert.Equal(t, i, f.Hour)
		assert.Equal(t, 26, f.Day)
		assert.False(t, seen[f.BaseTime.UTC()], "duplicate base_time %s", f.BaseTime)
		seen[f.BaseTime.UTC()] = true
	}
	assert.Equal(t, time.Hour, features[2].BaseTime.Sub(features[1].BaseTime))
}

func TestFetchHourly_ServerErrorDoesNotFallBack(t *testing.T) {
	var archiveHits int32
	forecast := jsonServer(t, http.StatusInternalServerError, `{"error":true}`, nil)
	archive := jsonServer(t, http.StatusOK, londonBody, &archiveHits)
	p := newTestProvider(t, forecast.URL, archive.URL)

	_, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, weather.ErrMalformedResponse)
	assert.EqualValues(t, 0, atomic.LoadInt32(&archiveHits))
}

func TestFetchHourly_BothUnreachable(t *testing.T) {
	p := newTestProvider(t, closedURL(t), closedURL(t))

	_, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, weather.ErrNetworkUnavailable)
}

func TestFetchHourly_ArchiveMalformedAfterFallback(t *testing.T) {
	archive := jsonServer(t, http.StatusBadRequest, `{"reason":"bad date"}`, nil)
	p := newTestProvider(t, closedURL(t), archive.URL)

	_, err := p.FetchHourly(context.Background(), london, testDates(t))
	assert.ErrorIs(t, err, weather.ErrMalformedResponse)
	assert.NotErrorIs(t, err, weather.ErrNetworkUnavailable)
}

func TestFetchHourly_MalformedBodies(t *testing.T) {
	cases := map[string]string{
		"invalid json":     `{"hourly": [`,
		"missing hourly":   `{"latitude": 51.5}`,
		"unequal columns":  `{"hourly":{"time":["2024-01-05T00:00"],"temperature_2m":[]}}`,
		"unparsable times": `{"hourly":{"time":["noon"],"temperature_2m":[1],"relativehumidity_2m":[1],"weathercode":[1],"windspeed_10m":[1],"winddirection_10m":[1]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := jsonServer(t, http.StatusOK, body, nil)
			p := newTestProvider(t, srv.URL, closedURL(t))
			_, err := p.FetchHourly(context.Background(), london, testDates(t))
			assert.ErrorIs(t, err, weather.ErrMalformedResponse)
		})
	}
}

func TestFetchHourly_CancelledContextDoesNotFallBack(t *testing.T) {
	var archiveHits int32
	archive := jsonServer(t, http.StatusOK, londonBody, &archiveHits)
	p := newTestProvider(t, closedURL(t), archive.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.FetchHourly(ctx, london, testDates(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, atomic.LoadInt32(&archiveHits))
}

func TestFetchHourly_OpenBreakerFallsBack(t *testing.T) {
	var archiveHits int32
	archive := jsonServer(t, http.StatusOK, londonBody, &archiveHits)
	p := newTestProvider(t, closedURL(t), archive.URL, func(c *OpenMeteoConfig) {
		c.Breaker = BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Hour}
	})

	for i := 0; i < 3; i++ {
		_, err := p.FetchHourly(context.Background(), london, testDates(t))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&archiveHits))
}

func slowServer(t *testing.T, delay time.Duration, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		select {
		case <-time.After(delay):
			_, _ = w.Write([]byte(londonBody))
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchHourly_ClientTimeoutTripsBreaker(t *testing.T) {
	var forecastHits, archiveHits int32
	forecast := slowServer(t, 300*time.Millisecond, &forecastHits)
	archive := jsonServer(t, http.StatusOK, londonBody, &archiveHits)
	p := newTestProvider(t, forecast.URL, archive.URL, func(c *OpenMeteoConfig) {
		c.Client = &http.Client{Timeout: 50 * time.Millisecond}
		c.Breaker = BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Hour}
	})

	for i := 0; i < 3; i++ {
		_, err := p.FetchHourly(context.Background(), london, testDates(t))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&forecastHits), "open breaker skips the hung endpoint")
	assert.EqualValues(t, 3, atomic.LoadInt32(&archiveHits))
}

func TestFetchHourly_CallerDeadlineDoesNotTripBreaker(t *testing.T) {
	var forecastHits int32
	forecast := slowServer(t, 100*time.Millisecond, &forecastHits)
	p := newTestProvider(t, forecast.URL, closedURL(t), func(c *OpenMeteoConfig) {
		c.Breaker = BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Hour}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.FetchHourly(ctx, london, testDates(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, weather.ErrNetworkUnavailable)

	rows, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err, "forecast breaker must still be closed")
	assert.Len(t, rows, 3)
	assert.EqualValues(t, 2, atomic.LoadInt32(&forecastHits))
}

func TestCacheKey_ChangesWithRequest(t *testing.T) {
	dates := testDates(t)
	base := CacheKey(london, "Europe/London", dates)
	assert.Equal(t, "weather:hourly:London:51.51:-0.13:Europe/London:2024-01-05:2024-01-05", base)

	moved := london
	moved.Latitude = 51.0
	assert.NotEqual(t, base, CacheKey(moved, "Europe/London", dates))
	assert.NotEqual(t, base, CacheKey(london, "UTC", dates))
}

func TestFetchHourly_MovedCityMissesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var hits int32
	srv := jsonServer(t, http.StatusOK, londonBody, &hits)
	p := newTestProvider(t, srv.URL, closedURL(t), func(c *OpenMeteoConfig) {
		c.Cache = NewPayloadCache(rdb, time.Hour, nil)
	})

	_, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)
	moved := london
	moved.Longitude = -0.2
	_, err = p.FetchHourly(context.Background(), moved, testDates(t))
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetchHourly_CacheHitSkipsHTTP(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var hits int32
	srv := jsonServer(t, http.StatusOK, londonBody, &hits)
	p := newTestProvider(t, srv.URL, closedURL(t), func(c *OpenMeteoConfig) {
		c.Cache = NewPayloadCache(rdb, time.Hour, nil)
	})

	first, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)
	second, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	assert.Equal(t, len(first), len(second))
	assert.Equal(t, first[1].Temperature, second[1].Temperature)
	assert.True(t, mr.Exists(CacheKey(london, "Europe/London", testDates(t))))
}

func TestFetchHourly_CacheUnavailableStillFetches(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	srv := jsonServer(t, http.StatusOK, londonBody, nil)
	p := newTestProvider(t, srv.URL, closedURL(t), func(c *OpenMeteoConfig) {
		c.Cache = NewPayloadCache(rdb, time.Hour, nil)
	})

	rows, err := p.FetchHourly(context.Background(), london, testDates(t))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestNewOpenMeteoProvider_Validation(t *testing.T) {
	_, err := NewOpenMeteoProvider(OpenMeteoConfig{})
	assert.ErrorIs(t, err, errNoHTTPClient)

	_, err = NewOpenMeteoProvider(OpenMeteoConfig{Client: http.DefaultClient, Timezone: "Mars/Olympus"})
	assert.ErrorIs(t, err, weather.ErrInvalidInput)
}
