package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"go.uber.org/zap"
)

const (
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	DefaultArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"
	DefaultTimezone    = "Europe/London"

	hourlyVariables = "temperature_2m,relativehumidity_2m,weathercode,windspeed_10m,winddirection_10m"

	// maxErrorBody bounds how much of an error response is quoted in the error.
	maxErrorBody = 512
)

// FetchObserver receives per-request outcomes. Implemented by the metrics recorder.
type FetchObserver interface {
	ObserveFetch(endpoint, outcome string, elapsed time.Duration)
	ObserveFallback(city string)
	ObserveCache(hit bool)
}

// OpenMeteoConfig configures an OpenMeteoProvider. Zero values take defaults.
type OpenMeteoConfig struct {
	ForecastURL string
	ArchiveURL  string
	Timezone    string
	Breaker     BreakerConfig
	Client      *http.Client
	Cache       *PayloadCache
	Observer    FetchObserver
	Logger      *zap.SugaredLogger
}

// OpenMeteoProvider fetches hourly observations from the Open-Meteo forecast
// endpoint, falling back to the archive endpoint when the forecast endpoint
// cannot be reached.
type OpenMeteoProvider struct {
	forecast endpoint
	archive  endpoint
	timezone string
	loc      *time.Location
	client   *http.Client
	cache    *PayloadCache
	observer FetchObserver
	log      *zap.SugaredLogger
}

// NewOpenMeteoProvider validates cfg and builds a provider.
func NewOpenMeteoProvider(cfg OpenMeteoConfig) (*OpenMeteoProvider, error) {
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = DefaultArchiveURL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", weather.ErrInvalidInput, cfg.Timezone, err)
	}

	return &OpenMeteoProvider{
		forecast: newEndpoint("forecast", cfg.ForecastURL, cfg.Breaker),
		archive:  newEndpoint("archive", cfg.ArchiveURL, cfg.Breaker),
		timezone: cfg.Timezone,
		loc:      loc,
		client:   cfg.Client,
		cache:    cfg.Cache,
		observer: cfg.Observer,
		log:      cfg.Logger,
	}, nil
}

// Location is the timezone the API is asked to report timestamps in.
func (p *OpenMeteoProvider) Location() *time.Location { return p.loc }

// FetchHourly implements weather.Fetcher.
func (p *OpenMeteoProvider) FetchHourly(ctx context.Context, city weather.CityCoordinate, dates weather.DateRange) (weather.WeatherTable, error) {
	start := time.Now()

	payload, source, err := p.payload(ctx, city, dates)
	if err != nil {
		return nil, err
	}

	rows, err := weather.Reshape(city.Name, payload, p.loc)
	if err != nil {
		return nil, err
	}

	p.log.Infow("fetched hourly weather",
		"city", city.Name,
		"start_date", dates.StartString(),
		"end_date", dates.EndString(),
		"source", source,
		"rows", len(rows),
		"elapsed_seconds", time.Since(start).Seconds(),
	)
	return rows, nil
}

func (p *OpenMeteoProvider) payload(ctx context.Context, city weather.CityCoordinate, dates weather.DateRange) (weather.HourlyPayload, string, error) {
	key := CacheKey(city, p.timezone, dates)
	if p.cache != nil {
		if cached, ok := p.cache.Get(ctx, key); ok {
			p.observeCache(true)
			return cached, "cache", nil
		}
		p.observeCache(false)
	}

	payload, source, err := p.fetchWithFallback(ctx, city, dates)
	if err != nil {
		return weather.HourlyPayload{}, "", err
	}
	if p.cache != nil {
		p.cache.Set(ctx, key, payload)
	}
	return payload, source, nil
}

func (p *OpenMeteoProvider) fetchWithFallback(ctx context.Context, city weather.CityCoordinate, dates weather.DateRange) (weather.HourlyPayload, string, error) {
	query := p.query(city, dates)

	payload, err := p.fetch(ctx, p.forecast, query)
	if err == nil {
		return payload, p.forecast.name, nil
	}
	if !isConnectionError(err) {
		return weather.HourlyPayload{}, "", err
	}

	p.log.Warnw("forecast endpoint unreachable, retrying against archive",
		"city", city.Name, "error", err)
	if p.observer != nil {
		p.observer.ObserveFallback(city.Name)
	}

	payload, archiveErr := p.fetch(ctx, p.archive, query)
	if archiveErr == nil {
		return payload, p.archive.name, nil
	}
	if isConnectionError(archiveErr) {
		return weather.HourlyPayload{}, "", fmt.Errorf("%w: %v; %v", weather.ErrNetworkUnavailable, err, archiveErr)
	}
	return weather.HourlyPayload{}, "", archiveErr
}

func (p *OpenMeteoProvider) query(city weather.CityCoordinate, dates weather.DateRange) url.Values {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(city.Latitude, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(city.Longitude, 'f', -1, 64))
	values.Set("hourly", hourlyVariables)
	values.Set("start_date", dates.StartString())
	values.Set("end_date", dates.EndString())
	values.Set("timezone", p.timezone)
	return values
}

func (p *OpenMeteoProvider) fetch(ctx context.Context, ep endpoint, query url.Values) (weather.HourlyPayload, error) {
	start := time.Now()
	payload, err := p.doFetch(ctx, ep, query)
	if p.observer != nil {
		p.observer.ObserveFetch(ep.name, fetchOutcome(err), time.Since(start))
	}
	return payload, err
}

func (p *OpenMeteoProvider) doFetch(ctx context.Context, ep endpoint, query url.Values) (weather.HourlyPayload, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s?%s", ep.url, query.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequest(ctx, p.client, ep, buildRequest)
	if err != nil {
		return weather.HourlyPayload{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return weather.HourlyPayload{}, fmt.Errorf("%w: %s returned %d: %s", weather.ErrMalformedResponse, ep.name, resp.StatusCode, body)
	}

	var envelope struct {
		UTCOffsetSeconds *int                   `json:"utc_offset_seconds"`
		Hourly           *weather.HourlyPayload `json:"hourly"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return weather.HourlyPayload{}, ctxErr
		}
		return weather.HourlyPayload{}, fmt.Errorf("%w: %s: decode body: %v", weather.ErrMalformedResponse, ep.name, err)
	}
	if envelope.Hourly == nil {
		return weather.HourlyPayload{}, fmt.Errorf("%w: %s: response has no hourly data", weather.ErrMalformedResponse, ep.name)
	}
	payload := *envelope.Hourly
	payload.UTCOffsetSeconds = envelope.UTCOffsetSeconds
	return payload, nil
}

func (p *OpenMeteoProvider) observeCache(hit bool) {
	if p.observer != nil {
		p.observer.ObserveCache(hit)
	}
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isConnectionError(err):
		return "connection_error"
	case errors.Is(err, weather.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
