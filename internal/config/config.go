package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/i474232898/weather-feature-pipeline/internal/logging"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/featurestore"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/influx"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/parquetexport"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/sqlstore"
	"github.com/i474232898/weather-feature-pipeline/internal/tracing"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/i474232898/weather-feature-pipeline/internal/weather/providers"
)

// EnvPrefix prefixes every environment override, e.g. WFP_SERVER_PORT.
const EnvPrefix = "WFP"

// Sink names accepted in sinks.enabled.
const (
	SinkFeatureStore = "featurestore"
	SinkSQL          = "sql"
	SinkInflux       = "influx"
	SinkParquet      = "parquet"
)

// AppConfig is the full application configuration.
type AppConfig struct {
	Server    ServerConfig         `mapstructure:"server"`
	Log       logging.Config       `mapstructure:"log"`
	Tracing   tracing.Config       `mapstructure:"tracing"`
	OpenMeteo OpenMeteoConfig      `mapstructure:"open_meteo"`
	Cache     CacheConfig          `mapstructure:"cache"`
	Geocoding GeocodingConfig      `mapstructure:"geocoding"`
	Cities    []providers.CitySpec `mapstructure:"cities" validate:"dive"`
	Schedule  ScheduleConfig       `mapstructure:"schedule"`
	Store     StoreConfig          `mapstructure:"store"`
	Sinks     SinksConfig          `mapstructure:"sinks" validate:"-"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required,numeric"`
}

// OpenMeteoConfig selects the forecast and archive endpoints, the timezone
// requested from them and the outbound client timeout.
type OpenMeteoConfig struct {
	ForecastURL string                  `mapstructure:"forecast_url" validate:"required,url"`
	ArchiveURL  string                  `mapstructure:"archive_url" validate:"required,url"`
	Timezone    string                  `mapstructure:"timezone" validate:"required"`
	HTTPTimeout time.Duration           `mapstructure:"http_timeout" validate:"gte=0"`
	Breaker     providers.BreakerConfig `mapstructure:"breaker"`
}

// CacheConfig enables the Redis payload cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// GeocodingConfig holds the Google Geocoding API key used for cities
// configured without coordinates.
type GeocodingConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// ScheduleConfig sets the cron expression and the per-run timeout. An empty
// cron disables scheduled runs.
type ScheduleConfig struct {
	Cron    string        `mapstructure:"cron"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// StoreConfig controls in-memory run history retention.
type StoreConfig struct {
	MaxHistory int           `mapstructure:"max_history" validate:"gte=0"`
	MaxAge     time.Duration `mapstructure:"max_age" validate:"gte=0"`
}

// SinksConfig lists the sinks to write to, in order, and their settings.
// Only enabled sinks are validated.
type SinksConfig struct {
	Enabled      []string            `mapstructure:"enabled"`
	FeatureStore featurestore.Config `mapstructure:"featurestore"`
	SQL          sqlstore.Config     `mapstructure:"sql"`
	Influx       influx.Config       `mapstructure:"influx"`
	Parquet      ParquetConfig       `mapstructure:"parquet"`
}

// ParquetConfig selects where parquet exports are uploaded.
type ParquetConfig struct {
	Target string                    `mapstructure:"target" validate:"oneof=local s3 gcs"`
	Prefix string                    `mapstructure:"prefix"`
	Local  parquetexport.LocalConfig `mapstructure:"local"`
	S3     parquetexport.S3Config    `mapstructure:"s3"`
	GCS    parquetexport.GCSConfig   `mapstructure:"gcs"`
}

// Location returns the timezone requested from the API.
func (c *AppConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.OpenMeteo.Timezone)
}

// SinkEnabled reports whether name is listed in sinks.enabled.
func (c *AppConfig) SinkEnabled(name string) bool {
	for _, n := range c.Sinks.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// DefaultCitySpecs returns the built-in city table as configuration entries.
func DefaultCitySpecs() []providers.CitySpec {
	var out []providers.CitySpec
	for _, c := range weather.DefaultCities() {
		lat, lon := c.Latitude, c.Longitude
		out = append(out, providers.CitySpec{Name: c.Name, Latitude: &lat, Longitude: &lon})
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "weather-feature-pipeline")

	v.SetDefault("open_meteo.forecast_url", providers.DefaultForecastURL)
	v.SetDefault("open_meteo.archive_url", providers.DefaultArchiveURL)
	v.SetDefault("open_meteo.timezone", providers.DefaultTimezone)
	v.SetDefault("open_meteo.http_timeout", "30s")
	breaker := providers.DefaultBreakerConfig()
	v.SetDefault("open_meteo.breaker.max_requests", breaker.MaxRequests)
	v.SetDefault("open_meteo.breaker.interval", breaker.Interval)
	v.SetDefault("open_meteo.breaker.timeout", breaker.Timeout)
	v.SetDefault("open_meteo.breaker.consecutive_failures", breaker.ConsecutiveFailures)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "1h")

	v.SetDefault("geocoding.api_key", "")

	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("schedule.timeout", "10m")

	v.SetDefault("store.max_history", 50)
	v.SetDefault("store.max_age", "168h")

	v.SetDefault("sinks.enabled", []string{SinkFeatureStore})
	v.SetDefault("sinks.featurestore.host", "")
	v.SetDefault("sinks.featurestore.project", "")
	v.SetDefault("sinks.featurestore.api_key", "")
	v.SetDefault("sinks.featurestore.feature_group", featurestore.DefaultFeatureGroup)
	v.SetDefault("sinks.featurestore.version", featurestore.DefaultVersion)
	v.SetDefault("sinks.featurestore.batch_size", featurestore.DefaultBatchSize)
	v.SetDefault("sinks.sql.driver", "sqlite")
	v.SetDefault("sinks.sql.dsn", "weather_features.db")
	v.SetDefault("sinks.sql.auto_migrate", true)
	v.SetDefault("sinks.influx.addr", "http://localhost:8086")
	v.SetDefault("sinks.influx.database", "weather")
	v.SetDefault("sinks.influx.username", "")
	v.SetDefault("sinks.influx.password", "")
	v.SetDefault("sinks.parquet.target", "local")
	v.SetDefault("sinks.parquet.prefix", "weather_features")
	v.SetDefault("sinks.parquet.local.dir", "exports")
	v.SetDefault("sinks.parquet.s3.endpoint", "")
	v.SetDefault("sinks.parquet.s3.access_key", "")
	v.SetDefault("sinks.parquet.s3.secret_key", "")
	v.SetDefault("sinks.parquet.s3.bucket", "")
	v.SetDefault("sinks.parquet.gcs.bucket", "")
}

// Load reads configuration from an optional YAML file, a .env file and the
// environment, then validates it. path may be empty, in which case
// ./config.yaml is used when present.
func Load(path string) (*AppConfig, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional secret names work without the prefix.
	_ = v.BindEnv("sinks.featurestore.api_key", EnvPrefix+"_SINKS_FEATURESTORE_API_KEY", "HOPSWORKS_API_KEY")
	_ = v.BindEnv("geocoding.api_key", EnvPrefix+"_GEOCODING_API_KEY", "GOOGLE_GEOCODING_API_KEY")

	cfg := &AppConfig{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Cities) == 0 {
		cfg.Cities = DefaultCitySpecs()
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration and reports every problem at once.
func Validate(cfg *AppConfig) error {
	validate := validator.New()
	var result *multierror.Error

	appendValidation := func(section string, err error) {
		if err == nil {
			return
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("%s: %s failed %q", section, fe.Namespace(), fe.Tag()))
			}
			return
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", section, err))
	}

	appendValidation("config", validate.Struct(cfg))

	if _, err := cfg.Location(); err != nil {
		result = multierror.Append(result, fmt.Errorf("open_meteo.timezone: %w", err))
	}

	seen := map[string]bool{}
	for _, c := range cfg.Cities {
		if seen[c.Name] {
			result = multierror.Append(result, fmt.Errorf("cities: duplicate city %q", c.Name))
		}
		seen[c.Name] = true
		if (c.Latitude == nil || c.Longitude == nil) && cfg.Geocoding.APIKey == "" {
			result = multierror.Append(result, fmt.Errorf("cities: %q has no coordinates and geocoding.api_key is not set", c.Name))
		}
	}

	for _, name := range cfg.Sinks.Enabled {
		switch name {
		case SinkFeatureStore:
			appendValidation("sinks.featurestore", validate.Struct(cfg.Sinks.FeatureStore))
		case SinkSQL:
			appendValidation("sinks.sql", validate.Struct(cfg.Sinks.SQL))
		case SinkInflux:
			appendValidation("sinks.influx", validate.Struct(cfg.Sinks.Influx))
		case SinkParquet:
			appendValidation("sinks.parquet", validate.Struct(cfg.Sinks.Parquet))
		default:
			result = multierror.Append(result, fmt.Errorf("sinks.enabled: unknown sink %q", name))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", weather.ErrInvalidInput, err)
	}
	return nil
}
