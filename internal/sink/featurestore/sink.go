package featurestore

import (
	"context"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"go.uber.org/zap"
)

const (
	DefaultFeatureGroup = "weather_feature_group"
	DefaultVersion      = 1
)

// Config selects the project and feature group a Sink writes to.
type Config struct {
	Credentials  `mapstructure:",squash"`
	FeatureGroup string `mapstructure:"feature_group"`
	Version      int    `mapstructure:"version" validate:"gte=1"`
	BatchSize    int    `mapstructure:"batch_size"`
}

// Sink logs in, resolves the feature group and inserts the table on every Write.
type Sink struct {
	client *Client
	cfg    Config
	log    *zap.SugaredLogger
}

var _ weather.Sink = (*Sink)(nil)

// NewSink builds a sink for the configured feature group. An empty group
// name or zero version takes the defaults.
func NewSink(client *Client, cfg Config, log *zap.SugaredLogger) *Sink {
	if cfg.FeatureGroup == "" {
		cfg.FeatureGroup = DefaultFeatureGroup
	}
	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sink{client: client, cfg: cfg, log: log}
}

func (s *Sink) Name() string { return "featurestore" }

// Write authenticates, gets or creates the feature group and inserts the
// table. Each step runs on every call; nothing is cached between runs.
func (s *Sink) Write(ctx context.Context, features weather.FeatureTable) error {
	session, err := s.client.Login(ctx, s.cfg.Credentials)
	if err != nil {
		return err
	}
	group, err := session.GetOrCreateFeatureGroup(ctx, s.cfg.FeatureGroup, s.cfg.Version)
	if err != nil {
		return err
	}
	if err := group.Insert(ctx, features); err != nil {
		return err
	}
	s.log.Infow("inserted rows into feature group",
		"project", session.ProjectName,
		"feature_group", group.Name,
		"version", group.Version,
		"rows", len(features))
	return nil
}
