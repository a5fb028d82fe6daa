package weather

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRequest describes one pipeline run. A zero Dates means today.
type RunRequest struct {
	Dates   DateRange
	Trigger string
}

// RunReport summarizes a finished run.
type RunReport struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Dates      DateRange `json:"dates"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     RunStatus `json:"status"`
	Rows       int       `json:"rows"`
	Cities     []string  `json:"cities"`
	Sinks      []string  `json:"sinks"`
	Error      string    `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r RunReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

type runIDKey struct{}

// ContextWithRunID tags ctx with the id of the run it belongs to.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id set by ContextWithRunID.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger runs are reported to.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithRecorder sets the Recorder that receives run and sink measurements.
func WithRecorder(rec Recorder) Option {
	return func(s *Service) { s.rec = rec }
}

// WithLocation sets the location used to resolve "today" for runs without dates.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs the pipeline: fetch, aggregate, derive features, write sinks.
// It is the only place where a stage failure is turned into an aborted run.
type Service struct {
	fetcher Fetcher
	cities  CityTable
	sinks   []Sink
	store   RunStore

	log *zap.SugaredLogger
	rec Recorder
	loc *time.Location
	now func() time.Time

	mu      sync.Mutex
	running bool
}

// NewService creates a new Service.
func NewService(fetcher Fetcher, cities CityTable, sinks []Sink, store RunStore, opts ...Option) *Service {
	s := &Service{
		fetcher: fetcher,
		cities:  cities,
		sinks:   sinks,
		store:   store,
		log:     zap.NewNop().Sugar(),
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cities returns the configured city table.
func (s *Service) Cities() CityTable { return s.cities }

// Run executes one pipeline run. Only one run may execute at a time; a
// concurrent call returns ErrRunInProgress without recording anything.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunReport, error) {
	if !s.tryStart() {
		return RunReport{}, ErrRunInProgress
	}
	defer s.finish()

	if req.Dates.IsZero() {
		req.Dates = SingleDay(s.now().In(s.loc))
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}

	report := RunReport{
		ID:        uuid.NewString(),
		Trigger:   req.Trigger,
		Dates:     req.Dates,
		StartedAt: s.now().UTC(),
		Status:    RunRunning,
	}
	for _, sk := range s.sinks {
		report.Sinks = append(report.Sinks, sk.Name())
	}

	ctx = ContextWithRunID(ctx, report.ID)
	ctx, span := tracer.Start(ctx, "weather.Run", trace.WithAttributes(
		attribute.String("run.id", report.ID),
		attribute.String("run.trigger", report.Trigger),
	))
	defer span.End()

	log := s.log.With("run_id", report.ID, "trigger", report.Trigger)
	log.Infow("pipeline run started", "dates", req.Dates.String(), "cities", len(s.cities))

	features, err := s.execute(ctx, log, req.Dates)
	report.FinishedAt = s.now().UTC()
	report.Rows = len(features)
	report.Cities = features.Cities()

	if err != nil {
		report.Status = RunFailed
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		log.Errorw("pipeline run failed", "error", err, "elapsed", report.Duration())
	} else {
		report.Status = RunSucceeded
		if s.store != nil {
			s.store.SaveFeatures(report.ID, features)
		}
		log.Infow("pipeline run finished", "rows", report.Rows, "elapsed", report.Duration())
	}

	if s.store != nil {
		s.store.SaveRun(report)
	}
	if s.rec != nil {
		s.rec.RunFinished(report.Status, report.Rows, report.Duration())
	}
	return report, err
}

func (s *Service) execute(ctx context.Context, log *zap.SugaredLogger, dates DateRange) (FeatureTable, error) {
	table, err := Aggregate(ctx, s.fetcher, s.cities, dates)
	if err != nil {
		return nil, err
	}

	features := DeriveFeatures(table)
	log.Infow("features derived", "rows", len(features))

	for _, sk := range s.sinks {
		if err := s.write(ctx, sk, features); err != nil {
			return features, err
		}
		log.Infow("sink write complete", "sink", sk.Name(), "rows", len(features))
	}
	return features, nil
}

func (s *Service) write(ctx context.Context, sk Sink, features FeatureTable) error {
	ctx, span := tracer.Start(ctx, "weather.Sink/"+sk.Name())
	defer span.End()

	err := sk.Write(ctx, features)
	if s.rec != nil {
		s.rec.SinkWrite(sk.Name(), len(features), err)
	}
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "write failed")

	var se *SinkError
	if errors.As(err, &se) {
		return err
	}
	return &SinkError{Sink: sk.Name(), Err: fmt.Errorf("write %d rows: %w", len(features), err)}
}

func (s *Service) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
