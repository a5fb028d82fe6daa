package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
)

var (
	// ErrNotFound is returned when no run or feature data is available.
	ErrNotFound = errors.New("no pipeline data available")
)

// MemoryStore is a concurrency-safe in-memory store of run reports and the
// feature table of the most recent successful run.
type MemoryStore struct {
	mu sync.RWMutex

	runs []weather.RunReport // oldest first

	featuresRunID string
	features      weather.FeatureTable

	// retention configuration
	maxHistory int           // max number of run reports kept
	maxAge     time.Duration // optional max age for run reports

	now func() time.Time
}

var _ weather.RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// SaveRun appends a report and enforces retention.
func (s *MemoryStore) SaveRun(report weather.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, report)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(s.runs) > s.maxHistory {
		over := len(s.runs) - s.maxHistory
		s.runs = s.runs[over:]
	}

	// Enforce retention by age. The newest report is always kept.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.runs)-1; i++ {
			if !s.runs[i].StartedAt.Before(cutoff) {
				break
			}
		}
		s.runs = s.runs[i:]
	}
}

// SaveFeatures replaces the retained feature table.
func (s *MemoryStore) SaveFeatures(runID string, features weather.FeatureTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.featuresRunID = runID
	s.features = features
}

// Latest returns the most recent run report.
func (s *MemoryStore) Latest() (weather.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.runs) == 0 {
		return weather.RunReport{}, ErrNotFound
	}
	return s.runs[len(s.runs)-1], nil
}

// List returns retained reports, newest first.
func (s *MemoryStore) List() []weather.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]weather.RunReport, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
	}
	return out
}

// LatestFeatures returns the last successful feature table, optionally
// filtered to one city.
func (s *MemoryStore) LatestFeatures(city string) (weather.FeatureTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.features) == 0 {
		return nil, ErrNotFound
	}
	if city == "" {
		return append(weather.FeatureTable(nil), s.features...), nil
	}
	rows := s.features.ForCity(city)
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows, nil
}

// LatestFeaturesRunID is the run that produced the retained feature table.
func (s *MemoryStore) LatestFeaturesRunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.featuresRunID
}
