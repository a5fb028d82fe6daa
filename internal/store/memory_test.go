package store

import (
	"testing"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(id string, started time.Time) weather.RunReport {
	return weather.RunReport{ID: id, StartedAt: started, Status: weather.RunSucceeded}
}

func TestMemoryStore_LatestAndList(t *testing.T) {
	s := NewMemoryStore(0, 0)

	_, err := s.Latest()
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now()
	s.SaveRun(report("a", now))
	s.SaveRun(report("b", now.Add(time.Minute)))

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "b", latest.ID)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestMemoryStore_CountRetention(t *testing.T) {
	s := NewMemoryStore(2, 0)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		s.SaveRun(report(id, now))
	}
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestMemoryStore_AgeRetention(t *testing.T) {
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(0, time.Hour)
	s.now = func() time.Time { return now }

	s.SaveRun(report("old", now.Add(-3*time.Hour)))
	s.SaveRun(report("recent", now.Add(-30*time.Minute)))
	s.SaveRun(report("new", now))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "recent", list[1].ID)
}

func TestMemoryStore_AgeRetentionKeepsNewest(t *testing.T) {
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(0, time.Hour)
	s.now = func() time.Time { return now }

	s.SaveRun(report("stale", now.Add(-5*time.Hour)))
	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "stale", latest.ID)
}

func TestMemoryStore_LatestFeatures(t *testing.T) {
	s := NewMemoryStore(0, 0)

	_, err := s.LatestFeatures("")
	assert.ErrorIs(t, err, ErrNotFound)

	s.SaveFeatures("run-1", weather.FeatureTable{
		{ObservationRow: weather.ObservationRow{CityName: "Paris"}},
		{ObservationRow: weather.ObservationRow{CityName: "Rome"}, IndexColumn: 1},
	})

	all, err := s.LatestFeatures("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rome, err := s.LatestFeatures("Rome")
	require.NoError(t, err)
	require.Len(t, rome, 1)
	assert.Equal(t, 1, rome[0].IndexColumn)

	_, err = s.LatestFeatures("Oslo")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "run-1", s.LatestFeaturesRunID())
}
