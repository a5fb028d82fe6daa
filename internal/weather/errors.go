package weather

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable means no endpoint could be reached at the connection level.
	ErrNetworkUnavailable = errors.New("weather endpoint unreachable")
	// ErrMalformedResponse covers HTTP error statuses and payloads that cannot be read.
	ErrMalformedResponse = errors.New("malformed weather response")
	// ErrSinkFailure wraps any failure to authenticate to or write into a sink.
	ErrSinkFailure = errors.New("sink failure")
	// ErrInvalidInput is returned for bad dates, cities or run requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRunInProgress is returned when a run is requested while another one is executing.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
)

// CityFetchError identifies the city whose fetch aborted a run.
type CityFetchError struct {
	City string
	Err  error
}

func (e *CityFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.City, e.Err)
}

func (e *CityFetchError) Unwrap() error { return e.Err }

// SinkError identifies the sink that failed. It always matches ErrSinkFailure.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() []error { return []error{ErrSinkFailure, e.Err} }
