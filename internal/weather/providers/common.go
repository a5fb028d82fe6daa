package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls the per-endpoint circuit breaker. Only connection
// failures count against it; any HTTP response, whatever its status, is a success.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// DefaultBreakerConfig returns the breaker settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            1 * time.Minute,
		Timeout:             2 * time.Minute,
		ConsecutiveFailures: 5,
	}
}

var (
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
	// errCallerGone marks a request abandoned because the caller's context
	// ended. It is the only error the breaker does not count as a failure.
	errCallerGone = errors.New("request context ended")
)

// connectionError marks a request that never produced an HTTP response.
type connectionError struct {
	endpoint string
	err      error
}

func (e *connectionError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.endpoint, e.err)
}

func (e *connectionError) Unwrap() error { return e.err }

func isConnectionError(err error) bool {
	var ce *connectionError
	return errors.As(err, &ce)
}

// endpoint is one upstream URL guarded by its own breaker.
type endpoint struct {
	name string
	url  string
	cb   *gobreaker.CircuitBreaker
}

func newEndpoint(name, rawURL string, cfg BreakerConfig) endpoint {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
	})
	return endpoint{name: name, url: rawURL, cb: cb}
}

// doRequest sends one request through the endpoint's breaker. Transport errors,
// client timeouts and an open breaker come back as *connectionError; the
// caller's own cancellation or deadline is returned as the context's error and
// never counts against the breaker. Any HTTP response is returned to the caller.
func doRequest(ctx context.Context, client *http.Client, ep endpoint, buildRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	result, err := ep.cb.Execute(func() (interface{}, error) {
		resp, err := client.Do(req)
		if err != nil && req.Context().Err() != nil {
			return nil, fmt.Errorf("%w: %v", errCallerGone, err)
		}
		return resp, err
	})
	if err == nil {
		resp, ok := result.(*http.Response)
		if !ok {
			return nil, fmt.Errorf("unexpected result type from circuit breaker")
		}
		return resp, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &connectionError{endpoint: ep.name, err: fmt.Errorf("%w: %v", errCircuitOpen, err)}
	}
	return nil, &connectionError{endpoint: ep.name, err: err}
}
