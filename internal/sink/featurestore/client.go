// Package featurestore writes enriched weather tables into a Hopsworks-style
// feature store over its REST API.
package featurestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
)

const (
	apiPrefix        = "/hopsworks-api/api"
	DefaultBatchSize = 500
	maxErrorBody     = 512
)

// Credentials identify a project on a feature store host.
type Credentials struct {
	Host    string `mapstructure:"host" validate:"required"`
	Project string `mapstructure:"project" validate:"required"`
	APIKey  string `mapstructure:"api_key" validate:"required"`
}

var (
	errUnauthorized = errors.New("feature store rejected credentials")
	errNotFound     = errors.New("not found")
)

// Client performs authenticated calls against the feature store API.
type Client struct {
	http      *http.Client
	batchSize int
}

// NewClient wraps httpClient. batchSize <= 0 selects DefaultBatchSize.
func NewClient(httpClient *http.Client, batchSize int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Client{http: httpClient, batchSize: batchSize}
}

// Session is an authenticated handle on one project's feature store.
type Session struct {
	client         *Client
	baseURL        string
	apiKey         string
	ProjectID      int
	ProjectName    string
	FeatureStoreID int
}

// FeatureGroup is a versioned collection rows are inserted into.
type FeatureGroup struct {
	session *Session
	ID      int
	Name    string
	Version int
}

// Login resolves the project and its feature store. Any failure, including
// rejected credentials, is reported as weather.ErrSinkFailure.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Host == "" || creds.Project == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("%w: host, project and api key are required", weather.ErrSinkFailure)
	}
	s := &Session{client: c, baseURL: normalizeHost(creds.Host), apiKey: creds.APIKey}

	var project struct {
		ProjectID   int    `json:"projectId"`
		ProjectName string `json:"projectName"`
	}
	if err := s.do(ctx, http.MethodGet, "/project/getProjectInfo/"+url.PathEscape(creds.Project), nil, &project); err != nil {
		return nil, fmt.Errorf("%w: login: %w", weather.ErrSinkFailure, err)
	}
	s.ProjectID = project.ProjectID
	s.ProjectName = project.ProjectName
	if s.ProjectName == "" {
		s.ProjectName = creds.Project
	}

	var fs struct {
		FeatureStoreID int `json:"featurestoreId"`
	}
	fsName := strings.ToLower(s.ProjectName) + "_featurestore"
	path := fmt.Sprintf("/project/%d/featurestores/%s", s.ProjectID, url.PathEscape(fsName))
	if err := s.do(ctx, http.MethodGet, path, nil, &fs); err != nil {
		return nil, fmt.Errorf("%w: resolve feature store: %w", weather.ErrSinkFailure, err)
	}
	s.FeatureStoreID = fs.FeatureStoreID
	return s, nil
}

type featureSpec struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Primary bool   `json:"primary"`
}

// featureSchema is the column typing sent when a feature group is created.
func featureSchema() []featureSpec {
	types := map[string]string{
		"city_name":           "string",
		"base_time":           "timestamp",
		"forecast_hr":         "int",
		"temperature":         "double",
		"relative_humidity":   "double",
		"weather_code":        "int",
		"wind_speed":          "double",
		"wind_direction":      "double",
		"index_column":        "bigint",
		"hour":                "int",
		"day":                 "int",
		"temperature_diff":    "double",
		"wind_speed_category": "string",
	}
	primary := map[string]bool{"city_name": true, "base_time": true, "forecast_hr": true}

	out := make([]featureSpec, 0, len(weather.FeatureColumns))
	for _, col := range weather.FeatureColumns {
		out = append(out, featureSpec{Name: col, Type: types[col], Primary: primary[col]})
	}
	return out
}

// GetOrCreateFeatureGroup returns the named group, creating it only when the
// store reports it does not exist.
func (s *Session) GetOrCreateFeatureGroup(ctx context.Context, name string, version int) (*FeatureGroup, error) {
	base := fmt.Sprintf("/project/%d/featurestores/%d/featuregroups", s.ProjectID, s.FeatureStoreID)

	var existing []struct {
		ID      int    `json:"id"`
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	path := fmt.Sprintf("%s/%s?version=%d", base, url.PathEscape(name), version)
	err := s.do(ctx, http.MethodGet, path, nil, &existing)
	switch {
	case err == nil && len(existing) > 0:
		return &FeatureGroup{session: s, ID: existing[0].ID, Name: name, Version: version}, nil
	case err == nil, errors.Is(err, errNotFound):
	default:
		return nil, fmt.Errorf("%w: get feature group %s v%d: %w", weather.ErrSinkFailure, name, version, err)
	}

	body := struct {
		Name     string        `json:"name"`
		Version  int           `json:"version"`
		Features []featureSpec `json:"features"`
	}{name, version, featureSchema()}
	var created struct {
		ID int `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, base, body, &created); err != nil {
		return nil, fmt.Errorf("%w: create feature group %s v%d: %w", weather.ErrSinkFailure, name, version, err)
	}
	return &FeatureGroup{session: s, ID: created.ID, Name: name, Version: version}, nil
}

type insertBody struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Insert appends the table in batches. Timestamps are sent as RFC3339 strings
// and NaN values as null.
func (g *FeatureGroup) Insert(ctx context.Context, table weather.FeatureTable) error {
	path := fmt.Sprintf("/project/%d/featurestores/%d/featuregroups/%d/rows",
		g.session.ProjectID, g.session.FeatureStoreID, g.ID)
	size := g.session.client.batchSize

	for start := 0; start < len(table); start += size {
		end := min(start+size, len(table))
		body := insertBody{Columns: weather.FeatureColumns, Rows: make([][]any, 0, end-start)}
		for _, row := range table[start:end] {
			body.Rows = append(body.Rows, encodeRow(row))
		}
		if err := g.session.do(ctx, http.MethodPost, path, body, nil); err != nil {
			return fmt.Errorf("%w: insert rows %d-%d into %s v%d: %w", weather.ErrSinkFailure, start, end-1, g.Name, g.Version, err)
		}
	}
	return nil
}

func encodeRow(row weather.FeatureRow) []any {
	values := row.Values()
	for i, v := range values {
		if ts, ok := v.(time.Time); ok {
			values[i] = ts.Format(time.RFC3339)
		}
	}
	return values
}

func (s *Session) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+apiPrefix+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "ApiKey "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", errUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, errNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func normalizeHost(host string) string {
	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}
