// Package leneda reads metering data from the Leneda energy data platform.
package leneda

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energybill/pkg/common"
	"github.com/raterudder/energybill/pkg/metrics"
)

// ErrNotConfigured is returned when credentials or meters are missing.
var ErrNotConfigured = errors.New("leneda is not configured")

// AggregationLevel is the bucket size of an aggregated series.
type AggregationLevel string

const (
	AggregationInfinite AggregationLevel = "Infinite"
	AggregationMonth    AggregationLevel = "Month"
)

// AggregatedPoint is one bucket of an aggregated series.
type AggregatedPoint struct {
	Value      float64   `json:"value"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	Calculated bool      `json:"calculated"`
}

// AggregatedSeries is the response of the aggregated time-series endpoint.
type AggregatedSeries struct {
	Unit   string            `json:"unit"`
	Points []AggregatedPoint `json:"aggregatedTimeSeries"`
}

// Sum adds up every bucket.
func (s AggregatedSeries) Sum() float64 {
	var sum float64
	for _, p := range s.Points {
		sum += p.Value
	}
	return sum
}

// Point is one raw metering interval.
type Point struct {
	Value      float64   `json:"value"`
	StartedAt  time.Time `json:"startedAt"`
	Type       string    `json:"type"`
	Version    int       `json:"version"`
	Calculated bool      `json:"calculated"`
}

// Series is the response of the raw time-series endpoint.
type Series struct {
	Unit           string  `json:"unit"`
	IntervalLength string  `json:"intervalLength"`
	Items          []Point `json:"items"`
}

// Client calls the Leneda REST API.
type Client struct {
	client   *http.Client
	apiURL   string
	apiKey   string
	energyID string
}

// Configured sets up the Leneda client from flags.
func Configured() *Client {
	apiURL := lflag.String("leneda-api-url", "https://api.leneda.eu", "Base URL of the Leneda API")
	apiKey := lflag.String("leneda-api-key", "", "Leneda API key")
	energyID := lflag.String("leneda-energy-id", "", "Leneda energy id")
	timeout := lflag.Duration("leneda-timeout", 30*time.Second, "Timeout for a single Leneda API request")

	c := &Client{}
	lflag.Do(func() {
		*c = *New(*apiURL, *apiKey, *energyID, *timeout)
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("leneda validation failed: %v", err))
		}
	})
	return c
}

// New returns a client for the given credentials.
func New(apiURL, apiKey, energyID string, timeout time.Duration) *Client {
	return &Client{
		client:   common.HTTPClient(timeout),
		apiURL:   apiURL,
		apiKey:   apiKey,
		energyID: energyID,
	}
}

// Validate checks the configured url. Missing credentials are not an error
// here, requests fail with ErrNotConfigured instead.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("leneda-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse leneda url (%s): %w", c.apiURL, err)
	}
	return nil
}

// HasCredentials returns true if an API key and energy id are set.
func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.energyID != ""
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	if !c.HasCredentials() {
		return ErrNotConfigured
	}
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	u = u.JoinPath(path)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-ENERGY-ID", c.energyID)

	start := time.Now()
	err = common.DoJSON(c.client, req, out)
	metrics.ObserveLenedaRequest(endpoint, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("leneda %s request failed: %w", endpoint, err)
	}
	return nil
}

// AggregatedSeries returns the accumulated values of obis on a metering
// point for the calendar days from start to end inclusive.
func (c *Client) AggregatedSeries(ctx context.Context, meterID, obis string, start, end time.Time, level AggregationLevel) (AggregatedSeries, error) {
	if meterID == "" {
		return AggregatedSeries{}, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("obisCode", obis)
	q.Set("startDate", start.Format(time.DateOnly))
	q.Set("endDate", end.Format(time.DateOnly))
	q.Set("aggregationLevel", string(level))
	q.Set("transformationMode", "Accumulation")

	var res AggregatedSeries
	if err := c.get(ctx, "aggregated", "/api/metering-points/"+url.PathEscape(meterID)+"/time-series/aggregated", q, &res); err != nil {
		return AggregatedSeries{}, err
	}
	return res, nil
}

// TimeSeries returns the raw intervals of obis between start and end.
func (c *Client) TimeSeries(ctx context.Context, meterID, obis string, start, end time.Time) (Series, error) {
	if meterID == "" {
		return Series{}, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("obisCode", obis)
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))

	var res Series
	if err := c.get(ctx, "timeseries", "/api/metering-points/"+url.PathEscape(meterID)+"/time-series", q, &res); err != nil {
		return Series{}, err
	}
	return res, nil
}

// Test verifies the credentials by reading yesterday's consumption of
// meterID.
func (c *Client) Test(ctx context.Context, meterID string) error {
	y := time.Now().AddDate(0, 0, -1)
	_, err := c.AggregatedSeries(ctx, meterID, OBISConsumption, y, y, AggregationInfinite)
	return err
}
