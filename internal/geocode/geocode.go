// Package geocode provides reverse geocoding against a Nominatim-compatible
// endpoint. Calls are bounded by a per-call timeout and rate-limited to
// respect the public usage policy.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Geocoder resolves a coordinate to an ISO 3166-1 alpha-2 country code.
type Geocoder interface {
	// ReverseGeocode returns the lowercase country code, or "" when the
	// coordinate resolves to no country (open water, disputed voids).
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// Client is a Nominatim reverse geocoding client.
type Client struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a reverse geocoding client. timeout bounds each call.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = "https://nominatim.openstreetmap.org"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		// Nominatim usage policy: at most one request per second.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// ReverseGeocode resolves lat/lon to a lowercase country code.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("geocode: rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lon))
	q.Set("zoom", "3") // country-level resolution is all we need

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("geocode: failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "eventline/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("geocode: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocode: status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Address struct {
			CountryCode string `json:"country_code"`
		} `json:"address"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("geocode: failed to parse response: %w", err)
	}

	// Nominatim reports "Unable to geocode" for open water.
	if result.Error != "" {
		return "", nil
	}

	return strings.ToLower(result.Address.CountryCode), nil
}
