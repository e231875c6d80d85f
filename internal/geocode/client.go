// Package geocode resolves free-text addresses through the French national
// address API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public BAN endpoint.
	DefaultBaseURL           = "https://api-adresse.data.gouv.fr"
	defaultTimeout           = 2 * time.Second
	defaultRequestsPerSecond = 10
	maxResponseBytes         = 1 << 20
)

// Config wires a Client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client queries the address search endpoint.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient constructs a Client with defaults for empty fields.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("geocode: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}, nil
}

type featureCollection struct {
	Features []Feature `json:"features"`
}

// Search returns up to limit candidates for query. An empty query yields no
// candidates. Failures are ExternalService errors.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		metrics.RecordGeocode("error")
		return nil, apperr.ExternalService("geocode.search", "rate_limited", "address lookup unavailable", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	endpoint := c.baseURL + "/search/?" + params.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		metrics.RecordGeocode("error")
		return nil, apperr.ExternalService("geocode.search", "request_invalid", "address lookup unavailable", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		metrics.RecordGeocode("error")
		return nil, apperr.ExternalService("geocode.search", "transport_failed", "address lookup unavailable", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		metrics.RecordGeocode("error")
		return nil, apperr.ExternalService("geocode.search", "unexpected_status", "address lookup unavailable",
			errors.New(response.Status))
	}

	var collection featureCollection
	decoder := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes))
	if err := decoder.Decode(&collection); err != nil {
		metrics.RecordGeocode("error")
		return nil, apperr.ExternalService("geocode.search", "decode_failed", "address lookup unavailable", err)
	}

	candidates := make([]Candidate, 0, len(collection.Features))
	for _, feature := range collection.Features {
		candidates = append(candidates, candidateFrom(feature))
		if len(candidates) == limit {
			break
		}
	}
	if len(candidates) == 0 {
		metrics.RecordGeocode("miss")
	} else {
		metrics.RecordGeocode("hit")
	}
	c.logger.Debug("address lookup", zap.String("query", query), zap.Int("results", len(candidates)))
	return candidates, nil
}
