package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"torident/internal/types"
)

// lookupTimeout bounds a single geolocation lookup.
const lookupTimeout = 10 * time.Second

// Locator resolves an address to a (country, city) pair. It never
// returns an error: any failure yields the sentinel pair instead.
type Locator struct {
	baseURL string
	logger  *zap.Logger
	client  *http.Client
}

// response is the subset of the geolocation body we care about.
// Missing fields are substituted with the sentinel.
type response struct {
	CountryName string `json:"country_name"`
	City        string `json:"city"`
}

// New creates a Locator against the given service base URL.
func New(baseURL string, logger *zap.Logger) *Locator {
	return &Locator{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		client: &http.Client{
			Timeout: lookupTimeout,
		},
	}
}

// Locate returns the country and city for the given address. An empty
// or undetermined address short-circuits to the sentinel pair without
// a network call.
func (l *Locator) Locate(ctx context.Context, address string) (country, city string) {
	if !types.IsDetermined(address) {
		return types.Undetermined, types.Undetermined
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	country, city, err := l.lookup(ctx, address)
	if err != nil {
		l.logger.Warn("Geolocation lookup failed",
			zap.String("address", address),
			zap.Error(err))
		return types.Undetermined, types.Undetermined
	}

	return country, city
}

// lookup performs one bounded-timeout geolocation request.
func (l *Locator) lookup(ctx context.Context, address string) (string, string, error) {
	endpoint := fmt.Sprintf("%s/%s/json/", l.baseURL, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", fmt.Errorf("failed to parse response: %w", err)
	}

	country, city := r.CountryName, r.City
	if country == "" {
		country = types.Undetermined
	}
	if city == "" {
		city = types.Undetermined
	}

	return country, city, nil
}
