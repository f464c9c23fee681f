package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"torident/internal/config"
	"torident/internal/types"
)

const (
	defaultAPIBase = "https://www.virustotal.com/api/v3"

	// settleDelay gives the scanning backend time to aggregate analysis
	// stats before the single poll.
	settleDelay = 2 * time.Second

	requestTimeout = 10 * time.Second
)

// Checker submits targets to a reputation-scanning service and derives
// a threat verdict from the aggregated analysis counts. It follows the
// same failure discipline as the lookups: verdicts degrade, calls never
// return errors.
type Checker struct {
	cfg     config.ReputationConfig
	apiBase string
	settle  time.Duration
	logger  *zap.Logger
	client  *http.Client
}

// submitResponse is the submission acknowledgement carrying the analysis ID.
type submitResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// analysisResponse carries the aggregated scan stats.
type analysisResponse struct {
	Data struct {
		Attributes struct {
			Stats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Undetected int `json:"undetected"`
			} `json:"stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// New creates a Checker.
func New(cfg config.ReputationConfig, logger *zap.Logger) *Checker {
	return &Checker{
		cfg:     cfg,
		apiBase: defaultAPIBase,
		settle:  settleDelay,
		logger:  logger,
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// SetAPIBase overrides the service base URL. Used by tests.
func (c *Checker) SetAPIBase(base string) {
	c.apiBase = strings.TrimRight(base, "/")
}

// SetSettleDelay overrides the submit-to-poll delay. Used by tests.
func (c *Checker) SetSettleDelay(d time.Duration) {
	c.settle = d
}

// ShouldBlock reports whether the verdict warrants blocking the target
// under the configured policy.
func (c *Checker) ShouldBlock(verdict types.ReputationVerdict) bool {
	return c.cfg.BlockSuspicious && !verdict.IsSafe &&
		(verdict.ThreatLevel == types.ThreatSuspicious || verdict.ThreatLevel == types.ThreatMalicious)
}

// Check submits the target for scanning and polls once for analysis
// stats. A missing credential or empty target yields an "unknown"
// verdict with no network call.
func (c *Checker) Check(ctx context.Context, target string) types.ReputationVerdict {
	if c.cfg.APIKey == "" || target == "" {
		return types.ReputationVerdict{
			Target:      target,
			ThreatLevel: types.ThreatUnknown,
			Details:     "API key is missing",
		}
	}

	verdict, err := c.check(ctx, target)
	if err != nil {
		details := fmt.Sprintf("error checking reputation: %v", err)
		if isTimeout(err) {
			details = "timeout"
		}
		c.logger.Warn("Reputation check failed",
			zap.String("target", target),
			zap.Error(err))
		return types.ReputationVerdict{
			Target:      target,
			ThreatLevel: types.ThreatError,
			Details:     details,
		}
	}

	return verdict
}

// check runs the two-step submit-then-poll exchange.
func (c *Checker) check(ctx context.Context, target string) (types.ReputationVerdict, error) {
	analysisID, status, err := c.submit(ctx, target)
	if err != nil {
		return types.ReputationVerdict{}, err
	}
	if status != http.StatusOK {
		return types.ReputationVerdict{
			Target:      target,
			ThreatLevel: types.ThreatError,
			Details:     fmt.Sprintf("reputation API error: %d", status),
		}, nil
	}

	select {
	case <-ctx.Done():
		return types.ReputationVerdict{}, ctx.Err()
	case <-time.After(c.settle):
	}

	stats, err := c.fetchAnalysis(ctx, analysisID)
	if err != nil {
		return types.ReputationVerdict{}, err
	}

	level := types.ThreatClean
	if stats.Malicious > 0 {
		level = types.ThreatMalicious
	} else if stats.Suspicious > 0 {
		level = types.ThreatSuspicious
	}

	return types.ReputationVerdict{
		Target:       target,
		IsSafe:       level == types.ThreatClean,
		ThreatLevel:  level,
		ThreatCount:  stats.Malicious + stats.Suspicious,
		AnalysisDate: time.Now().Format(types.TimestampFormat),
		Details: fmt.Sprintf("Malicious: %d | Suspicious: %d | Clean: %d",
			stats.Malicious, stats.Suspicious, stats.Undetected),
	}, nil
}

// submit posts the target for scanning and returns the analysis ID.
// A non-200 status is reported to the caller, not treated as an error.
func (c *Checker) submit(ctx context.Context, target string) (string, int, error) {
	form := url.Values{"url": {target}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read submission response: %w", err)
	}

	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", 0, fmt.Errorf("failed to parse submission response: %w", err)
	}
	if sr.Data.ID == "" {
		return "", 0, fmt.Errorf("submission response has no analysis ID")
	}

	return sr.Data.ID, http.StatusOK, nil
}

// fetchAnalysis retrieves the aggregated stats for one analysis.
func (c *Checker) fetchAnalysis(ctx context.Context, analysisID string) (*analysisStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/analyses/%s", c.apiBase, analysisID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-apikey", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis response: %w", err)
	}

	var ar analysisResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	return &analysisStats{
		Malicious:  ar.Data.Attributes.Stats.Malicious,
		Suspicious: ar.Data.Attributes.Stats.Suspicious,
		Undetected: ar.Data.Attributes.Stats.Undetected,
	}, nil
}

// analysisStats are the aggregate counts a verdict derives from.
type analysisStats struct {
	Malicious  int
	Suspicious int
	Undetected int
}

// isTimeout reports whether err represents a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
