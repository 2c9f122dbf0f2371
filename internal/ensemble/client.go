// Package ensemble fetches per-tender model features (ensemble probability,
// collusion and causal signals) from the external scoring service.
package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/flags"
)

// Client provides access to the model service.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig holds HTTP transport and retry settings.
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Prediction is the service's answer for one tender. Absent signals are null.
type Prediction struct {
	TenderID       string   `json:"tender_id"`
	Probability    *float64 `json:"probability"`
	CollusionScore *float64 `json:"collusion_score"`
	CausalEffect   *float64 `json:"causal_effect"`
	// FeaturesObserved and FeaturesExpected describe how many model inputs
	// were available for the tender.
	FeaturesObserved int `json:"features_observed"`
	FeaturesExpected int `json:"features_expected"`
}

// Features converts a prediction into aggregator input. A nil prediction
// yields neutral features.
func (p *Prediction) Features() flags.Features {
	if p == nil {
		return flags.Features{}
	}
	return flags.Features{
		EnsembleProbability: p.Probability,
		CollusionScore:      p.CollusionScore,
		CausalEffect:        p.CausalEffect,
		Observed:            p.FeaturesObserved,
		Expected:            p.FeaturesExpected,
	}
}

func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: timeout, Transport: transport},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// Predict returns the model prediction for a tender, or nil when the service
// has none for it.
func (c *Client) Predict(ctx context.Context, tenderID string) (*Prediction, error) {
	u, err := url.Parse(c.baseURL + "/predictions/" + url.PathEscape(tenderID))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prediction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var p Prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	if p.TenderID == "" {
		p.TenderID = tenderID
	}
	return &p, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
