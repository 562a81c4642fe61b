package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/paystream/fraud-engine/configs"
	"github.com/paystream/fraud-engine/internal/features"
	"github.com/paystream/fraud-engine/internal/metrics"
)

// Client calls the external fraud-model prediction service. Every failure
// mode (timeout, transport error, malformed response, open breaker,
// disabled-by-config) degrades to the neutral probability 0.0; the client
// never propagates an error to the pipeline.
type Client struct {
	baseURL    string
	httpClient *http.Client
	enabled    bool
	weight     float64
	disabled   atomic.Bool // set when the feature contract disagrees
	breaker    *gobreaker.CircuitBreaker
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	FraudProbability float64 `json:"fraud_probability"`
	ModelVersion     string  `json:"model_version"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type featuresResponse struct {
	Features     []string `json:"features"`
	ModelVersion string   `json:"model_version"`
}

// NewClient creates a model client with the configured per-call deadline.
func NewClient(cfg configs.MLConfig) *Client {
	return &Client{
		baseURL:    cfg.ServiceURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		enabled:    cfg.Enabled,
		weight:     cfg.Weight,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "ml-predict",
			Interval: 60 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("Model circuit breaker state changed")
			},
		}),
	}
}

// VerifyFeatureContract fetches the model's advertised feature list and
// disables scoring for the process lifetime when the arity disagrees with
// the extractor. Unreachable metadata is not a mismatch; the per-call
// fallback already covers an absent service.
func (c *Client) VerifyFeatureContract(ctx context.Context) {
	if !c.enabled {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/features", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Model feature metadata unavailable, skipping contract check")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("Model feature metadata unavailable, skipping contract check")
		return
	}

	var meta featuresResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		log.Warn().Err(err).Msg("Failed to decode model feature metadata")
		return
	}

	if len(meta.Features) != features.Arity {
		c.disabled.Store(true)
		log.Error().
			Int("model_features", len(meta.Features)).
			Int("extractor_features", features.Arity).
			Str("model_version", meta.ModelVersion).
			Msg("Model feature contract mismatch, disabling model scoring")
		return
	}

	log.Info().
		Str("model_version", meta.ModelVersion).
		Int("features", len(meta.Features)).
		Msg("Model feature contract verified")
}

// Predict returns the model's fraud probability in [0,1] for the feature
// vector, or 0.0 when the model is disabled or the call fails.
func (c *Client) Predict(ctx context.Context, vector []float64) float64 {
	if !c.enabled || c.disabled.Load() {
		metrics.ModelFallbacksTotal.Inc()
		return 0
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.predict(ctx, vector)
	})
	if err != nil {
		metrics.ModelFallbacksTotal.Inc()
		log.Warn().Err(err).Msg("Model prediction failed, scoring without model")
		return 0
	}

	p := result.(float64)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func (c *Client) predict(ctx context.Context, vector []float64) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: vector})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("predict call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("predict returned status %d", resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, fmt.Errorf("malformed predict response: %w", err)
	}
	return pr.FraudProbability, nil
}

// IsHealthy probes the model service health endpoint.
func (c *Client) IsHealthy(ctx context.Context) bool {
	if !c.enabled || c.disabled.Load() {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return false
	}
	return hr.Status == "UP"
}

// Enabled reports whether model scoring participates in decisions.
func (c *Client) Enabled() bool {
	return c.enabled && !c.disabled.Load()
}

// Weight is the configured model weight for score blending.
func (c *Client) Weight() float64 {
	return c.weight
}
