package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paystream/fraud-engine/configs"
	"github.com/paystream/fraud-engine/internal/features"
)

func newTestClient(url string) *Client {
	return NewClient(configs.MLConfig{
		Enabled:    true,
		ServiceURL: url,
		Weight:     0.5,
		Timeout:    500 * time.Millisecond,
	})
}

func sampleVector() []float64 {
	return make([]float64, features.Arity)
}

func TestPredictParsesProbability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/predict", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Features, features.Arity)

		json.NewEncoder(w).Encode(predictResponse{FraudProbability: 0.82, ModelVersion: "fraud-xgb-v1"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Equal(t, 0.82, c.Predict(context.Background(), sampleVector()))
}

func TestPredictClampsOutOfRange(t *testing.T) {
	for _, tc := range []struct {
		raw  float64
		want float64
	}{
		{-0.3, 0},
		{1.7, 1},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(predictResponse{FraudProbability: tc.raw})
		}))
		c := newTestClient(srv.URL)
		assert.Equal(t, tc.want, c.Predict(context.Background(), sampleVector()))
		srv.Close()
	}
}

func TestPredictFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Equal(t, float64(0), c.Predict(context.Background(), sampleVector()))
}

func TestPredictFallsBackOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Equal(t, float64(0), c.Predict(context.Background(), sampleVector()))
}

func TestPredictFallsBackOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Equal(t, float64(0), c.Predict(context.Background(), sampleVector()))
}

func TestPredictDisabledByConfig(t *testing.T) {
	c := NewClient(configs.MLConfig{Enabled: false, ServiceURL: "http://unused", Timeout: time.Second})
	assert.Equal(t, float64(0), c.Predict(context.Background(), sampleVector()))
	assert.False(t, c.Enabled())
}

func TestVerifyFeatureContractMismatchDisables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/features", r.URL.Path)
		json.NewEncoder(w).Encode(featuresResponse{
			Features:     make([]string, features.Arity-1),
			ModelVersion: "fraud-xgb-v0",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.VerifyFeatureContract(context.Background())

	assert.False(t, c.Enabled())
	assert.Equal(t, float64(0), c.Predict(context.Background(), sampleVector()))
}

func TestVerifyFeatureContractMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(featuresResponse{
			Features:     make([]string, features.Arity),
			ModelVersion: "fraud-xgb-v1",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.VerifyFeatureContract(context.Background())
	assert.True(t, c.Enabled())
}

func TestVerifyFeatureContractUnreachableIsNotMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.VerifyFeatureContract(context.Background())
	assert.True(t, c.Enabled())
}

func TestIsHealthy(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		healthy bool
	}{
		{"up", http.StatusOK, `{"status":"UP"}`, true},
		{"down body", http.StatusOK, `{"status":"DOWN"}`, false},
		{"error status", http.StatusServiceUnavailable, `{"status":"UP"}`, false},
		{"malformed", http.StatusOK, `garbage`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(srv.URL)
			assert.Equal(t, tc.healthy, c.IsHealthy(context.Background()))
		})
	}
}
