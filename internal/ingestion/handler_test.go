package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paystream/fraud-engine/internal/models"
)

type fakePublisher struct {
	published []*models.Transaction
	err       error
}

func (f *fakePublisher) Publish(tx *models.Transaction) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, tx)
	return nil
}

func newTestRouter(pub *fakePublisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(NewService(pub)).Register(router.Group("/api"))
	return router
}

func post(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIngestTransactionAccepted(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(pub)

	w := post(t, router, "/api/transactions", TransactionRequest{
		TransactionID: "tx-1",
		UserID:        "u1",
		Amount:        42.5,
		Currency:      "USD",
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "tx-1", pub.published[0].TransactionID)
	assert.Equal(t, "u1", pub.published[0].UserID)

	var resp TransactionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tx-1", resp.TransactionID)
	assert.Equal(t, "accepted", resp.Status)
}

func TestIngestMintsTransactionID(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(pub)

	w := post(t, router, "/api/transactions", TransactionRequest{UserID: "u1", Amount: 10})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.published, 1)
	assert.NotEmpty(t, pub.published[0].TransactionID)
	assert.False(t, pub.published[0].OccurredAt.IsZero())
}

func TestIngestPreservesOccurredAt(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(pub)

	occurred := time.Date(2025, 6, 10, 2, 30, 0, 0, time.UTC)
	w := post(t, router, "/api/transactions", TransactionRequest{
		UserID: "u1", Amount: 10, OccurredAt: &occurred,
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, occurred, pub.published[0].OccurredAt)
}

func TestIngestRejectsMissingUserID(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(pub)

	w := post(t, router, "/api/transactions", TransactionRequest{Amount: 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, pub.published)
}

func TestIngestPublisherFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	router := newTestRouter(pub)

	w := post(t, router, "/api/transactions", TransactionRequest{UserID: "u1", Amount: 10})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIngestBatch(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(pub)

	w := post(t, router, "/api/transactions/batch", BatchRequest{
		Transactions: []TransactionRequest{
			{UserID: "u1", Amount: 10},
			{UserID: "u2", Amount: 20},
		},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 0, resp.Failed)
	assert.Len(t, pub.published, 2)
}

func TestIngestBatchRejectsEmpty(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(pub)

	w := post(t, router, "/api/transactions/batch", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
