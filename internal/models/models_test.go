package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionValid(t *testing.T) {
	assert.True(t, (&Transaction{TransactionID: "tx-1", UserID: "u1"}).Valid())
	assert.False(t, (&Transaction{UserID: "u1"}).Valid())
	assert.False(t, (&Transaction{TransactionID: "tx-1"}).Valid())
	assert.False(t, (&Transaction{}).Valid())
}

func TestTransactionIgnoresUnknownFields(t *testing.T) {
	payload := []byte(`{"transactionId":"tx-1","userId":"u1","amount":10,"futureField":{"x":1}}`)
	var tx Transaction
	require.NoError(t, json.Unmarshal(payload, &tx))
	assert.True(t, tx.Valid())
	assert.Equal(t, float64(10), tx.Amount)
}

func TestDecisionRankOrdering(t *testing.T) {
	assert.Less(t, DecisionRank(DecisionAllow), DecisionRank(DecisionReview))
	assert.Less(t, DecisionRank(DecisionReview), DecisionRank(DecisionBlock))
	assert.Equal(t, 0, DecisionRank("MAYBE"))
}

func TestBurstReason(t *testing.T) {
	assert.Equal(t, "burst_60s", BurstReason(60))
	assert.Equal(t, "burst_120s", BurstReason(120))
}
