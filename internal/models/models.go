package models

import (
	"strconv"
	"time"
)

// Transaction is a payment event consumed from the inbound topic.
// Unknown fields in the wire payload are ignored.
type Transaction struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency,omitempty"`
	MerchantID    string    `json:"merchantId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
	Device        *Device   `json:"device,omitempty"`
	Location      *Location `json:"location,omitempty"`
}

// Device identifies the client device that submitted the transaction.
type Device struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Location is the reported transaction geolocation.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
}

// Valid reports whether the transaction carries the fields required for
// evaluation. Invalid messages go to the dead-letter topic.
func (t *Transaction) Valid() bool {
	return t.TransactionID != "" && t.UserID != ""
}

// Decision outcomes, ordered ALLOW < REVIEW < BLOCK.
const (
	DecisionAllow  = "ALLOW"
	DecisionReview = "REVIEW"
	DecisionBlock  = "BLOCK"
)

// DecisionRank maps a decision to its position in the ALLOW < REVIEW < BLOCK
// ordering. Unknown strings rank below ALLOW.
func DecisionRank(decision string) int {
	switch decision {
	case DecisionAllow:
		return 1
	case DecisionReview:
		return 2
	case DecisionBlock:
		return 3
	default:
		return 0
	}
}

// Reason tags, in rule-evaluation order. The burst tag is parameterized by
// the configured window, see BurstReason.
const (
	ReasonInvalidAmount = "invalid_amount"
	ReasonHighAmount    = "high_amount"
	ReasonBadCurrency   = "bad_currency"
	ReasonNightTime     = "night_time"
	ReasonSpendSpike    = "spend_spike"
	ReasonNewDevice     = "new_device"
	ReasonNewIP         = "new_ip"
	ReasonGeoImpossible = "geo_impossible"
	ReasonMLHighRisk    = "ml_high_risk"
)

// BurstReason returns the burst tag for a window, e.g. "burst_60s".
func BurstReason(windowSec int) string {
	return "burst_" + strconv.Itoa(windowSec) + "s"
}

// Decision is the scored outcome for a transaction, immutable once emitted.
type Decision struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Decision      string    `json:"decision"`
	Score         float64   `json:"score"`
	Reasons       []string  `json:"reasons"`
	LatencyMs     int64     `json:"latencyMs"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// DLQMessage wraps an undecodable or schema-invalid inbound message for the
// dead-letter topic.
type DLQMessage struct {
	Reason  string `json:"reason"`
	Payload string `json:"payload"`
}

// DLQ reasons.
const (
	DLQSchemaInvalid = "schema_invalid"
)

// UserStats aggregates a user's decision history for the query API.
type UserStats struct {
	UserID         string      `json:"userId"`
	TotalDecisions int64       `json:"totalDecisions"`
	AllowCount     int64       `json:"allowCount"`
	ReviewCount    int64       `json:"reviewCount"`
	BlockCount     int64       `json:"blockCount"`
	RiskRate       float64     `json:"riskRate"`
	AverageScore   float64     `json:"averageScore"`
	Recent         []*Decision `json:"recentDecisions"`
}
