package rules

import (
	"strings"

	"github.com/paystream/fraud-engine/configs"
	"github.com/paystream/fraud-engine/internal/models"
)

// Fixed contributions for the non-configurable rules.
const (
	invalidAmountScore = 100
	highAmountScore    = 60
	badCurrencyScore   = 40
	nightTimeScore     = 20
)

// acceptedCurrencies is the closed set of currency codes the pipeline treats
// as well-formed.
var acceptedCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true,
}

// AcceptedCurrency reports membership in the accepted currency set.
func AcceptedCurrency(code string) bool {
	return acceptedCurrencies[strings.ToUpper(code)]
}

// Signals are the per-user state reads the engine evaluates against. The
// processor assembles them before any state write, so a transaction never
// observes its own effects; BurstCount is the one exception and includes the
// transaction under evaluation.
type Signals struct {
	// BurstCount is the number of transactions in the burst window,
	// including this one.
	BurstCount int64
	// TxCount1h and TxCount24h count prior transactions only.
	TxCount1h  int64
	TxCount24h int64

	MedianAmount float64

	DeviceSeenBefore      bool
	DeviceFirstSeenWithin bool
	IPSeenBefore          bool
	IPFirstSeenWithin     bool

	HasLastLocation     bool
	DistanceFromLastKm  float64
	SecondsSinceLastLoc int64

	// NowSec is the evaluation clock in epoch seconds.
	NowSec int64
}

// Bits records which rules fired, mirrored into the model feature vector.
type Bits struct {
	InvalidAmount bool
	HighAmount    bool
	BadCurrency   bool
	NightTime     bool
	Burst         bool
	SpendSpike    bool
	NewDevice     bool
	NewIP         bool
	GeoImpossible bool
}

// Result is the rule engine output: a partial score in [0,100] and the
// ordered, duplicate-free reason tags.
type Result struct {
	Score   float64
	Reasons []string
	Bits    Bits
}

// Engine evaluates the behavioral rule table. It reads state signals but
// never writes state; all writes belong to the stream processor.
type Engine struct {
	cfg configs.RulesConfig
}

// NewEngine creates a rule engine with the given tunables.
func NewEngine(cfg configs.RulesConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs the rule table in its documented order and accumulates the
// contributions of every rule that fires. The returned score is capped at 100.
func (e *Engine) Evaluate(tx *models.Transaction, sig Signals) Result {
	var res Result
	add := func(score float64, reason string) {
		res.Score += score
		res.Reasons = append(res.Reasons, reason)
	}

	if tx.Amount <= 0 {
		res.Bits.InvalidAmount = true
		add(invalidAmountScore, models.ReasonInvalidAmount)
	}

	if tx.Amount >= e.cfg.HighAmountThreshold {
		res.Bits.HighAmount = true
		add(highAmountScore, models.ReasonHighAmount)
	}

	if len(tx.Currency) != 3 || !AcceptedCurrency(tx.Currency) {
		res.Bits.BadCurrency = true
		add(badCurrencyScore, models.ReasonBadCurrency)
	}

	if h := tx.OccurredAt.UTC().Hour(); h >= 0 && h <= 5 {
		res.Bits.NightTime = true
		add(nightTimeScore, models.ReasonNightTime)
	}

	if sig.BurstCount >= int64(e.cfg.BurstCount) {
		res.Bits.Burst = true
		add(e.cfg.BurstScore, models.BurstReason(e.cfg.BurstWindowSec))
	}

	if sig.MedianAmount > 0 && tx.Amount >= sig.MedianAmount*e.cfg.SpendMultiplier {
		res.Bits.SpendSpike = true
		add(e.cfg.SpendScore, models.ReasonSpendSpike)
	}

	if tx.Device != nil && tx.Device.ID != "" {
		if !sig.DeviceSeenBefore || sig.DeviceFirstSeenWithin {
			res.Bits.NewDevice = true
			add(e.cfg.DeviceScore, models.ReasonNewDevice)
		}
	}

	if tx.Device != nil && tx.Device.IP != "" {
		if !sig.IPSeenBefore || sig.IPFirstSeenWithin {
			res.Bits.NewIP = true
			add(e.cfg.IPScore, models.ReasonNewIP)
		}
	}

	if tx.Location != nil && sig.HasLastLocation {
		speed := RequiredSpeedKmph(sig.DistanceFromLastKm, sig.SecondsSinceLastLoc)
		if speed > e.cfg.GeoMaxSpeedKmph {
			res.Bits.GeoImpossible = true
			add(e.cfg.GeoScore, models.ReasonGeoImpossible)
		}
	}

	if res.Score > 100 {
		res.Score = 100
	}
	return res
}

// RequiredSpeedKmph is the straight-line speed implied by covering km in
// elapsedSec. Elapsed time is floored at one second so co-located
// transactions in the same second never divide by zero.
func RequiredSpeedKmph(km float64, elapsedSec int64) float64 {
	if elapsedSec < 1 {
		elapsedSec = 1
	}
	return km / (float64(elapsedSec) / 3600.0)
}
