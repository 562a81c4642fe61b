package features

import (
	"strings"

	"github.com/paystream/fraud-engine/internal/models"
	"github.com/paystream/fraud-engine/internal/rules"
)

// The vector layout is a compatibility contract with the model artifact and
// must not change without a version bump. The model client verifies at
// startup that the service advertises the same arity.
const (
	Version = "fraud-xgb-v1"
	Arity   = 18
)

// Slot indices, in wire order.
const (
	slotAmount = iota
	slotHourOfDay
	slotDayOfWeek
	slotCurrencyCode
	slotMedianAmount
	slotSpendDeviationRatio
	slotTxCountBurstWindow
	slotTxCount1h
	slotTxCount24h
	slotSecondsSinceLastLoc
	slotDistanceFromLastKm
	slotRequiredSpeedKmph
	slotRuleInvalidAmount
	slotRuleHighAmount
	slotRuleBadCurrency
	slotRuleNightTime
	slotRuleNewDevice
	slotRuleNewIP
)

// currencyCodes is the stable dictionary encoding; unknown codes map to 0.
var currencyCodes = map[string]float64{
	"USD": 1, "EUR": 2, "GBP": 3, "CAD": 4, "AUD": 5,
}

// EncodeCurrency returns the dictionary code for a currency, 0 if unknown.
func EncodeCurrency(code string) float64 {
	return currencyCodes[strings.ToUpper(code)]
}

// Extract assembles the fixed-arity numeric vector for the model from the
// transaction, the state signals, and the rule outcomes. Missing optional
// inputs contribute 0, never null.
func Extract(tx *models.Transaction, sig rules.Signals, bits rules.Bits) []float64 {
	v := make([]float64, Arity)

	v[slotAmount] = tx.Amount
	v[slotHourOfDay] = float64(tx.OccurredAt.UTC().Hour())
	v[slotDayOfWeek] = float64(tx.OccurredAt.UTC().Weekday())
	v[slotCurrencyCode] = EncodeCurrency(tx.Currency)
	v[slotMedianAmount] = sig.MedianAmount
	if sig.MedianAmount > 0 {
		v[slotSpendDeviationRatio] = tx.Amount/sig.MedianAmount - 1
	}
	v[slotTxCountBurstWindow] = float64(sig.BurstCount)
	v[slotTxCount1h] = float64(sig.TxCount1h)
	v[slotTxCount24h] = float64(sig.TxCount24h)
	if sig.HasLastLocation {
		v[slotSecondsSinceLastLoc] = float64(sig.SecondsSinceLastLoc)
		v[slotDistanceFromLastKm] = sig.DistanceFromLastKm
		if tx.Location != nil {
			v[slotRequiredSpeedKmph] = rules.RequiredSpeedKmph(sig.DistanceFromLastKm, sig.SecondsSinceLastLoc)
		}
	}
	v[slotRuleInvalidAmount] = bit(bits.InvalidAmount)
	v[slotRuleHighAmount] = bit(bits.HighAmount)
	v[slotRuleBadCurrency] = bit(bits.BadCurrency)
	v[slotRuleNightTime] = bit(bits.NightTime)
	v[slotRuleNewDevice] = bit(bits.NewDevice)
	v[slotRuleNewIP] = bit(bits.NewIP)

	return v
}

func bit(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
