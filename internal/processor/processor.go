package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/configs"
	"github.com/paystream/fraud-engine/internal/features"
	"github.com/paystream/fraud-engine/internal/metrics"
	"github.com/paystream/fraud-engine/internal/models"
	"github.com/paystream/fraud-engine/internal/rules"
	"github.com/paystream/fraud-engine/internal/scoring"
	"github.com/paystream/fraud-engine/internal/state"
)

// StateStore is the warm per-user state surface the processor reads and
// writes. All operations degrade on failure instead of erroring.
type StateStore interface {
	RecordTxTime(ctx context.Context, userID string, ts int64)
	RecentCount(ctx context.Context, userID string, now, windowSec int64) int64
	RecordAmount(ctx context.Context, userID string, amount float64, maxSize int)
	MedianAmount(ctx context.Context, userID string) float64
	ObserveDevice(ctx context.Context, userID, deviceID string, ts int64) bool
	DeviceFirstSeen(ctx context.Context, userID, deviceID string) (int64, bool)
	DeviceFirstSeenWithin(ctx context.Context, userID, deviceID string, now int64, days int) bool
	ObserveIP(ctx context.Context, userID, ip string, ts int64) bool
	IPFirstSeen(ctx context.Context, userID, ip string) (int64, bool)
	IPFirstSeenWithin(ctx context.Context, userID, ip string, now int64, days int) bool
	GetLastLocation(ctx context.Context, userID string) *state.LastLocation
	SetLastLocation(ctx context.Context, userID string, lat, lon float64, ts int64)
}

// DecisionStore is the durable, idempotent decision record.
type DecisionStore interface {
	Exists(ctx context.Context, transactionID string) (bool, error)
	Insert(ctx context.Context, d *models.Decision) error
}

// Publisher emits decisions to the outbound topic.
type Publisher interface {
	Publish(d *models.Decision) error
}

// DeadLetter receives schema-invalid inbound payloads.
type DeadLetter interface {
	Publish(reason string, payload []byte)
}

// Predictor scores a feature vector, degrading to 0 on any failure.
type Predictor interface {
	Predict(ctx context.Context, vector []float64) float64
}

// Processor orchestrates the evaluation sequence for one consumer worker:
// idempotency gate, state reads, rules, state writes, features, model,
// combination, then the decision sink. It implements
// sarama.ConsumerGroupHandler; each claimed partition is drained in order.
type Processor struct {
	stateStore StateStore
	decisions  DecisionStore
	publisher  Publisher
	dlq        DeadLetter
	model      Predictor
	engine     *rules.Engine
	combiner   *scoring.Combiner
	rulesCfg   configs.RulesConfig
	sinkCfg    configs.SinkConfig

	now func() time.Time
}

// New creates a processor.
func New(
	stateStore StateStore,
	decisions DecisionStore,
	publisher Publisher,
	dlq DeadLetter,
	model Predictor,
	rulesCfg configs.RulesConfig,
	mlCfg configs.MLConfig,
	sinkCfg configs.SinkConfig,
) *Processor {
	return &Processor{
		stateStore: stateStore,
		decisions:  decisions,
		publisher:  publisher,
		dlq:        dlq,
		model:      model,
		engine:     rules.NewEngine(rulesCfg),
		combiner:   scoring.NewCombiner(rulesCfg.RuleWeight, mlCfg.Weight, sinkCfg.ReviewThreshold, sinkCfg.BlockThreshold),
		rulesCfg:   rulesCfg,
		sinkCfg:    sinkCfg,
		now:        time.Now,
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (p *Processor) Setup(session sarama.ConsumerGroupSession) error {
	log.Info().Str("member_id", session.MemberID()).Msg("Consumer session started")
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (p *Processor) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Consumer session ended")
	return nil
}

// ConsumeClaim drains one partition in arrival order. A message is marked
// only after its decision is both published and persisted (or it was
// dropped/deduplicated); a sink failure aborts the session so the broker
// redelivers from the unacknowledged offset and the idempotency gate turns
// any already-finished work into a no-op.
func (p *Processor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := p.Handle(session.Context(), message.Value); err != nil {
				log.Error().Err(err).
					Int32("partition", message.Partition).
					Int64("offset", message.Offset).
					Msg("Failed to emit decision, leaving offset unacknowledged")
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// Handle evaluates one inbound payload. A nil return means the offset may be
// acknowledged; an error means the decision could not be emitted and the
// message must be redelivered.
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	start := p.now()

	var tx models.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil || !tx.Valid() {
		metrics.SchemaInvalidTotal.Inc()
		p.dlq.Publish(models.DLQSchemaInvalid, payload)
		return nil
	}

	// Idempotency gate. A store read failure degrades to "not seen": the
	// conflict-tolerant insert still guarantees at most one record.
	exists, err := p.decisions.Exists(ctx, tx.TransactionID)
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("Idempotency lookup failed, proceeding")
	}
	if exists {
		metrics.DuplicatesSkipped.Inc()
		log.Debug().Str("transaction_id", tx.TransactionID).Msg("Duplicate transaction skipped")
		return nil
	}

	nowSec := start.Unix()
	sig := p.readSignals(ctx, &tx, nowSec)
	res := p.engine.Evaluate(&tx, sig)

	// State writes happen after the reads above so a transaction never
	// influences its own rule outcomes.
	p.writeState(ctx, &tx, nowSec)

	vector := features.Extract(&tx, sig, res.Bits)
	probability := p.model.Predict(ctx, vector)

	score := p.combiner.Combine(res.Score, probability)
	outcome := p.combiner.Classify(score)
	// A missing or non-positive amount saturates the score; the weighted
	// blend must not dilute it even when the model abstains.
	if res.Bits.InvalidAmount {
		score = 100
		outcome = models.DecisionBlock
	}
	reasons := p.combiner.AppendMLReason(res.Reasons, probability)

	decision := &models.Decision{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Decision:      outcome,
		Score:         score,
		Reasons:       reasons,
		LatencyMs:     p.now().Sub(start).Milliseconds(),
		EvaluatedAt:   p.now().UTC(),
	}

	if err := p.emit(ctx, decision); err != nil {
		return err
	}

	metrics.DecisionsTotal.WithLabelValues(decision.Decision).Inc()
	metrics.ScoringLatency.Observe(p.now().Sub(start).Seconds())

	log.Info().
		Str("transaction_id", decision.TransactionID).
		Str("user_id", decision.UserID).
		Str("decision", decision.Decision).
		Float64("score", decision.Score).
		Strs("reasons", decision.Reasons).
		Int64("latency_ms", decision.LatencyMs).
		Msg("Transaction evaluated")
	return nil
}

// readSignals gathers every state read the rule engine needs. BurstCount
// includes the transaction under evaluation on top of the stored window.
func (p *Processor) readSignals(ctx context.Context, tx *models.Transaction, nowSec int64) rules.Signals {
	sig := rules.Signals{
		NowSec:       nowSec,
		BurstCount:   p.stateStore.RecentCount(ctx, tx.UserID, nowSec, int64(p.rulesCfg.BurstWindowSec)) + 1,
		TxCount1h:    p.stateStore.RecentCount(ctx, tx.UserID, nowSec, 3600),
		TxCount24h:   p.stateStore.RecentCount(ctx, tx.UserID, nowSec, 86400),
		MedianAmount: p.stateStore.MedianAmount(ctx, tx.UserID),
	}

	if tx.Device != nil {
		if tx.Device.ID != "" {
			_, sig.DeviceSeenBefore = p.stateStore.DeviceFirstSeen(ctx, tx.UserID, tx.Device.ID)
			sig.DeviceFirstSeenWithin = p.stateStore.DeviceFirstSeenWithin(ctx, tx.UserID, tx.Device.ID, nowSec, p.rulesCfg.DeviceNewWithinDays)
		}
		if tx.Device.IP != "" {
			_, sig.IPSeenBefore = p.stateStore.IPFirstSeen(ctx, tx.UserID, tx.Device.IP)
			sig.IPFirstSeenWithin = p.stateStore.IPFirstSeenWithin(ctx, tx.UserID, tx.Device.IP, nowSec, p.rulesCfg.IPNewWithinDays)
		}
	}

	if last := p.stateStore.GetLastLocation(ctx, tx.UserID); last != nil {
		sig.HasLastLocation = true
		sig.SecondsSinceLastLoc = nowSec - last.EpochSec
		if tx.Location != nil {
			sig.DistanceFromLastKm = state.HaversineKm(last.Lat, last.Lon, tx.Location.Lat, tx.Location.Lon)
		}
	}

	return sig
}

// writeState records this transaction into the user's rolling context. All
// writes are best-effort; the next transaction re-establishes state.
func (p *Processor) writeState(ctx context.Context, tx *models.Transaction, nowSec int64) {
	p.stateStore.RecordTxTime(ctx, tx.UserID, nowSec)
	p.stateStore.RecordAmount(ctx, tx.UserID, tx.Amount, p.rulesCfg.SpendHistorySize)

	if tx.Device != nil {
		if tx.Device.ID != "" {
			p.stateStore.ObserveDevice(ctx, tx.UserID, tx.Device.ID, nowSec)
		}
		if tx.Device.IP != "" {
			p.stateStore.ObserveIP(ctx, tx.UserID, tx.Device.IP, nowSec)
		}
	}

	if tx.Location != nil {
		p.stateStore.SetLastLocation(ctx, tx.UserID, tx.Location.Lat, tx.Location.Lon, nowSec)
	}
}

// emit runs the decision sink: publish to the outbound topic, then persist.
// Each effect retries a bounded number of times before the failure escalates
// to the caller's redelivery path.
func (p *Processor) emit(ctx context.Context, decision *models.Decision) error {
	err := p.retry(ctx, "publish", p.sinkCfg.PublishRetries, func() error {
		return p.publisher.Publish(decision)
	})
	if err != nil {
		metrics.SinkFailuresTotal.WithLabelValues("publish").Inc()
		return err
	}

	err = p.retry(ctx, "persist", p.sinkCfg.PersistRetries, func() error {
		return p.decisions.Insert(ctx, decision)
	})
	if err != nil {
		metrics.SinkFailuresTotal.WithLabelValues("persist").Inc()
		return err
	}
	return nil
}

func (p *Processor) retry(ctx context.Context, effect string, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			metrics.SinkRetriesTotal.WithLabelValues(effect).Inc()
			select {
			case <-time.After(p.sinkCfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
