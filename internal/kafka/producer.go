package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/internal/models"
)

// NewSyncProducer creates a synchronous producer suitable for at-least-once
// emission: full-ISR acks and bounded broker-side retries.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// DecisionPublisher emits decisions to the outbound topic keyed by userId so
// per-user ordering is preserved downstream.
type DecisionPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewDecisionPublisher creates a publisher for the decisions topic.
func NewDecisionPublisher(producer sarama.SyncProducer, topic string) *DecisionPublisher {
	return &DecisionPublisher{producer: producer, topic: topic}
}

// Publish sends one decision event. The caller owns retry policy.
func (p *DecisionPublisher) Publish(decision *models.Decision) error {
	value, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(decision.UserID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}

	log.Debug().
		Str("transaction_id", decision.TransactionID).
		Str("decision", decision.Decision).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Decision published")
	return nil
}

// TransactionPublisher feeds the inbound topic. Keying by userId is the
// producer contract that gives each user a single partition and therefore a
// single worker at a time.
type TransactionPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewTransactionPublisher creates a publisher for the inbound topic.
func NewTransactionPublisher(producer sarama.SyncProducer, topic string) *TransactionPublisher {
	return &TransactionPublisher{producer: producer, topic: topic}
}

// Publish submits one transaction for evaluation.
func (p *TransactionPublisher) Publish(tx *models.Transaction) error {
	value, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	if _, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(tx.UserID),
		Value: sarama.ByteEncoder(value),
	}); err != nil {
		return fmt.Errorf("failed to publish transaction: %w", err)
	}
	return nil
}

// DeadLetterPublisher routes schema-invalid inbound messages to the DLQ
// topic with a reason tag.
type DeadLetterPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewDeadLetterPublisher creates a publisher for the dead-letter topic.
func NewDeadLetterPublisher(producer sarama.SyncProducer, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

// Publish forwards the raw payload with the drop reason. Failures are logged
// and swallowed; a lost DLQ entry must not stall the pipeline.
func (p *DeadLetterPublisher) Publish(reason string, payload []byte) {
	value, err := json.Marshal(models.DLQMessage{Reason: reason, Payload: string(payload)})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal dead-letter message")
		return
	}

	if _, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(value),
	}); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("Failed to publish to dead-letter topic")
		return
	}

	log.Warn().Str("reason", reason).Msg("Message sent to dead-letter topic")
}
