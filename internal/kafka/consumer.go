package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/configs"
)

// ConsumerGroup drains the inbound topic. Parallelism is bounded by the
// topic's partition count; within a partition messages arrive in order, and
// the producer contract (messages keyed by userId) maps each user to exactly
// one partition.
type ConsumerGroup struct {
	group  sarama.ConsumerGroup
	topics []string
}

// NewConsumerGroup connects to the brokers, retrying while they come up.
func NewConsumerGroup(cfg configs.KafkaConfig) (*ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.InitialOffsetOld {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	var group sarama.ConsumerGroup
	var err error
	for i := 0; i < 30; i++ {
		group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	go func() {
		for err := range group.Errors() {
			log.Error().Err(err).Msg("Consumer group error")
		}
	}()

	return &ConsumerGroup{group: group, topics: []string{cfg.InTopic}}, nil
}

// Run consumes until the context is cancelled, rejoining the group after
// each rebalance.
func (c *ConsumerGroup) Run(ctx context.Context, handler sarama.ConsumerGroupHandler) error {
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close leaves the group and releases the client.
func (c *ConsumerGroup) Close() error {
	return c.group.Close()
}
