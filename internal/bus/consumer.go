package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"

	"github.com/libresiem/libresiem/internal/config"
)

// DefaultGroupID is the processor's consumer group.
const DefaultGroupID = "log_processor"

// MessageHandler processes one raw message. Returning an error leaves
// the offset unmarked, so the message is redelivered after a rebalance
// or restart (at-least-once).
type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer runs a consumer group session over the raw-logs topic.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	logger  *log.Logger
}

// NewConsumerConfig builds the group configuration: start from the
// oldest offset on first join, commit marked offsets every second.
func NewConsumerConfig(cfg config.KafkaSettings, clientID string) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = clientID
	sc.Version = sarama.V2_6_0_0
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = 1 * time.Second
	sc.Consumer.Return.Errors = true

	if err := applySecurity(sc, cfg); err != nil {
		return nil, err
	}
	return sc, nil
}

func NewConsumer(cfg config.KafkaSettings, groupID, clientID string, topics []string, handler MessageHandler) (*Consumer, error) {
	sc, err := NewConsumerConfig(cfg, clientID)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers(), groupID, sc)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", groupID, err)
	}
	return &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		logger:  log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}, nil
}

// Run consumes until the context is cancelled. Consume returns on every
// rebalance, so it loops.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Printf("⚠️ consumer group error: %v", err)
		}
	}()

	c.logger.Printf("🚀 consuming topics=%v", c.topics)
	for {
		if err := c.group.Consume(ctx, c.topics, &groupHandler{handler: c.handler, logger: c.logger}); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Printf("⚠️ consume session ended: %v", err)
			// Brief pause before rejoining so a message that fails
			// persistently does not spin the group.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler MessageHandler
	logger  *log.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handler(session.Context(), msg); err != nil {
			// Offset commits are cumulative: marking any later message
			// would commit past this one and lose it. End the session
			// instead; the group rejoins and resumes from the last
			// committed offset, redelivering this message.
			h.logger.Printf("❌ message %s/%d@%d failed: %v", msg.Topic, msg.Partition, msg.Offset, err)
			return fmt.Errorf("message %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
