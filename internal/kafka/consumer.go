// Package kafka consumes raw signal and market context messages and feeds
// them into the pipeline.
package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/pipeline"
)

// Config holds Kafka consumer settings.
type Config struct {
	Enabled      bool     `json:"enabled"`
	Brokers      []string `json:"brokers"`
	GroupID      string   `json:"group_id"`
	SignalTopic  string   `json:"signal_topic"`
	ContextTopic string   `json:"context_topic"`
}

// Consumer wraps a Sarama consumer group. Signal messages run through the
// pipeline; context messages update the market data provider.
type Consumer struct {
	client       sarama.ConsumerGroup
	signalTopic  string
	contextTopic string
	pipeline     *pipeline.Pipeline
	updater      marketdata.ContextUpdater // may be nil
	logger       *logging.Logger
	ready        chan bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewConsumer creates a Kafka consumer.
func NewConsumer(cfg Config, p *pipeline.Pipeline, updater marketdata.ContextUpdater, logger *logging.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_8_0_0

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:       client,
		signalTopic:  cfg.SignalTopic,
		contextTopic: cfg.ContextTopic,
		pipeline:     p,
		updater:      updater,
		logger:       logger.WithComponent("kafka"),
		ready:        make(chan bool),
	}, nil
}

// Start begins consuming. Blocks until the first rebalance completes.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	topics := []string{c.signalTopic}
	if c.contextTopic != "" {
		topics = append(topics, c.contextTopic)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.client.Consume(ctx, topics, handler); err != nil {
				c.logger.Error("Consumer error", "error", err.Error())
			}

			if ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("Kafka consumer started", "topics", topics)
	return nil
}

// Close stops the consumer gracefully.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.consumer.logger
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			ctx := session.Context()

			switch message.Topic {
			case h.consumer.signalTopic:
				var raw map[string]interface{}
				if err := json.Unmarshal(message.Value, &raw); err != nil {
					log.Error("Failed to unmarshal signal message", "error", err.Error())
					session.MarkMessage(message, "")
					continue
				}
				// ProcessSignal records its own failures; nothing to retry
				// here, so the offset always advances.
				h.consumer.pipeline.ProcessSignal(ctx, raw)

			case h.consumer.contextTopic:
				if h.consumer.updater != nil {
					var update marketdata.ContextUpdate
					if err := json.Unmarshal(message.Value, &update); err != nil {
						log.Error("Failed to unmarshal context message", "error", err.Error())
						session.MarkMessage(message, "")
						continue
					}
					h.consumer.updater.ApplyContext(update)
				}
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
