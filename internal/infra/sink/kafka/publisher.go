// Package kafka streams captured ticks to a Kafka topic keyed by instrument.
package kafka

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
	"github.com/coachpo/tickcapture/internal/observability"
)

const sinkName = "kafka"

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes ticks as JSON messages. Messages for the same instrument share a key so they
// land on one partition in arrival order.
type Publisher struct {
	writer messageWriter
	topic  string
}

// New builds a publisher backed by a kafka-go writer.
func New(cfg config.KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errs.New("sink/kafka", errs.CodeConfigInvalid, errs.WithMessage("at least one broker required"))
	}
	if cfg.Topic == "" {
		return nil, errs.New("sink/kafka", errs.CodeConfigInvalid, errs.WithMessage("topic required"))
	}
	return newPublisher(newWriter(cfg), cfg.Topic), nil
}

// newWriter configures the kafka-go writer. The pipeline hands over one tick per call, so a
// synchronous writer would hold every message for the full batch timeout; it sends each message
// on its own instead. Async mode batches and reports broker failures through Completion.
func newWriter(cfg config.KafkaConfig) *kafka.Writer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		RequiredAcks: kafka.RequireOne,
	}
	if !cfg.Async {
		return writer
	}
	writer.Async = true
	writer.BatchSize = cfg.BatchSize
	writer.BatchTimeout = cfg.BatchTimeout
	writer.Completion = reportCompletion(cfg.Topic)
	return writer
}

func reportCompletion(topic string) func([]kafka.Message, error) {
	return func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		observability.Log().Error("kafka batch failed",
			observability.F("topic", topic),
			observability.F("messages", len(messages)),
			observability.F("error", err))
	}
}

func newPublisher(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string { return sinkName }

// WriteTick publishes one tick. In synchronous mode the call blocks until the broker acknowledges
// the message; in async mode it returns once the message is buffered.
func (p *Publisher) WriteTick(ctx context.Context, tick schema.Tick) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher: nil writer")
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("kafka publisher: encode %s: %w", tick.Key().String(), err)
	}
	at := tick.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	msg := kafka.Message{
		Key:   []byte(tick.Key().String()),
		Value: payload,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "session", Value: []byte(tick.SessionID)},
			{Key: "trading_day", Value: []byte(tick.TradingDay)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publisher: write %s to %s: %w", tick.Key().String(), p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
