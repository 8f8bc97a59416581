// Package eventstream mirrors analytics events and churn alerts onto Kafka
// for downstream consumers.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/eventstore"
)

// Default topics
const (
	TopicEvents = "analytics.events"
	TopicAlerts = "churn.alerts"
)

// Config holds Kafka producer configuration
type Config struct {
	Brokers      []string
	EventsTopic  string
	AlertsTopic  string
	BatchTimeout time.Duration
}

// MessageWriter is the subset of kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes flushed events and churn alerts. Messages are
// keyed by user id so one user's records stay on one partition.
type KafkaPublisher struct {
	writer      MessageWriter
	eventsTopic string
	alertsTopic string
	now         func() time.Time
}

// NewKafkaPublisher creates a publisher backed by a kafka.Writer. The writer
// has no fixed topic; each message names its own.
func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewPublisherWithWriter(writer, cfg.EventsTopic, cfg.AlertsTopic)
}

// NewPublisherWithWriter creates a publisher over an existing writer. Empty
// topics fall back to the defaults.
func NewPublisherWithWriter(writer MessageWriter, eventsTopic, alertsTopic string) *KafkaPublisher {
	if eventsTopic == "" {
		eventsTopic = TopicEvents
	}
	if alertsTopic == "" {
		alertsTopic = TopicAlerts
	}
	return &KafkaPublisher{
		writer:      writer,
		eventsTopic: eventsTopic,
		alertsTopic: alertsTopic,
		now:         time.Now,
	}
}

// PublishEvents writes a batch of persisted events
func (p *KafkaPublisher) PublishEvents(ctx context.Context, events []*eventstore.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := p.message(p.eventsTopic, event.UserID, event, event.Timestamp)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(msgs), err)
	}
	return nil
}

// PublishAlerts writes churn alerts
func (p *KafkaPublisher) PublishAlerts(ctx context.Context, alerts []*analytics.ChurnRiskAssessment) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, alert := range alerts {
		msg, err := p.message(p.alertsTopic, alert.UserID, alert, alert.AssessedAt)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d alerts: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending writes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) message(topic, key string, value interface{}, at time.Time) (kafka.Message, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}
	if at.IsZero() {
		at = p.now()
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  at,
	}, nil
}
