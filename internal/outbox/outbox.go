// Package outbox hands newly inserted alerts to the notification dispatcher.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers alerts downstream. Alerts are already stored when
// Publish is called; a failed publish never removes them.
type Publisher interface {
	Publish(ctx context.Context, alerts []models.Alert) error
	Close() error
}

// KafkaPublisher writes one JSON message per alert, keyed by its
// (user, tender, rule type) triple so consumers can deduplicate.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs, err := messages(alerts, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d alerts: %w", len(alerts), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messages(alerts []models.Alert, now time.Time) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(alerts))
	for i := range alerts {
		body, err := json.Marshal(alerts[i])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal alert %s: %w", alerts[i].ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(alerts[i].DedupKey()),
			Value: body,
			Time:  now,
		})
	}
	return msgs, nil
}

// Discard drops alerts; used when no broker is configured.
type Discard struct{}

func (Discard) Publish(context.Context, []models.Alert) error { return nil }
func (Discard) Close() error                                  { return nil }
