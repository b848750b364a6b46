package events

import (
	"context"
	"encoding/json"

	"lotpilot/internal/models"
	"lotpilot/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher drains a bus subscription into a Kafka topic so external
// systems (billing, tenant dashboards, alerting) can follow task lifecycles.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	log    *logger.Logger
}

func NewKafkaPublisher(writer *kafka.Writer, topic string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic, log: log}
}

// Start consumes events until the subscription channel closes or the
// context is cancelled. Messages are keyed by task id so one task's events
// stay ordered within a partition.
func (p *KafkaPublisher) Start(ctx context.Context, events <-chan TaskEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.publish(ctx, ev)
		}
	}
}

func (p *KafkaPublisher) publish(ctx context.Context, ev TaskEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "event_encode"}).
			Warn("failed to encode task event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(ev.TaskID),
		Value: body,
	})
	if err != nil {
		p.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "event_publish"}).
			WithPayload(map[string]interface{}{"taskId": ev.TaskID, "event": string(ev.Type)}).
			Warn("failed to publish task event")
	}
}
