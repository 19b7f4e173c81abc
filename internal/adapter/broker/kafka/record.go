package kafka

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// recordFor maps a task message onto a Kafka record. The partition key,
// when present, becomes the record key so one partition's tasks stay
// ordered; otherwise the task ID spreads load across partitions.
func recordFor(topicPrefix string, msg domain.TaskMessage) (*kgo.Record, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.recordFor: %w", err)
	}
	key := msg.PartitionKey
	if key == "" {
		key = msg.ID
	}
	rec := &kgo.Record{
		Topic: topicFor(topicPrefix, msg.Queue),
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "task", Value: []byte(msg.Task)},
			{Key: "task_id", Value: []byte(msg.ID)},
			{Key: "content_type", Value: []byte(msg.ContentType)},
		},
	}
	if msg.CorrelationID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "correlation_id", Value: []byte(msg.CorrelationID)})
	}
	return rec, nil
}

// messageFrom decodes a consumed record back into a task message.
func messageFrom(rec *kgo.Record) (domain.TaskMessage, error) {
	var msg domain.TaskMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return domain.TaskMessage{}, fmt.Errorf("op=kafka.messageFrom: %w: %v", domain.ErrDeserialization, err)
	}
	return msg, nil
}

func topicFor(prefix, queue string) string {
	if queue == "" {
		queue = domain.DefaultQueue
	}
	return prefix + queue
}

func queueFrom(prefix, topic string) string {
	return strings.TrimPrefix(topic, prefix)
}

// deliveryTag identifies a record inside the consumer session.
func deliveryTag(rec *kgo.Record) string {
	return fmt.Sprintf("%s|%d|%d", rec.Topic, rec.Partition, rec.Offset)
}
