package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageSchemaVersion is stamped on every TaskMessage produced by this
// version of the wire format.
const MessageSchemaVersion = 1

// DefaultQueue receives messages that were not routed anywhere else.
const DefaultQueue = "default"

// TaskMessage is the canonical unit of work. Producers build it, brokers
// carry it opaquely (the serializer owns the byte representation of Args),
// and workers consume it.
type TaskMessage struct {
	ID            string            `json:"id"`
	Task          string            `json:"task"`
	Args          []byte            `json:"args,omitempty"`
	ContentType   string            `json:"content_type"`
	Queue         string            `json:"queue"`
	Timestamp     time.Time         `json:"timestamp"`
	ETA           *time.Time        `json:"eta,omitempty"`
	Expires       *time.Time        `json:"expires,omitempty"`
	Retries       int               `json:"retries"`
	MaxRetries    int               `json:"max_retries"`
	Priority      int               `json:"priority,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	RootID        string            `json:"root_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	BatchID       string            `json:"batch_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	SchemaVersion int               `json:"schema_version"`
}

// NewTaskMessage builds a pending message for task with pre-serialized args.
func NewTaskMessage(task string, args []byte, contentType string) TaskMessage {
	return TaskMessage{
		ID:            uuid.NewString(),
		Task:          task,
		Args:          args,
		ContentType:   contentType,
		Queue:         DefaultQueue,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: MessageSchemaVersion,
	}
}

// Expired reports whether the message carries an expiry at or before now.
func (m TaskMessage) Expired(now time.Time) bool {
	return m.Expires != nil && !m.Expires.After(now)
}

// Deferred reports whether the message's ETA is still in the future.
func (m TaskMessage) Deferred(now time.Time) bool {
	return m.ETA != nil && m.ETA.After(now)
}

// RetriesLeft reports whether another retry attempt is permitted.
func (m TaskMessage) RetriesLeft() bool {
	return m.Retries < m.MaxRetries
}

// Header returns the named header or "" when absent. Headers may be nil.
func (m TaskMessage) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// WithHeader returns a copy of the message with the header set. The original
// header map is never mutated; redeliveries share the underlying message.
func (m TaskMessage) WithHeader(key, value string) TaskMessage {
	h := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		h[k] = v
	}
	h[key] = value
	m.Headers = h
	return m
}

// BrokerMessage is a delivered TaskMessage plus the transport bookkeeping
// needed to ack or reject that exact delivery once.
type BrokerMessage struct {
	Message     TaskMessage
	DeliveryTag string
	Queue       string
	ReceivedAt  time.Time
}

// Signature is a serializable task invocation: everything needed to publish
// a TaskMessage later (saga steps, beat schedules) without holding live Go
// values. Args are already serialized under ContentType.
type Signature struct {
	Task        string            `json:"task"`
	Args        []byte            `json:"args,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Queue       string            `json:"queue,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}
