package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaAuditSink streams audit entries and access attempts to a Kafka topic
// so a SIEM can consume them. Records are keyed by resource id (audit
// entries) or actor id (access attempts) to keep per-key ordering.
type KafkaAuditSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaAuditSink connects a producer to the given brokers.
func NewKafkaAuditSink(brokers []string, topic string) (*KafkaAuditSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka audit sink: no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka audit sink: create client: %w", err)
	}
	return &KafkaAuditSink{client: client, topic: topic}, nil
}

type kafkaAuditEnvelope struct {
	Kind          string         `json:"kind"`
	AuditEntry    *AuditEntry    `json:"audit_entry,omitempty"`
	AccessAttempt *AccessAttempt `json:"access_attempt,omitempty"`
}

func (k *KafkaAuditSink) RecordAudit(ctx context.Context, entry AuditEntry) error {
	return k.produce(ctx, entry.ResourceID, kafkaAuditEnvelope{Kind: "audit_entry", AuditEntry: &entry})
}

func (k *KafkaAuditSink) RecordAccessAttempt(ctx context.Context, attempt AccessAttempt) error {
	return k.produce(ctx, attempt.ActorID, kafkaAuditEnvelope{Kind: "access_attempt", AccessAttempt: &attempt})
}

func (k *KafkaAuditSink) produce(ctx context.Context, key string, env kafkaAuditEnvelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka audit sink: marshal %s: %w", env.Kind, err)
	}
	rec := &kgo.Record{Topic: k.topic, Key: []byte(key), Value: value}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka audit sink: produce %s: %w", env.Kind, err)
	}
	return nil
}

// Close flushes pending records and closes the producer.
func (k *KafkaAuditSink) Close() {
	k.client.Close()
}
