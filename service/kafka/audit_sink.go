package kafka

import (
	"encoding/json"

	"PPCollab/logger"
	"PPCollab/service/events"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AuditSink writes audit-relevant bus events (force releases, admin session
// destroys, cleanup batches) to a Kafka topic, keyed by event source.
type AuditSink struct {
	client   sarama.Client
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// DialAuditSink connects to the brokers, optionally creates the topic and
// starts a sync producer.
func DialAuditSink(c AuditConfig) (*AuditSink, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	c.norm()
	client, err := sarama.NewClient(c.Brokers, BuildConfig(c))
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "kafka admin")
		}
		// admin shares the client; closing it would close the client too
		if err := EnsureTopic(admin, c.Topic, c.PartitionsPerTopic, c.ReplicationFactor); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka producer")
	}
	s := NewAuditSink(p, c.Topic)
	s.client = client
	return s, nil
}

// NewAuditSink wraps an existing producer.
func NewAuditSink(p sarama.SyncProducer, topic string) *AuditSink {
	if topic == "" {
		topic = "collab-audit"
	}
	return &AuditSink{producer: p, topic: topic, log: logger.Named("kafka")}
}

func (s *AuditSink) Name() string { return "kafka" }

func (s *AuditSink) Handle(e events.Event) error {
	if !events.Audit(e.Type) {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.Source),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(e.Type)},
		},
		Timestamp: e.At,
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "audit %s", e.Type)
	}
	s.log.Debug("audit written", zap.String("type", e.Type), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (s *AuditSink) Close() error {
	err := s.producer.Close()
	if s.client != nil && !s.client.Closed() {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
