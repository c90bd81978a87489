package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// AuditConfig 审计流水的 Kafka 配置
type AuditConfig struct {
	Brokers             []string
	Topic               string
	ClientID            string
	PartitionsPerTopic  int32 // 单机=1
	ReplicationFactor   int16 // 单机=1；生产=3
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	KafkaVersion        sarama.KafkaVersion
	EnsureTopic         bool
}

func (c *AuditConfig) norm() {
	if c.Topic == "" {
		c.Topic = "collab-audit"
	}
	if c.ClientID == "" {
		c.ClientID = "collabd"
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
	if c.KafkaVersion == (sarama.KafkaVersion{}) {
		c.KafkaVersion = sarama.V2_1_0_0
	}
}

// BuildConfig 生产者配置；审计要求全部副本确认
func BuildConfig(c AuditConfig) *sarama.Config {
	c.norm()
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	cfg.Version = c.KafkaVersion

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key = event source
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 5 * time.Second
	cfg.Net.ReadTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	cfg.Metadata.Retry.Max = 2
	return cfg
}
