package kafka

import (
	"errors"
	"fmt"

	"PPCollab/logger"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EnsureTopic creates the topic when missing. An existing topic is left as is.
func EnsureTopic(admin sarama.ClusterAdmin, topic string, partitions int32, rf int16) error {
	log := logger.Named("kafka")
	descs, err := admin.DescribeTopics([]string{topic})
	if err != nil {
		return fmt.Errorf("describe topic %s: %w", topic, err)
	}
	if len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError) {
		log.Info("topic exists", zap.String("topic", topic), zap.Int("partitions", len(descs[0].Partitions)))
		return nil
	}

	minISR := "1"
	if rf >= 3 {
		minISR = "2"
	}
	td := &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: rf,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 strPtr("delete"),
			"min.insync.replicas":            strPtr(minISR),
			"unclean.leader.election.enable": strPtr("false"),
			"compression.type":               strPtr("producer"),
		},
	}
	if err := admin.CreateTopic(topic, td, false); err != nil {
		var te *sarama.TopicError
		if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
			log.Info("topic exists (race)", zap.String("topic", topic))
			return nil
		}
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	log.Info("topic created", zap.String("topic", topic), zap.Int32("partitions", partitions), zap.Int16("rf", rf))
	return nil
}

func strPtr(s string) *string { return &s }
