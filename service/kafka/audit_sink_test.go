package kafka

import (
	"encoding/json"
	"errors"
	"testing"

	"PPCollab/service/events"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfig(t *testing.T) {
	cfg := BuildConfig(AuditConfig{ProducerCompression: "LZ4"})
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.Equal(t, 3, cfg.Producer.Retry.Max)
	assert.Equal(t, "collabd", cfg.ClientID)
	assert.True(t, cfg.Producer.Return.Successes)
	require.NoError(t, cfg.Validate())
}

func TestAuditSink_OnlyAuditEvents(t *testing.T) {
	p := mocks.NewSyncProducer(t, BuildConfig(AuditConfig{}))
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e events.Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Type != events.LockForceReleased || e.Data["adminUserId"] != "root" {
			return errors.New("unexpected audit payload: " + string(val))
		}
		return nil
	})

	s := NewAuditSink(p, "")
	assert.Equal(t, "kafka", s.Name())

	// not audited: no producer call expected
	require.NoError(t, s.Handle(events.New(events.SourceLock, events.LockAcquired, nil)))
	require.NoError(t, s.Handle(events.New(events.SourceLock, events.LockForceReleased,
		map[string]any{"lockId": "lock_1", "adminUserId": "root"})))

	require.NoError(t, s.Close())
}

func TestAuditSink_SendFailure(t *testing.T) {
	p := mocks.NewSyncProducer(t, BuildConfig(AuditConfig{}))
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewAuditSink(p, "audit")
	err := s.Handle(events.New(events.SourceSession, events.SessionDestroyed, map[string]any{"reason": "admin"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Contains(t, err.Error(), "audit session_destroyed")
	require.NoError(t, s.Close())
}

func TestDialAuditSink_NoBrokers(t *testing.T) {
	_, err := DialAuditSink(AuditConfig{})
	assert.EqualError(t, err, "kafka brokers missing")
}

// fakeAdmin implements only the calls EnsureTopic makes.
type fakeAdmin struct {
	sarama.ClusterAdmin
	existing  map[string]int
	createErr error
	created   map[string]*sarama.TopicDetail
}

func (f *fakeAdmin) DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error) {
	out := make([]*sarama.TopicMetadata, 0, len(topics))
	for _, t := range topics {
		n, ok := f.existing[t]
		if !ok {
			out = append(out, &sarama.TopicMetadata{Name: t, Err: sarama.ErrUnknownTopicOrPartition})
			continue
		}
		out = append(out, &sarama.TopicMetadata{Name: t, Err: sarama.ErrNoError, Partitions: make([]*sarama.PartitionMetadata, n)})
	}
	return out, nil
}

func (f *fakeAdmin) CreateTopic(topic string, d *sarama.TopicDetail, _ bool) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.created == nil {
		f.created = map[string]*sarama.TopicDetail{}
	}
	f.created[topic] = d
	return nil
}

func TestEnsureTopic(t *testing.T) {
	a := &fakeAdmin{existing: map[string]int{"collab-audit": 3}}
	require.NoError(t, EnsureTopic(a, "collab-audit", 1, 1))
	assert.Empty(t, a.created)

	require.NoError(t, EnsureTopic(a, "fresh", 4, 3))
	require.Contains(t, a.created, "fresh")
	assert.Equal(t, int32(4), a.created["fresh"].NumPartitions)
	assert.Equal(t, "2", *a.created["fresh"].ConfigEntries["min.insync.replicas"])

	race := &fakeAdmin{createErr: &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}}
	require.NoError(t, EnsureTopic(race, "t", 1, 1))

	broken := &fakeAdmin{createErr: sarama.ErrClusterAuthorizationFailed}
	assert.ErrorIs(t, EnsureTopic(broken, "t", 1, 1), sarama.ErrClusterAuthorizationFailed)
}
