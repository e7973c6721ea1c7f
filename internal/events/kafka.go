// Package events publishes committed ledger groups to Kafka. Publication is
// fire-and-forget telemetry: the ledger is the source of truth and a lost
// event never affects an operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

// GroupCommitted is the payload of one record: every leg of one group.
type GroupCommitted struct {
	GroupID      string                     `json:"group_id"`
	SessionID    string                     `json:"session_id,omitempty"`
	CommittedAt  time.Time                  `json:"committed_at"`
	Transactions []domain.LedgerTransaction `json:"transactions"`
}

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Close()
}

type Kafka struct {
	client producer
	topic  string
	log    logrus.FieldLogger
	wg     sync.WaitGroup
}

func NewKafka(brokers []string, topic string, log logrus.FieldLogger) (*Kafka, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("mentorledger"),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafka(client, topic, log), nil
}

func newKafka(client producer, topic string, log logrus.FieldLogger) *Kafka {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Kafka{client: client, topic: topic, log: log}
}

// Publish queues one record for the group. It does not wait for the broker.
func (k *Kafka) Publish(ctx context.Context, legs []domain.LedgerTransaction) {
	record, err := k.record(legs)
	if err != nil {
		k.log.WithError(err).Warn("failed to encode ledger event")
		return
	}
	k.wg.Add(1)
	k.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		defer k.wg.Done()
		if err != nil {
			k.log.WithError(err).WithField("group_id", string(r.Key)).Warn("failed to publish ledger event")
		}
	})
}

func (k *Kafka) record(legs []domain.LedgerTransaction) (*kgo.Record, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("empty transaction group")
	}
	first := legs[0]
	event := GroupCommitted{
		GroupID:      first.GroupID,
		SessionID:    first.SessionID,
		CommittedAt:  first.CreatedAt,
		Transactions: legs,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	// Session groups share a partition so consumers see them in order.
	key := first.GroupID
	if first.SessionID != "" {
		key = first.SessionID
	}
	return &kgo.Record{
		Topic: k.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte("ledger.group_committed")},
			{Key: "tx_type", Value: []byte(first.Type)},
			{Key: "group_id", Value: []byte(first.GroupID)},
		},
	}, nil
}

// Close waits for queued records to resolve and closes the client.
func (k *Kafka) Close() {
	k.wg.Wait()
	k.client.Close()
}
