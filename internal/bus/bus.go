// Package bus wraps the Kafka client behind the two narrow surfaces the
// pipeline needs: a keyed producer and a group consumer with manual commits.
package bus

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quantpulse/barflow/internal/errs"
)

// Record is one message on a topic.
type Record struct {
	Topic string
	Key   []byte
	Value []byte

	// raw is carried on consumed records so offsets can be committed.
	raw *kgo.Record
}

// Producer publishes keyed records.
type Producer interface {
	Produce(ctx context.Context, rec Record) error
	Close()
}

// Consumer polls records for a consumer group and commits offsets after
// processing.
type Consumer interface {
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, recs ...Record) error
	Close()
}

type client struct {
	cl *kgo.Client
}

// NewProducer connects a producer to the broker.
func NewProducer(brokerAddress string) (Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokerAddress),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindBus, fmt.Errorf("connect producer: %w", err))
	}
	return &client{cl: cl}, nil
}

// ConsumerGroupName returns the configured group id, with a fresh UUID
// suffix when a reset to earliest offsets is requested for backfills.
func ConsumerGroupName(group string, createNew bool) string {
	if !createNew {
		return group
	}
	fresh := fmt.Sprintf("%s-%s", group, uuid.NewString())
	log.Info().Str("consumer_group", fresh).Msg("Using fresh consumer group")
	return fresh
}

// NewConsumer joins a consumer group on the given topic. Offsets reset to
// earliest on cold start and are committed only through Commit.
func NewConsumer(brokerAddress, group, topic string) (Consumer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokerAddress),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindBus, fmt.Errorf("connect consumer: %w", err))
	}
	return &client{cl: cl}, nil
}

// Produce publishes one record synchronously. The record is durable on the
// bus when this returns nil.
func (c *client) Produce(ctx context.Context, rec Record) error {
	err := c.cl.ProduceSync(ctx, &kgo.Record{
		Topic: rec.Topic,
		Key:   rec.Key,
		Value: rec.Value,
	}).FirstErr()
	if err != nil {
		return errs.Wrap(errs.KindBus, fmt.Errorf("produce to %s: %w", rec.Topic, err))
	}
	return nil
}

// Poll fetches the next batch of records, preserving per-partition order.
func (c *client) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, errs.New(errs.KindBus, "consumer closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if fe.Err == context.Canceled || fe.Err == context.DeadlineExceeded {
			continue
		}
		log.Error().
			Err(fe.Err).
			Str("topic", fe.Topic).
			Int32("partition", fe.Partition).
			Msg("Fetch error")
	}

	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Record{
			Topic: r.Topic,
			Key:   r.Key,
			Value: r.Value,
			raw:   r,
		})
	})
	return out, nil
}

// Commit stores offsets for the given consumed records.
func (c *client) Commit(ctx context.Context, recs ...Record) error {
	raw := make([]*kgo.Record, 0, len(recs))
	for _, r := range recs {
		if r.raw != nil {
			raw = append(raw, r.raw)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := c.cl.CommitRecords(ctx, raw...); err != nil {
		return errs.Wrap(errs.KindBus, fmt.Errorf("commit offsets: %w", err))
	}
	return nil
}

// Close flushes and releases the client.
func (c *client) Close() {
	c.cl.Close()
}
