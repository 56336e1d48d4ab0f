package ingress

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"backcheck/internal/platform/metrics"
	"backcheck/pkg/platform/retry"
)

const commitTimeout = 5 * time.Second

// Client is the subset of *kgo.Client the consumer needs. Auto-commit must be
// disabled on the underlying client.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Consumer polls a consumer group and feeds records through a TopicHandler.
// Poison records are logged, skipped and committed. Any other failure is
// retried in place with backoff, so the offset stays uncommitted until the
// record is handled or the consumer stops.
type Consumer struct {
	client  Client
	handler TopicHandler
	backoff retry.Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type ConsumerOption func(*Consumer)

func WithBackoff(p retry.Policy) ConsumerOption {
	return func(c *Consumer) { c.backoff = p }
}

func WithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

func NewConsumer(client Client, handler TopicHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:  client,
		handler: handler,
		backoff: retry.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			c.logger.Warn("fetch failed",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err),
			)
		}
		if err := c.process(ctx, fetches); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, fetches kgo.Fetches) error {
	var handled []*kgo.Record
	var stopErr error
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, rec := range p.Records {
			if stopErr != nil {
				return
			}
			if err := c.handle(ctx, rec); err != nil {
				stopErr = err
				return
			}
			handled = append(handled, rec)
		}
	})

	if len(handled) > 0 {
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()
		if err := c.client.CommitRecords(commitCtx, handled...); err != nil {
			// the records are redelivered and handled again
			c.logger.Warn("commit failed", zap.Int("records", len(handled)), zap.Error(err))
		}
	}
	return stopErr
}

// handle blocks until the record is handled, judged poison, or ctx ends.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	for attempt := 0; ; attempt++ {
		err := c.handler.Handle(ctx, msg)
		switch {
		case err == nil:
			c.metrics.IncIngress(rec.Topic, "processed")
			return nil
		case Poison(err):
			c.metrics.IncIngress(rec.Topic, "skipped")
			c.logger.Error("skipping poison record",
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err),
			)
			return nil
		}

		c.metrics.IncIngress(rec.Topic, "retried")
		delay := c.backoff.Delay(attempt)
		c.logger.Warn("record handling failed, retrying",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Client = (*kgo.Client)(nil)

