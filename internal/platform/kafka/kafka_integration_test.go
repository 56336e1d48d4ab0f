//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"backcheck/internal/platform/config"
	"backcheck/pkg/testutil/containers"
)

func TestEnsureTopicsAndRoundTrip(t *testing.T) {
	rp := containers.GetManager().GetRedpanda(t)
	cfg := config.KafkaConfig{Brokers: rp.Brokers, ClientID: "backcheck-test"}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := NewClient(cfg)
	require.NoError(t, err)
	defer admin.Close()

	require.NoError(t, Health(ctx, admin))
	require.NoError(t, EnsureTopics(ctx, admin, 1, 1, "it.check-requests"))
	require.NoError(t, EnsureTopics(ctx, admin, 1, 1, "it.check-requests"), "existing topics are not an error")

	res := admin.ProduceSync(ctx, &kgo.Record{Topic: "it.check-requests", Key: []byte("chk-1"), Value: []byte("{}")})
	require.NoError(t, res.FirstErr())

	consumer, err := NewClient(cfg, ConsumerOptions("it-group", "it.check-requests")...)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.Empty(t, fetches.Errors())
	recs := fetches.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "chk-1", string(recs[0].Key))
	require.NoError(t, consumer.CommitRecords(ctx, recs...))
}
