package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backcheck/internal/platform/config"
)

func TestNewClient(t *testing.T) {
	_, err := NewClient(config.KafkaConfig{})
	assert.ErrorIs(t, err, ErrNoBrokers)

	// kgo dials lazily, so construction succeeds without a broker.
	cl, err := NewClient(config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, ClientID: "test"},
		ConsumerOptions("group", "topic-a")...)
	require.NoError(t, err)
	cl.Close()
}
