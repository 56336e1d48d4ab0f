package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backcheck/internal/platform/config"
)

func TestNew(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	ctx := context.Background()

	clients, err := New(ctx, config.NotificationsConfig{})
	require.NoError(t, err)
	assert.Nil(t, clients.SES)
	assert.Nil(t, clients.SNS)

	cfg := config.NotificationsConfig{AWS: config.AWSConfig{Region: "eu-west-1"}}
	cfg.Email.Enabled = true
	clients, err = New(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, clients.SES)
	assert.Nil(t, clients.SNS)
}
