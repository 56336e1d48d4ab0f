package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backcheck/internal/check"
)

func TestStubVerifier(t *testing.T) {
	stub := StubVerifier{Now: func() time.Time { return fixedNow }}
	ctx := context.Background()

	t.Run("verifies clean documents", func(t *testing.T) {
		r, err := stub.Verify(ctx, check.ComponentIdentity, []string{"passport.png"})
		require.NoError(t, err)
		assert.True(t, r.Verified)
		assert.Equal(t, 0.95, r.Confidence)
		assert.Equal(t, fixedNow, r.ProducedAt)
	})

	t.Run("flags forged documents", func(t *testing.T) {
		r, err := stub.Verify(ctx, check.ComponentIdentity, []string{"ok.png", "forged-id.png"})
		require.NoError(t, err)
		assert.False(t, r.Verified)
		assert.Len(t, r.Issues, 1)
		assert.NoError(t, r.Validate())
	})

	t.Run("simulates an outage", func(t *testing.T) {
		_, err := stub.Verify(ctx, check.ComponentIdentity, []string{"unreachable"})
		assert.Equal(t, CategoryUnavailable, CategoryOf(err))
	})

	t.Run("rejects empty batches", func(t *testing.T) {
		_, err := stub.Verify(ctx, check.ComponentIdentity, nil)
		assert.False(t, IsRetryable(err))
	})

	t.Run("honours cancellation during latency", func(t *testing.T) {
		slow := StubVerifier{Latency: time.Second}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := slow.Verify(cctx, check.ComponentIdentity, []string{"a"})
		assert.Equal(t, CategoryTimeout, CategoryOf(err))
	})
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(check.ComponentIdentity, nil))
	assert.Equal(t, CategoryTimeout, Classify(check.ComponentIdentity, context.DeadlineExceeded).Category)
	assert.False(t, IsRetryable(context.Canceled))
	assert.Equal(t, Category(""), CategoryOf(nil))
}
