package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstance_C(t *testing.T) {
	i := Instance{
		MaxRetries:        5,
		BackoffPolicy:     ExponentialBackoff,
		BaseRetryDuration: 10 * time.Millisecond,
	}
	start := time.Now()
	var expectedAttempt int
	for attempt := range i.C(context.TODO()) {
		assert.Equal(t, expectedAttempt, attempt)
		expectedAttempt++
	}
	assert.Equal(t, i.MaxRetries, expectedAttempt)
	elapsed := time.Since(start)
	assert.True(t, elapsed > 150*time.Millisecond, "elapsed: %v", elapsed)
	assert.True(t, elapsed < 2*time.Second, "elapsed: %v", elapsed)
}

func TestInstance_CCanceled(t *testing.T) {
	i := Instance{
		BackoffPolicy:     ExponentialBackoff,
		BaseRetryDuration: time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := i.C(ctx)
	assert.Equal(t, 0, <-c)
	cancel()
	_, ok := <-c
	assert.False(t, ok)
}

func TestInstance_Next(t *testing.T) {
	i := &Instance{
		BaseRetryDuration:  10 * time.Millisecond,
		MaxBackoffDuration: 50 * time.Millisecond,
	}
	assert.Equal(t, 10*time.Millisecond, i.Next())
	i.Attempt = 2
	assert.Equal(t, 40*time.Millisecond, i.Next())
	i.Attempt = 3
	assert.Equal(t, 50*time.Millisecond, i.Next())
	i.Attempt = 100
	assert.Equal(t, 50*time.Millisecond, i.Next())
	i.Reset()
	assert.Equal(t, 10*time.Millisecond, i.Next())
}

func TestInstance_Backoff(t *testing.T) {
	i := &Instance{
		MaxRetries:        2,
		BaseRetryDuration: time.Millisecond,
		BackoffPolicy:     ExponentialBackoff,
	}
	assert.True(t, i.Backoff(context.Background()))
	assert.True(t, i.Backoff(context.Background()))
	assert.False(t, i.Backoff(context.Background()))
	assert.Equal(t, 2, i.Attempt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := &Instance{BaseRetryDuration: time.Hour}
	assert.False(t, slow.Backoff(ctx))
}
