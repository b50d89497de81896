// Package backoff paces repeated attempts of a failing operation.
package backoff

import (
	"context"
	"time"
)

// Instance tracks the attempts of one retried operation. MaxRetries of 0 means attempts are unbounded.
type Instance struct {
	MaxRetries         int
	BaseRetryDuration  time.Duration
	BackoffPolicy      Policy
	MaxBackoffDuration time.Duration
	Attempt            int
}

// Next returns the delay before the next attempt.
func (i *Instance) Next() time.Duration {
	policy := i.BackoffPolicy
	if policy == nil {
		policy = ExponentialBackoff
	}
	backoff := policy(i.Attempt, i.BaseRetryDuration)
	if i.MaxBackoffDuration > 0 {
		backoff = min(backoff, i.MaxBackoffDuration)
	}
	return backoff
}

// Backoff blocks for the next backoff duration. It returns false if ctx is done before the duration passed, or if
// the maximum number of retries has been reached.
func (i *Instance) Backoff(ctx context.Context) bool {
	if i.MaxRetries > 0 && i.Attempt >= i.MaxRetries {
		return false
	}
	timer := time.NewTimer(i.Next())
	defer timer.Stop()
	i.Attempt++

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Reset starts counting attempts from zero again, after the operation succeeded.
func (i *Instance) Reset() {
	i.Attempt = 0
}

// C emits the attempt numbers, waiting the backoff duration in between. The channel is closed once MaxRetries is
// reached or ctx is done.
func (i *Instance) C(ctx context.Context) <-chan int {
	c := make(chan int)
	go func() {
		defer close(c)
		for attempt := 0; i.MaxRetries <= 0 || attempt < i.MaxRetries; attempt++ {
			select {
			case <-ctx.Done():
				return
			case c <- attempt:
			}
			wait := i.BackoffPolicy(attempt, i.BaseRetryDuration)
			if i.MaxBackoffDuration > 0 {
				wait = min(wait, i.MaxBackoffDuration)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
	return c
}

func New() *Instance {
	return &Instance{
		BackoffPolicy: ExponentialBackoff,
	}
}

type Policy func(i int, unit time.Duration) time.Duration

func ExponentialBackoff(i int, unit time.Duration) time.Duration {
	if i > 30 {
		i = 30
	}
	return time.Duration(1<<uint(i)) * unit
}

func min(l, r time.Duration) time.Duration {
	if l < r {
		return l
	}
	return r
}
