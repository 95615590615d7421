// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package backoff implements the exponential retry/backoff policy used by
// the Task Runtime (task attempts) and the Worker Loop (delay after failed
// dispatcher calls; a poll that finds no work is not backed off).
package backoff

import (
	"context"
	"sync"
	"time"
)

// done is returned by Retrier.NextBackOff once the policy has no more
// attempts left.
const done time.Duration = -1

// maxRetryDelay bounds any single computed delay.
const maxRetryDelay = 600 * time.Second

type (
	// Operation to retry.
	Operation func() error

	// IsRetryable handler can be used to exclude certain errors from retry.
	IsRetryable func(error) bool

	// RetryPolicy describes delay*backoff^attempt growth bounded by a
	// maximum number of attempts and a maximum delay.
	RetryPolicy struct {
		InitialInterval time.Duration
		BackoffCoeff    float64
		MaxAttempts     int
		MaxInterval     time.Duration
	}

	// Retrier computes successive backoff intervals for a single retry
	// sequence. Not safe for concurrent use; callers create one per
	// sequence.
	Retrier struct {
		policy  RetryPolicy
		attempt int
	}

	// ConcurrentRetrier is used for client-side throttling of repeated
	// infrastructure calls (e.g. the Worker Loop's dispatcher poll), shared
	// across goroutines.
	ConcurrentRetrier struct {
		sync.Mutex
		retrier      *Retrier
		failureCount int64
	}
)

// NewRetrier returns a Retrier that starts counting attempts from zero.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy}
}

// NextBackOff returns the delay to wait before the next attempt, or done
// if the policy's attempt budget is exhausted.
func (r *Retrier) NextBackOff() time.Duration {
	if r.policy.MaxAttempts > 0 && r.attempt >= r.policy.MaxAttempts {
		return done
	}
	coeff := r.policy.BackoffCoeff
	if coeff <= 0 {
		coeff = 1
	}
	delay := r.policy.InitialInterval
	for i := 0; i < r.attempt; i++ {
		delay = time.Duration(float64(delay) * coeff)
	}
	r.attempt++
	max := r.policy.MaxInterval
	if max <= 0 || max > maxRetryDelay {
		max = maxRetryDelay
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Reset starts the sequence over from attempt zero.
func (r *Retrier) Reset() { r.attempt = 0 }

// NewConcurrentRetrier returns an instance of concurrent backoff retrier.
func NewConcurrentRetrier(policy RetryPolicy) *ConcurrentRetrier {
	return &ConcurrentRetrier{retrier: NewRetrier(policy)}
}

// Throttle sleeps if there have been failures since the last success.
func (c *ConcurrentRetrier) Throttle() {
	c.Lock()
	next := done
	if c.failureCount > 0 {
		next = c.retrier.NextBackOff()
	}
	c.Unlock()
	if next != done {
		time.Sleep(next)
	}
}

// Succeeded marks the most recent attempt a success, resetting the policy.
func (c *ConcurrentRetrier) Succeeded() {
	c.Lock()
	defer c.Unlock()
	c.failureCount = 0
	c.retrier.Reset()
}

// Failed marks the most recent attempt a failure.
func (c *ConcurrentRetrier) Failed() {
	c.Lock()
	defer c.Unlock()
	c.failureCount++
}

// Retry wraps operation with the given policy, calling isRetryable (if
// non-nil) to decide whether a particular failure should count toward
// another attempt.
func Retry(ctx context.Context, operation Operation, policy RetryPolicy, isRetryable IsRetryable) error {
	var lastErr error
	r := NewRetrier(policy)
	for {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}

		next := r.NextBackOff()
		if next == done {
			return lastErr
		}

		if ctxDone := ctx.Done(); ctxDone != nil {
			timer := time.NewTimer(next)
			select {
			case <-ctxDone:
				timer.Stop()
				return lastErr
			case <-timer.C:
				continue
			}
		}
		time.Sleep(next)
	}
}
