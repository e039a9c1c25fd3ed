package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures exponential backoff for transient model failures.
type RetryPolicy struct {
	MaxRetries   int           // 0 disables retries
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on any single delay; 0 means 60s
	Multiplier   float64       // growth factor per attempt; 0 means 2
	Jitter       float64       // randomization factor in [0, 1); 0 disables
}

// backOff returns the delay schedule for p.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	if b.RandomizationFactor < 0 || b.RandomizationFactor >= 1 {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// RetryClient retries Chat calls that fail with a retryable error.
type RetryClient struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryClient wraps next with policy.
func NewRetryClient(next Client, policy RetryPolicy, logger *slog.Logger) *RetryClient {
	return &RetryClient{next: next, policy: policy, logger: logger}
}

// Chat calls the wrapped client, backing off between retryable failures.
// Cancelling ctx during a backoff returns the context's error.
func (r *RetryClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	attempts := 0
	op := func() (*ChatResponse, error) {
		attempts++
		resp, err := r.next.Chat(ctx, req)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.policy.backOff()),
		backoff.WithMaxTries(uint(max(r.policy.MaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			r.logger.Warn("model call failed, retrying",
				"model", req.Model,
				"attempt", attempts,
				"max_retries", r.policy.MaxRetries,
				"delay", delay,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	if attempts > 1 {
		r.logger.Info("model call succeeded after retry", "model", req.Model, "attempts", attempts)
	}
	return resp, nil
}

// Ping delegates to the wrapped client without retrying.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
