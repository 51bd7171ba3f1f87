package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RunStream keeps a streaming connection alive until ctx is cancelled.
// connect establishes the socket, resubscribes its channels, and blocks
// while the stream is healthy, returning when it drops. Reconnect attempts
// back off exponentially (base 5s, cap 60s, jittered); the delay resets
// once a session survives past the cap. Gaps in the stream are not
// reconstructed: onGap runs before every reconnect so downstream consumers
// can reset derived state.
func RunStream(ctx context.Context, log zerolog.Logger, name string, connect func(ctx context.Context) error, onGap func()) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Second
	eb.MaxInterval = 60 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > eb.MaxInterval {
			eb.Reset()
		}
		if err != nil {
			log.Warn().Err(err).Str("stream", name).Msg("stream dropped")
		}

		wait := eb.NextBackOff()
		log.Info().Str("stream", name).Dur("retry_in", wait).Msg("reconnecting stream")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if onGap != nil {
			onGap()
		}
	}
}

// RetryCall invokes fn up to maxRetries+1 times with jittered exponential
// backoff, retrying only errors the taxonomy marks retryable.
func RetryCall[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(maxRetries)+1),
	)
}
