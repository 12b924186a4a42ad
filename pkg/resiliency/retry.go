/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialRetryInterval = 100 * time.Millisecond
	defaultMaxRetryInterval     = 2 * time.Second
)

// Permanent wraps an error so that retry loops stop immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Try calling factory function with exponential back-off until it succeeds, returns a permanent error,
// or the context is done.
func RetryGet[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Calls factory with exponential back-off for at most the given amount of time.
func RetryGetWithTimeout[T any](ctx context.Context, timeout time.Duration, factory func() (T, error)) (T, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(defaultInitialRetryInterval),
		backoff.WithMaxInterval(defaultMaxRetryInterval),
		backoff.WithMaxElapsedTime(0), // Bounded by the context
	)
	return RetryGet(timeoutCtx, b, factory)
}
