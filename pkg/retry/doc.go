// Package retry runs an operation until it succeeds, fails permanently, runs
// out of attempts or its context ends.
//
// Two shapes of loop are used in spiced:
//
//   - Forever(d): no attempt cap and a fixed delay d. Dataset load pipelines
//     run this way; they end only on success, a permanent error or
//     cancellation.
//   - DefaultConfig(): 3 attempts with exponential backoff and jitter, for
//     startup calls such as connecting to NATS or opening a KV bucket.
//
// A permanent failure is signalled by returning NonRetryable(err). Do returns
// it at once, unwrapped only by the NonRetryableError wrapper, so errors.Is and
// errors.As still see the cause.
//
//	cfg := retry.Forever(time.Second)
//	cfg.OnRetry = func(attempt int, err error) {
//	    logger.Warn("Dataset load failed, retrying", "attempt", attempt, "error", err)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    if err := resolve(); err != nil {
//	        return retry.NonRetryable(err)
//	    }
//	    return attach()
//	})
//
// OnRetry runs after a failed attempt that will be retried and before its
// delay; it is not called for the final failure. Cancellation is observed
// both between attempts and during the delay.
package retry
