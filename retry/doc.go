// Package retry provides retry policies with immediate, fixed, custom,
// exponential and incremental delays, optional jitter, and handled/ignored
// error classification.
//
// A Policy is built once and then shared read-only:
//
//	policy, err := retry.Exponential(5, time.Second, 30*time.Second,
//	    retry.WithJitter(20),
//	    retry.Handle[*net.OpError](),
//	    retry.IgnoreIs(context.Canceled),
//	)
//
//	err = retry.Do(ctx, policy, func(ctx context.Context) error {
//	    return callDownstream(ctx)
//	})
package retry
