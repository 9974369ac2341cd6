// Package circuitbreaker stops calling a failing dependency once failures in a
// sliding window cross a threshold, and probes for recovery after a reset interval.
//
// A Policy is immutable configuration; a Breaker carries the runtime state of
// one circuit and may be shared by any number of goroutines:
//
//	policy, err := circuitbreaker.NewPolicy(
//	    circuitbreaker.WithTripThreshold(15),
//	    circuitbreaker.WithActiveThreshold(10),
//	    circuitbreaker.WithResetInterval(time.Minute),
//	    circuitbreaker.Ignore[*ValidationError](),
//	)
//	breaker := circuitbreaker.New(policy, circuitbreaker.WithName("billing"))
//	err = breaker.Execute(ctx, func() error { return call(ctx) })
package circuitbreaker
