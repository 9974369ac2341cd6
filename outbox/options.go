package outbox

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/retry"
)

// Options controls how the relay drains the outbox
type Options struct {
	// PublishInterval is the polling cadence of the relay
	PublishInterval time.Duration
	// BatchSize caps the messages published per cycle
	BatchSize int

	MaxRetries            int
	RetryBackoff          time.Duration
	UseExponentialBackoff bool
	MaxRetryBackoff       time.Duration

	ProcessedRetention time.Duration
	FailedRetention    time.Duration
	CleanupInterval    time.Duration

	EnableDeduplication bool
	DeduplicationWindow time.Duration

	// EnableOrdering publishes strictly in insertion order; a failing message
	// holds back everything enqueued after it
	EnableOrdering bool

	EnableCompression    bool
	CompressionThreshold int
}

// DefaultOptions returns balanced settings
func DefaultOptions() Options {
	return Options{
		PublishInterval:       time.Second,
		BatchSize:             100,
		MaxRetries:            3,
		RetryBackoff:          5 * time.Second,
		UseExponentialBackoff: true,
		MaxRetryBackoff:       5 * time.Minute,
		ProcessedRetention:    7 * 24 * time.Hour,
		FailedRetention:       30 * 24 * time.Hour,
		CleanupInterval:       time.Hour,
		DeduplicationWindow:   time.Hour,
		CompressionThreshold:  1024,
	}
}

// HighThroughput polls fast with large batches and no ordering or deduplication
func HighThroughput() Options {
	o := DefaultOptions()
	o.PublishInterval = 100 * time.Millisecond
	o.BatchSize = 500
	o.EnableOrdering = false
	o.EnableDeduplication = false
	o.ProcessedRetention = 24 * time.Hour
	o.EnableCompression = true
	return o
}

// HighReliability polls slowly with small batches, ordering, deduplication and long retention
func HighReliability() Options {
	o := DefaultOptions()
	o.PublishInterval = 5 * time.Second
	o.BatchSize = 50
	o.MaxRetries = 10
	o.EnableOrdering = true
	o.EnableDeduplication = true
	o.DeduplicationWindow = 24 * time.Hour
	o.ProcessedRetention = 30 * 24 * time.Hour
	o.FailedRetention = 30 * 24 * time.Hour
	return o
}

// LowLatency polls very fast with small batches, one retry and no backoff
func LowLatency() Options {
	o := DefaultOptions()
	o.PublishInterval = 10 * time.Millisecond
	o.BatchSize = 10
	o.MaxRetries = 1
	o.RetryBackoff = 0
	o.UseExponentialBackoff = false
	o.MaxRetryBackoff = 0
	return o
}

// Validate checks the options for values the relay cannot run with
func (o Options) Validate() error {
	switch {
	case o.PublishInterval <= 0:
		return fmt.Errorf("%w: publish interval must be positive", ErrInvalidOptions)
	case o.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidOptions)
	case o.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidOptions)
	case o.RetryBackoff < 0 || o.MaxRetryBackoff < 0:
		return fmt.Errorf("%w: retry backoff must not be negative", ErrInvalidOptions)
	case o.UseExponentialBackoff && o.MaxRetryBackoff < o.RetryBackoff:
		return fmt.Errorf("%w: max retry backoff must not be below retry backoff", ErrInvalidOptions)
	case o.ProcessedRetention < 0 || o.FailedRetention < 0 || o.CleanupInterval < 0:
		return fmt.Errorf("%w: retention and cleanup intervals must not be negative", ErrInvalidOptions)
	case o.EnableDeduplication && o.DeduplicationWindow <= 0:
		return fmt.Errorf("%w: deduplication window must be positive", ErrInvalidOptions)
	case o.EnableCompression && o.CompressionThreshold < 0:
		return fmt.Errorf("%w: compression threshold must not be negative", ErrInvalidOptions)
	}
	return nil
}

// Backoff returns the retry policy the relay uses between failed publish attempts
func (o Options) Backoff() (*retry.Policy, error) {
	switch {
	case o.RetryBackoff == 0:
		return retry.Immediate(o.MaxRetries)
	case o.UseExponentialBackoff:
		return retry.Exponential(o.MaxRetries, o.RetryBackoff, o.MaxRetryBackoff)
	default:
		return retry.Interval(o.MaxRetries, o.RetryBackoff)
	}
}
