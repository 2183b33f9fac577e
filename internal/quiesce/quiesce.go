// Package quiesce detects when an output stream has stopped growing. It
// samples a length on a fixed interval and declares quiescence once the
// length has stayed unchanged and non-zero for a run of consecutive
// samples, which debounces mid-generation pauses. It knows nothing about
// any particular surface.
package quiesce

import (
	"context"
	"errors"
	"time"
)

// ErrStabilityTimeout is returned when the stream never settles before the
// overall ceiling.
var ErrStabilityTimeout = errors.New("output did not stabilize before ceiling")

// Options tunes the detector
type Options struct {
	// Interval between samples
	Interval time.Duration
	// Threshold is the number of consecutive unchanged non-zero samples
	// required to declare quiescence
	Threshold int
	// Ceiling bounds the total wait
	Ceiling time.Duration
}

// DefaultOptions matches the pacing of a chat-style surface
func DefaultOptions() Options {
	return Options{
		Interval:  2 * time.Second,
		Threshold: 3,
		Ceiling:   4 * time.Minute,
	}
}

// Await blocks until the sampled length is stable, the ceiling passes, or
// ctx is cancelled. Sample errors are fatal: a stream that cannot be read
// cannot be waited on.
func Await(ctx context.Context, sample func(context.Context) (int, error), opts Options) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}

	deadline := time.Now().Add(opts.Ceiling)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	lastLen := -1
	stable := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if opts.Ceiling > 0 && time.Now().After(deadline) {
				return ErrStabilityTimeout
			}

			n, err := sample(ctx)
			if err != nil {
				return err
			}

			if n > 0 && n == lastLen {
				stable++
			} else {
				stable = 0
			}
			lastLen = n

			if stable >= opts.Threshold {
				return nil
			}
		}
	}
}
