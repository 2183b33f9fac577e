package quiesce

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastOptions(ceiling time.Duration) Options {
	return Options{Interval: 5 * time.Millisecond, Threshold: 3, Ceiling: ceiling}
}

func TestAwait_StabilizingStream(t *testing.T) {
	// Grows for a few samples, then settles
	lengths := []int{10, 40, 90, 120, 120, 120, 120, 120}
	i := 0
	sample := func(context.Context) (int, error) {
		n := lengths[i]
		if i < len(lengths)-1 {
			i++
		}
		return n, nil
	}

	if err := Await(context.Background(), sample, fastOptions(time.Second)); err != nil {
		t.Fatalf("Await() = %v, want nil", err)
	}
}

func TestAwait_MidGenerationPauseDebounced(t *testing.T) {
	// A brief stall below the threshold must not count as quiescence
	lengths := []int{50, 50, 80, 80, 130, 130, 130, 130}
	i := 0
	calls := 0
	sample := func(context.Context) (int, error) {
		calls++
		n := lengths[i]
		if i < len(lengths)-1 {
			i++
		}
		return n, nil
	}

	if err := Await(context.Background(), sample, fastOptions(time.Second)); err != nil {
		t.Fatalf("Await() = %v, want nil", err)
	}
	// Must have sampled past the early stalls (indices 0-3) before settling
	if calls < 7 {
		t.Errorf("settled after %d samples; early stall was counted as quiescence", calls)
	}
}

func TestAwait_ZeroLengthNeverStable(t *testing.T) {
	sample := func(context.Context) (int, error) { return 0, nil }

	err := Await(context.Background(), sample, fastOptions(60*time.Millisecond))
	if !errors.Is(err, ErrStabilityTimeout) {
		t.Errorf("Await() = %v, want ErrStabilityTimeout", err)
	}
}

func TestAwait_CeilingExceeded(t *testing.T) {
	n := 0
	sample := func(context.Context) (int, error) {
		n += 10 // never stops growing
		return n, nil
	}

	err := Await(context.Background(), sample, fastOptions(60*time.Millisecond))
	if !errors.Is(err, ErrStabilityTimeout) {
		t.Errorf("Await() = %v, want ErrStabilityTimeout", err)
	}
}

func TestAwait_SampleErrorPropagates(t *testing.T) {
	boom := errors.New("surface gone")
	sample := func(context.Context) (int, error) { return 0, boom }

	err := Await(context.Background(), sample, fastOptions(time.Second))
	if !errors.Is(err, boom) {
		t.Errorf("Await() = %v, want sample error", err)
	}
}

func TestAwait_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sample := func(context.Context) (int, error) { return 1, nil }
	err := Await(ctx, sample, fastOptions(time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Await() = %v, want context.Canceled", err)
	}
}
