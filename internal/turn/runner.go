// Package turn executes the turn-taking interaction protocol against an
// automation surface: reset the input, type the payload incrementally,
// submit, confirm acceptance, wait for quiescence, harvest and parse.
package turn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/quiesce"
	"github.com/turnstile-dev/turnstile/internal/surface"
)

// ErrSubmissionFailed is returned when the surface shows no sign of
// accepting the input after all submit attempts.
var ErrSubmissionFailed = errors.New("surface did not accept submission")

// Config tunes the protocol
type Config struct {
	// ChunkSize is the number of runes typed per increment. Some surfaces
	// only register input arriving as discrete edit events, never as one
	// bulk write.
	ChunkSize int
	// PauseMin/PauseMax bound the randomized pause between increments
	PauseMin time.Duration
	PauseMax time.Duration
	// SubmitAttempts bounds submission retries
	SubmitAttempts int
	// AcceptWindow is how long one submit attempt polls for a visible sign
	// of acceptance before retrying
	AcceptWindow time.Duration
	// PollInterval paces the acceptance poll
	PollInterval time.Duration
	// Quiescence tunes the completion detector
	Quiescence quiesce.Options
}

// DefaultConfig matches the pacing of a chat-style surface
func DefaultConfig() Config {
	return Config{
		ChunkSize:      40,
		PauseMin:       30 * time.Millisecond,
		PauseMax:       120 * time.Millisecond,
		SubmitAttempts: 3,
		AcceptWindow:   5 * time.Second,
		PollInterval:   250 * time.Millisecond,
		Quiescence:     quiesce.DefaultOptions(),
	}
}

// Runner executes turns against one surface
type Runner struct {
	surface surface.Surface
	config  Config
}

// NewRunner creates a Runner
func NewRunner(s surface.Surface, config Config) *Runner {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 40
	}
	if config.SubmitAttempts <= 0 {
		config.SubmitAttempts = 3
	}
	return &Runner{surface: s, config: config}
}

// Run executes one full turn and returns the parsed result. Errors before
// harvest are typed (surface.ErrNotFound, ErrSubmissionFailed,
// quiesce.ErrStabilityTimeout); parse failure is not an error, it degrades
// the result to a diagnostic note.
func (r *Runner) Run(ctx context.Context, input string) (*domain.TurnResult, error) {
	if err := r.surface.EnsureInput(ctx); err != nil {
		return nil, err
	}

	// A prior turn may have left partial text behind
	if err := r.surface.ClearInput(ctx); err != nil {
		return nil, err
	}

	baseline, err := r.surface.OutputCount(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.typeIncrementally(ctx, input); err != nil {
		return nil, err
	}

	if err := r.submit(ctx, baseline); err != nil {
		return nil, err
	}

	err = quiesce.Await(ctx, func(ctx context.Context) (int, error) {
		text, err := r.surface.LatestOutput(ctx)
		if err != nil {
			return 0, err
		}
		return len(text), nil
	}, r.config.Quiescence)
	if err != nil {
		return nil, err
	}

	text, err := r.surface.LatestOutput(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(text), nil
}

func (r *Runner) typeIncrementally(ctx context.Context, input string) error {
	runes := []rune(input)
	for start := 0; start < len(runes); start += r.config.ChunkSize {
		end := start + r.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		if err := r.surface.TypeText(ctx, string(runes[start:end])); err != nil {
			return err
		}

		if end < len(runes) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pause()):
			}
		}
	}
	return nil
}

func (r *Runner) pause() time.Duration {
	if r.config.PauseMax <= r.config.PauseMin {
		return r.config.PauseMin
	}
	return r.config.PauseMin + time.Duration(rand.Int63n(int64(r.config.PauseMax-r.config.PauseMin)))
}

// submit triggers submission and polls for a visible sign the turn started:
// the output unit count growing past the baseline, or a busy indicator.
// This distinguishes "surface ignored me" from "surface is thinking".
func (r *Runner) submit(ctx context.Context, baseline int) error {
	for attempt := 0; attempt < r.config.SubmitAttempts; attempt++ {
		if err := r.surface.Submit(ctx); err != nil {
			return err
		}

		accepted, err := r.pollAccepted(ctx, baseline)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrSubmissionFailed, r.config.SubmitAttempts)
}

func (r *Runner) pollAccepted(ctx context.Context, baseline int) (bool, error) {
	deadline := time.Now().Add(r.config.AcceptWindow)

	for time.Now().Before(deadline) {
		count, err := r.surface.OutputCount(ctx)
		if err != nil {
			return false, err
		}
		if count > baseline {
			return true, nil
		}

		busy, err := r.surface.Busy(ctx)
		if err != nil {
			return false, err
		}
		if busy {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.config.PollInterval):
		}
	}
	return false, nil
}
