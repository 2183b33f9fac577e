// Package surface abstracts the external interactive target being driven.
// The interaction protocol consumes only this narrow capability interface;
// the selectors, markup or process plumbing behind it are adapter details.
package surface

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the surface's input affordance cannot be
// located. Not retryable at this layer.
var ErrNotFound = errors.New("surface input not found")

// Surface is one interactive target operated one turn at a time.
//
// Output units are the surface's discrete responses; OutputCount growing or
// Busy turning true is the sign a submitted turn was accepted, and
// LatestOutput going quiet is the sign it finished.
type Surface interface {
	// EnsureInput locates the input affordance, wrapping ErrNotFound when absent
	EnsureInput(ctx context.Context) error
	// ClearInput removes residual content from a previous turn
	ClearInput(ctx context.Context) error
	// TypeText appends one increment of input
	TypeText(ctx context.Context, text string) error
	// Submit triggers submission of the typed input. The input is not
	// consumed: an unacknowledged submission can be retried and re-sends
	// the same text until ClearInput discards it.
	Submit(ctx context.Context) error
	// Busy reports whether the surface is visibly producing a response
	Busy(ctx context.Context) (bool, error)
	// OutputCount returns the number of completed output units
	OutputCount(ctx context.Context) (int, error)
	// LatestOutput returns the text of the newest output unit, completed or not
	LatestOutput(ctx context.Context) (string, error)
}
