package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work inside a batch. Immutable once created.
type Task struct {
	Index        int             `json:"index"`
	Payload      json.RawMessage `json:"payload"`
	DisplayTitle string          `json:"display_title,omitempty"`
}

// Title returns the display title, falling back to the task index
func (t Task) Title() string {
	if t.DisplayTitle != "" {
		return t.DisplayTitle
	}
	return fmt.Sprintf("task %d", t.Index)
}

// Batch is an ordered, named collection of tasks plus a processing cursor.
// CurrentIndex counts tasks already attempted: 0 <= CurrentIndex <= TotalCount.
type Batch struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	TotalCount   int         `json:"total_count"`
	CurrentIndex int         `json:"current_index"`
	Status       BatchStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Done reports whether the cursor has reached the end of the batch
func (b *Batch) Done() bool {
	return b.CurrentIndex >= b.TotalCount
}

// NewBatchID returns a new batch identifier. The time prefix keeps ids
// sortable by ingestion time; the random suffix avoids collision.
func NewBatchID(now time.Time) string {
	return fmt.Sprintf("b-%s-%s", now.UTC().Format("20060102t150405"), uuid.NewString()[:8])
}

// OrchestrationState is the single durable control record. It is the only
// state consulted after a process restart; everything in memory is assumed
// lost.
type OrchestrationState struct {
	// IsProcessing is true while a run is active
	IsProcessing bool `json:"is_processing"`
	// IsTyping is the single-slot lock: a task is in flight with the surface
	IsTyping bool `json:"is_typing"`
	// TypingStartedAt is the lock acquisition time, used for timeout detection
	TypingStartedAt *time.Time `json:"typing_started_at,omitempty"`
	// PromptSent is true once the one-time handshake has completed for this run
	PromptSent bool `json:"prompt_sent"`
	// SurfaceHandle identifies the worker holding the automation surface
	SurfaceHandle string `json:"surface_handle,omitempty"`
	// TypingBatchID and TypingTaskIndex identify the in-flight task while
	// IsTyping is true; they back the stale-completion guard and the
	// watchdog's retry accounting.
	TypingBatchID   string `json:"typing_batch_id,omitempty"`
	TypingTaskIndex int    `json:"typing_task_index,omitempty"`
	// RetryCount counts watchdog-forced retries of the current cursor position
	RetryCount int `json:"retry_count,omitempty"`
}

// Phase derives the state machine phase from the durable record
func (s OrchestrationState) Phase() RunPhase {
	switch {
	case !s.IsProcessing:
		return PhaseIdle
	case !s.PromptSent:
		return PhaseHandshaking
	case s.IsTyping:
		return PhaseAwaitingTurn
	default:
		return PhaseDispatching
	}
}

// Valid checks the record's internal invariants
func (s OrchestrationState) Valid() error {
	if s.IsTyping && s.TypingStartedAt == nil {
		return fmt.Errorf("is_typing set without typing_started_at")
	}
	if s.IsTyping && !s.IsProcessing {
		return fmt.Errorf("is_typing set without is_processing")
	}
	return nil
}
