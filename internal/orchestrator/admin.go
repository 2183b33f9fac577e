package orchestrator

import (
	"fmt"

	"github.com/turnstile-dev/turnstile/internal/alarm"
	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/statestore"
)

// ResetBatch rewinds a batch to CurrentIndex 0, Pending. The batch holding
// the in-flight task cannot be reset unless force is set, in which case
// the lock is cleared first so the rewound batch is not double-counted.
func ResetBatch(store *statestore.Store, id string, force bool) error {
	if err := guardLocked(store, id, force); err != nil {
		return err
	}
	return store.ResetBatch(id)
}

// ResetAll rewinds every batch
func ResetAll(store *statestore.Store, force bool) error {
	batches, err := store.ListBatches()
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := ResetBatch(store, b.ID, force); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch removes a batch and its payload. Deletion is always an
// explicit operator action; the orchestrator never deletes batches.
func DeleteBatch(store *statestore.Store, id string, force bool) error {
	if err := guardLocked(store, id, force); err != nil {
		return err
	}
	return store.DeleteBatch(id)
}

func guardLocked(store *statestore.Store, id string, force bool) error {
	state, err := store.ControlState()
	if err != nil {
		return err
	}
	if !state.IsTyping || state.TypingBatchID != id {
		return nil
	}
	if !force {
		return fmt.Errorf("batch %s has a task in flight; stop the run or use force", id)
	}

	if err := store.UpdateControlState(func(s *domain.OrchestrationState) {
		s.IsTyping = false
		s.TypingStartedAt = nil
		s.TypingBatchID = ""
		s.TypingTaskIndex = 0
		s.RetryCount = 0
	}); err != nil {
		return err
	}
	return store.ClearAlarm(alarm.Watchdog)
}
